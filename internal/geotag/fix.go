// Package geotag carries GPS fixes through MQTT and into capture
// session manifests.
package geotag

// Fix represents a single combined GPS fix suitable for JSON and MQTT.
type Fix struct {
	Time       string  `json:"time"`        // e.g. "12:34:56"
	Date       string  `json:"date"`        // e.g. "2025-12-06"
	Latitude   float64 `json:"lat"`         // decimal degrees
	Longitude  float64 `json:"lon"`         // decimal degrees
	Altitude   float64 `json:"alt"`         // meters above sea level, from GGA
	SpeedKnots float64 `json:"speed_knots"` // speed over ground
	CourseDeg  float64 `json:"course_deg"`  // course over ground
	Validity   string  `json:"validity"`    // "A" (valid) / "V" (void), etc.
}

// Position is the subset shown on displays and stored with sessions.
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt"`
}

// Valid reports whether the fix carries a usable position.
func (f Fix) Valid() bool { return f.Validity == "A" }

// Position extracts the position part of a fix.
func (f Fix) Position() Position {
	return Position{Latitude: f.Latitude, Longitude: f.Longitude, Altitude: f.Altitude}
}
