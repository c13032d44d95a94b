// Package sensors drives the MPU-9250 IMU over SPI and exposes motion
// readings for the pose tracker, plus the register-level access the
// debug tooling needs.
package sensors

// Sample is one raw IMU reading in sensor counts. Scaling to physical
// units depends on the configured ranges and happens in the motion
// source.
type Sample struct {
	Source string `json:"source"`
	Ax     int16  `json:"ax"`
	Ay     int16  `json:"ay"`
	Az     int16  `json:"az"`
	Gx     int16  `json:"gx"`
	Gy     int16  `json:"gy"`
	Gz     int16  `json:"gz"`
	Mx     int16  `json:"mx"`
	My     int16  `json:"my"`
	Mz     int16  `json:"mz"`
}

// BitField describes one bit field of a register, for the debug UI.
type BitField struct {
	Bits        string `json:"bits"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Values      string `json:"values,omitempty"`
}

// RegisterInfo describes one register of the MPU9250 or AK8963.
type RegisterInfo struct {
	Address     string     `json:"address"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Access      string     `json:"access"` // "R", "W", "RW"
	Default     string     `json:"default,omitempty"`
	BitFields   []BitField `json:"bit_fields,omitempty"`
}
