// Package calib holds the persisted camera calibration record and the
// Brown-Conrady distortion model derived from it.
package calib

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Parameters is the persisted calibration record. The JSON field names are
// a fixed on-disk contract shared with the capture tooling.
type Parameters struct {
	Fx float64 `json:"fx"` // focal length, x (pixels)
	Fy float64 `json:"fy"` // focal length, y (pixels)
	Cx float64 `json:"cx"` // principal point, x
	Cy float64 `json:"cy"` // principal point, y
	K1 float64 `json:"k1"` // radial distortion
	K2 float64 `json:"k2"`
	R1 float64 `json:"r1"` // tangential distortion
	R2 float64 `json:"r2"`
	F  float64 `json:"f"` // fixed focus distance
}

// Load reads a calibration record from a JSON file.
func Load(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("calib: read %s: %w", path, err)
	}
	var p Parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return Parameters{}, fmt.Errorf("calib: parse %s: %w", path, err)
	}
	if p.Fx == 0 || p.Fy == 0 {
		return Parameters{}, fmt.Errorf("calib: %s: zero focal length", path)
	}
	return p, nil
}

// Save writes the calibration record to a JSON file.
func (p Parameters) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("calib: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("calib: write %s: %w", path, err)
	}
	return nil
}

// Project maps normalized camera coordinates (x/z, y/z) to pixel
// coordinates, applying distortion.
func (p Parameters) Project(xn, yn float64) (u, v float64) {
	xd, yd := p.Distort(xn, yn)
	return p.Fx*xd + p.Cx, p.Fy*yd + p.Cy
}

// Unproject maps pixel coordinates to normalized, undistorted camera
// coordinates.
func (p Parameters) Unproject(u, v float64) (xn, yn float64) {
	return p.Undistort((u - p.Cx) / p.Fx, (v - p.Cy) / p.Fy)
}

// Distort applies the Brown-Conrady model (two radial, two tangential
// coefficients) to normalized coordinates.
func (p Parameters) Distort(x, y float64) (xd, yd float64) {
	r2 := x*x + y*y
	radial := 1 + p.K1*r2 + p.K2*r2*r2
	xd = x*radial + 2*p.R1*x*y + p.R2*(r2+2*x*x)
	yd = y*radial + p.R1*(r2+2*y*y) + 2*p.R2*x*y
	return xd, yd
}

// Undistort inverts Distort by fixed-point iteration. Eight rounds are
// enough for the mild distortion of phone cameras.
func (p Parameters) Undistort(xd, yd float64) (x, y float64) {
	x, y = xd, yd
	for i := 0; i < 8; i++ {
		r2 := x*x + y*y
		radial := 1 + p.K1*r2 + p.K2*r2*r2
		if math.Abs(radial) < 1e-12 {
			break
		}
		dx := 2*p.R1*x*y + p.R2*(r2+2*x*x)
		dy := p.R1*(r2+2*y*y) + 2*p.R2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}
