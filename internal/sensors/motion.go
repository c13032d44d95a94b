// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"math"
	"time"

	"github.com/relabs-tech/ar_pipeline/internal/rotation"
)

// MotionReading is one device-motion sample in physical units: the
// integrated attitude estimate plus body-frame rates and acceleration.
type MotionReading struct {
	Attitude rotation.Quat
	Gyro     [3]float64 // rad/s, body frame
	Accel    [3]float64 // m/s², body frame
	Time     time.Time
}

// MotionSource delivers motion readings over time: the real IMU, or a
// mock for development off the device.
type MotionSource interface {
	Next() (MotionReading, error)
}

const gravity = 9.80665

// imuMotionSource scales raw samples and keeps a complementary-filter
// attitude: gyro integration, with the tilt slowly pulled toward the
// accelerometer's gravity estimate.
type imuMotionSource struct {
	mgr        *IMUManager
	accelScale float64
	gyroScale  float64
	attitude   rotation.Quat
	last       time.Time
	now        func() time.Time
}

// NewIMUMotionSource wraps an initialized IMU manager.
func NewIMUMotionSource(mgr *IMUManager) (MotionSource, error) {
	accel, gyro, err := mgr.Scales()
	if err != nil {
		return nil, err
	}
	return &imuMotionSource{
		mgr:        mgr,
		accelScale: accel,
		gyroScale:  gyro,
		attitude:   rotation.Identity(),
		now:        time.Now,
	}, nil
}

func (s *imuMotionSource) Next() (MotionReading, error) {
	raw, err := s.mgr.Read()
	if err != nil {
		return MotionReading{}, err
	}
	t := s.now()
	dt := 0.0
	if !s.last.IsZero() {
		dt = t.Sub(s.last).Seconds()
	}
	s.last = t

	r := MotionReading{
		Gyro: [3]float64{
			float64(raw.Gx) * s.gyroScale,
			float64(raw.Gy) * s.gyroScale,
			float64(raw.Gz) * s.gyroScale,
		},
		Accel: [3]float64{
			float64(raw.Ax) * s.accelScale,
			float64(raw.Ay) * s.accelScale,
			float64(raw.Az) * s.accelScale,
		},
		Time: t,
	}
	s.integrate(r, dt)
	r.Attitude = s.attitude
	return r, nil
}

// integrate advances the attitude by the body rates and applies a small
// tilt correction whenever the accelerometer magnitude is close enough
// to 1 g to be trusted as a gravity measurement.
func (s *imuMotionSource) integrate(r MotionReading, dt float64) {
	if dt <= 0 {
		return
	}
	step := rotation.FromRotationVector([3]float64{r.Gyro[0] * dt, r.Gyro[1] * dt, r.Gyro[2] * dt})
	s.attitude = s.attitude.Mul(step).Normalize()

	norm := math.Sqrt(r.Accel[0]*r.Accel[0] + r.Accel[1]*r.Accel[1] + r.Accel[2]*r.Accel[2])
	if norm < 0.8*gravity || norm > 1.2*gravity {
		return
	}
	measured := [3]float64{r.Accel[0] / norm, r.Accel[1] / norm, r.Accel[2] / norm}
	// At rest the accelerometer reads +g opposite gravity: world +Y
	// expressed in the body frame.
	predicted := s.attitude.Conj().Rotate([3]float64{0, 1, 0})

	corr := [3]float64{
		measured[1]*predicted[2] - measured[2]*predicted[1],
		measured[2]*predicted[0] - measured[0]*predicted[2],
		measured[0]*predicted[1] - measured[1]*predicted[0],
	}
	const kp = 0.5
	s.attitude = s.attitude.Mul(rotation.FromRotationVector([3]float64{
		corr[0] * kp * dt, corr[1] * kp * dt, corr[2] * kp * dt,
	})).Normalize()
}

// mockMotionSource sweeps a slow yaw turn with gravity held, so the
// whole pipeline runs on a laptop.
type mockMotionSource struct {
	step int
	rate float64 // rad/s yaw rate
	dt   float64
}

// NewMockMotionSource produces a 0.2 rad/s yaw sweep at a 10 ms sample
// spacing.
func NewMockMotionSource() MotionSource {
	return &mockMotionSource{rate: 0.2, dt: 0.01}
}

func (s *mockMotionSource) Next() (MotionReading, error) {
	yaw := s.rate * s.dt * float64(s.step)
	s.step++
	att := rotation.FromAxisAngle([3]float64{0, 1, 0}, yaw)
	return MotionReading{
		Attitude: att,
		Gyro:     [3]float64{0, s.rate, 0},
		Accel:    att.Conj().Rotate([3]float64{0, gravity, 0}),
		Time:     time.Now(),
	}, nil
}
