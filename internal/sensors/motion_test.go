package sensors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockMotionSourceSweep(t *testing.T) {
	src := NewMockMotionSource()

	var prev float64 = -1
	for i := 0; i < 5; i++ {
		r, err := src.Next()
		require.NoError(t, err)

		// Yaw advances monotonically around the vertical axis.
		_, angle := r.Attitude.AxisAngle()
		assert.Greater(t, angle, prev)
		prev = angle

		assert.Equal(t, [3]float64{0, 0.2, 0}, r.Gyro)

		// Accelerometer holds one g against gravity in the body frame.
		n := math.Sqrt(r.Accel[0]*r.Accel[0] + r.Accel[1]*r.Accel[1] + r.Accel[2]*r.Accel[2])
		assert.InDelta(t, gravity, n, 1e-9)
	}
}

func TestMockMotionSourceGravityConsistency(t *testing.T) {
	src := NewMockMotionSource()
	r, err := src.Next()
	require.NoError(t, err)

	// Rotating the body-frame accel back to the world frame must give
	// gravity straight up.
	world := r.Attitude.Rotate(r.Accel)
	assert.InDelta(t, 0, world[0], 1e-9)
	assert.InDelta(t, gravity, world[1], 1e-9)
	assert.InDelta(t, 0, world[2], 1e-9)
}
