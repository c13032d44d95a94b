package geotag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixValid(t *testing.T) {
	assert.True(t, Fix{Validity: "A"}.Valid())
	assert.False(t, Fix{Validity: "V"}.Valid())
	assert.False(t, Fix{}.Valid())
}

func TestFixPosition(t *testing.T) {
	f := Fix{
		Latitude:   52.5163,
		Longitude:  13.3777,
		Altitude:   34.5,
		SpeedKnots: 1.2,
		Validity:   "A",
	}
	assert.Equal(t, Position{Latitude: 52.5163, Longitude: 13.3777, Altitude: 34.5}, f.Position())
}
