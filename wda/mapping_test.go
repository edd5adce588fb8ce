package wda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCoordinateExactAspect(t *testing.T) {
	// Box 400x800 matches the 1080x2160 screen aspect exactly: no letterbox.
	x, y, err := MapCoordinate(100, 200, 400, 800, 1080, 2160)
	require.NoError(t, err)
	assert.Equal(t, 270, x)
	assert.Equal(t, 540, y)
}

func TestMapCoordinateLetterboxed(t *testing.T) {
	// Box is 400x900 for a 1080x2160 screen: the picture occupies 400x800
	// centered, with 50px bars top and bottom.
	x, y, err := MapCoordinate(200, 50, 400, 900, 1080, 2160)
	require.NoError(t, err)
	assert.Equal(t, 540, x)
	assert.Equal(t, 0, y)

	_, y, err = MapCoordinate(200, 850, 400, 900, 1080, 2160)
	require.NoError(t, err)
	assert.Equal(t, 2160, y)

	// A point inside the top bar clamps to the picture edge.
	_, y, err = MapCoordinate(200, 10, 400, 900, 1080, 2160)
	require.NoError(t, err)
	assert.Equal(t, 0, y)
}

func TestMapCoordinateIdempotent(t *testing.T) {
	x1, y1, err := MapCoordinate(123, 456, 390, 844, 1170, 2532)
	require.NoError(t, err)
	x2, y2, err := MapCoordinate(123, 456, 390, 844, 1170, 2532)
	require.NoError(t, err)
	assert.Equal(t, x1, x2)
	assert.Equal(t, y1, y2)
}

func TestMapCoordinateUnavailable(t *testing.T) {
	_, _, err := MapCoordinate(10, 10, 400, 800, 0, 0)
	assert.ErrorIs(t, err, ErrMappingUnavailable)
}

func TestMapCoordinateBadBox(t *testing.T) {
	_, _, err := MapCoordinate(10, 10, 0, 0, 1080, 2160)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMappingUnavailable)
}

func TestMapDelta(t *testing.T) {
	d, err := MapDelta(100, 400, 800, 1080, 2160)
	require.NoError(t, err)
	assert.Equal(t, 270, d)

	_, err = MapDelta(100, 400, 800, 0, 0)
	assert.ErrorIs(t, err, ErrMappingUnavailable)
}
