package wda

import (
	"errors"
	"math"
)

// ErrMappingUnavailable is returned for coordinate-bearing commands when no
// device screen size is cached yet. Guessing would tap the wrong place.
var ErrMappingUnavailable = errors.New("coordinate mapping unavailable: no device info cached")

// MapCoordinate translates a viewer pixel coordinate inside a rendered box
// of videoW x videoH into device screen coordinates. The video is aspect-fit
// inside the box, so the actual picture occupies a centered sub-rectangle;
// letterbox margins are subtracted before scaling. Mapping is deterministic:
// identical inputs always yield identical outputs.
func MapCoordinate(x, y, videoW, videoH float64, screenW, screenH int) (int, int, error) {
	if screenW <= 0 || screenH <= 0 {
		return 0, 0, ErrMappingUnavailable
	}
	if videoW <= 0 || videoH <= 0 {
		return 0, 0, errors.New("invalid video dimensions")
	}

	scale := math.Min(videoW/float64(screenW), videoH/float64(screenH))
	contentW := float64(screenW) * scale
	contentH := float64(screenH) * scale
	offX := (videoW - contentW) / 2
	offY := (videoH - contentH) / 2

	devX := (clamp(x, offX, offX+contentW) - offX) / scale
	devY := (clamp(y, offY, offY+contentH) - offY) / scale

	return int(math.Round(clamp(devX, 0, float64(screenW)))),
		int(math.Round(clamp(devY, 0, float64(screenH)))),
		nil
}

// MapDelta scales a scroll delta from viewer space to device space using the
// same aspect-fit scale factor as MapCoordinate.
func MapDelta(delta, videoW, videoH float64, screenW, screenH int) (int, error) {
	if screenW <= 0 || screenH <= 0 {
		return 0, ErrMappingUnavailable
	}
	if videoW <= 0 || videoH <= 0 {
		return 0, errors.New("invalid video dimensions")
	}
	scale := math.Min(videoW/float64(screenW), videoH/float64(screenH))
	if scale == 0 {
		return 0, errors.New("invalid video dimensions")
	}
	return int(math.Round(delta / scale)), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
