package protocol

import (
	"bytes"
	"fmt"
)

// Annex-B helpers. Video payloads on the wire are H.264 byte streams where
// each NAL unit is prefixed with a 00 00 00 01 (or 00 00 01) start code.

type NALType byte

const (
	NALTypeNonIDR NALType = 1
	NALTypeIDR    NALType = 5
	NALTypeSEI    NALType = 6
	NALTypeSPS    NALType = 7
	NALTypePPS    NALType = 8
	NALTypeAUD    NALType = 9
)

func (t NALType) String() string {
	switch t {
	case NALTypeNonIDR:
		return "non-IDR"
	case NALTypeIDR:
		return "IDR"
	case NALTypeSEI:
		return "SEI"
	case NALTypeSPS:
		return "SPS"
	case NALTypePPS:
		return "PPS"
	case NALTypeAUD:
		return "AUD"
	}
	return fmt.Sprintf("type-%d", byte(t))
}

var (
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	startCode3 = []byte{0x00, 0x00, 0x01}
)

// UnitType reads the NAL type from the first byte after the start code. The
// type lives in the low 5 bits of the NAL header.
func UnitType(unit []byte) (NALType, bool) {
	if len(unit) == 0 {
		return 0, false
	}
	return NALType(unit[0] & 0x1F), true
}

// SplitNALUnits scans an Annex-B byte stream and returns the NAL units with
// their start codes stripped. Units are subslices of data, not copies.
func SplitNALUnits(data []byte) [][]byte {
	var units [][]byte
	i := 0
	start := -1
	for i < len(data) {
		var scLen int
		if bytes.HasPrefix(data[i:], startCode4) {
			scLen = 4
		} else if bytes.HasPrefix(data[i:], startCode3) {
			scLen = 3
		} else {
			i++
			continue
		}
		if start >= 0 {
			units = append(units, data[start:i])
		}
		i += scLen
		start = i
	}
	if start >= 0 && start <= len(data) {
		units = append(units, data[start:])
	}
	return units
}

// ContainsKeyframe reports whether the payload holds an IDR slice or a
// parameter set. A keyframe payload with SPS/PPS prepended must still count
// as a keyframe, so parameter sets are treated the same as IDR here.
func ContainsKeyframe(data []byte) bool {
	for _, unit := range SplitNALUnits(data) {
		t, ok := UnitType(unit)
		if !ok {
			continue
		}
		if t == NALTypeIDR || t == NALTypeSPS || t == NALTypePPS {
			return true
		}
	}
	return false
}
