package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framed message layout (capture source -> server):
//
//	byte 0     message kind
//	bytes 1-8  timestamp in microseconds, big-endian uint64
//	bytes 9+   payload, interpretation depends on kind
//
// Control kinds (Heartbeat, EndStream) carry a zero timestamp and an empty
// payload by convention.

const HeaderLen = 9

type Kind byte

const (
	KindVideoFrame Kind = 0x01
	KindConfig     Kind = 0x02
	KindHeartbeat  Kind = 0x03
	KindStats      Kind = 0x04
	KindDeviceInfo Kind = 0x05
	KindEndStream  Kind = 0xFF
)

func (k Kind) Valid() bool {
	switch k {
	case KindVideoFrame, KindConfig, KindHeartbeat, KindStats, KindDeviceInfo, KindEndStream:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindVideoFrame:
		return "video_frame"
	case KindConfig:
		return "config"
	case KindHeartbeat:
		return "heartbeat"
	case KindStats:
		return "stats"
	case KindDeviceInfo:
		return "device_info"
	case KindEndStream:
		return "end_stream"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(k))
}

var (
	ErrTruncated   = errors.New("framed message truncated")
	ErrUnknownKind = errors.New("unknown message kind")
)

// FramedMessage is one parsed ingest message. Immutable once decoded.
type FramedMessage struct {
	Kind            Kind
	TimestampMicros uint64
	Payload         []byte
}

// Decode parses a single framed message. It is pure and stateless; a decode
// failure never affects decoding of subsequent messages.
func Decode(data []byte) (FramedMessage, error) {
	if len(data) < HeaderLen {
		return FramedMessage{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	kind := Kind(data[0])
	if !kind.Valid() {
		return FramedMessage{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, data[0])
	}
	return FramedMessage{
		Kind:            kind,
		TimestampMicros: binary.BigEndian.Uint64(data[1:HeaderLen]),
		Payload:         data[HeaderLen:],
	}, nil
}

// Encode serializes a framed message. Decode(Encode(m)) round-trips
// byte-identically for all well-formed messages.
func Encode(msg FramedMessage) []byte {
	out := make([]byte, HeaderLen+len(msg.Payload))
	out[0] = byte(msg.Kind)
	binary.BigEndian.PutUint64(out[1:HeaderLen], msg.TimestampMicros)
	copy(out[HeaderLen:], msg.Payload)
	return out
}

// HeartbeatReply is the canned response sent back to the capture source for
// each heartbeat it delivers.
func HeartbeatReply() []byte {
	return Encode(FramedMessage{Kind: KindHeartbeat})
}
