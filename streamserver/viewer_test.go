package streamserver

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iosmirror/framebuf"
	"iosmirror/logger"
	"iosmirror/registry"
)

func TestSampleDuration(t *testing.T) {
	assert.Equal(t, defaultFrameDuration, sampleDuration(0, 1000))
	assert.Equal(t, 33*time.Millisecond, sampleDuration(1000, 34000))
	// Non-monotonic timestamps fall back to the default.
	assert.Equal(t, defaultFrameDuration, sampleDuration(5000, 4000))
	// A pause longer than a second also resets.
	assert.Equal(t, defaultFrameDuration, sampleDuration(1000, 3_000_000))
}

func lastSequenceSent(reg *registry.Registry, id string) uint64 {
	for _, v := range reg.Viewers() {
		if v.ID == id {
			return v.LastSequenceSent
		}
	}
	return 0
}

// An unbound TrackLocalStaticSample accepts writes without a peer, which lets
// the delivery loop run against a plain buffer.
func TestDeliverWaitsForKeyframe(t *testing.T) {
	buf := framebuf.New(10)
	reg := registry.New()
	reg.AddViewer("v1")

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video-v1", "mirror-v1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := &Viewer{
		ID:     "v1",
		track:  track,
		sub:    buf.Subscribe(),
		log:    logger.Nop(),
		reg:    reg,
		cancel: cancel,
	}
	go v.deliver(ctx)
	defer v.sub.Close()

	// Delta frames before the first keyframe are skipped entirely.
	buf.Push([]byte{0, 0, 0, 1, 0x41}, nil, false, 1000)
	buf.Push([]byte{0, 0, 0, 1, 0x41}, nil, false, 2000)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), lastSequenceSent(reg, "v1"))

	buf.Push([]byte{0, 0, 0, 1, 0x65}, []byte{0, 0, 0, 1, 0x67}, true, 3000)
	require.Eventually(t, func() bool {
		return lastSequenceSent(reg, "v1") == 3
	}, time.Second, 5*time.Millisecond)

	// Once keyed, delta frames flow through.
	buf.Push([]byte{0, 0, 0, 1, 0x41}, nil, false, 4000)
	require.Eventually(t, func() bool {
		return lastSequenceSent(reg, "v1") == 4
	}, time.Second, 5*time.Millisecond)
}
