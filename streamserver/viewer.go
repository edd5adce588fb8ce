package streamserver

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"iosmirror/framebuf"
	"iosmirror/logger"
	"iosmirror/registry"
)

// defaultFrameDuration stands in when timestamps are unusable (first frame,
// or a gap caused by a paused source).
const defaultFrameDuration = 16 * time.Millisecond

// Viewer is one negotiated browser connection with its own media
// subscription and delivery goroutine.
type Viewer struct {
	ID string

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	sub   *framebuf.Subscription
	log   *logger.Logger
	reg   *registry.Registry

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (v *Viewer) close() {
	v.closeOnce.Do(func() {
		v.cancel()
		v.sub.Close()
		v.pc.Close()
	})
}

// deliver pumps the viewer's subscription into its track. A subscription
// starts at "now", so the loop first waits for a keyframe before producing
// visible output, and does so again after any drop gap — the decoder cannot
// resume mid-GOP.
func (v *Viewer) deliver(ctx context.Context) {
	awaitKeyframe := true
	var nextSeq uint64
	var lastTimestamp uint64

	for {
		frames, ok := v.sub.Drain(ctx)
		if !ok {
			return
		}
		for _, f := range frames {
			if nextSeq != 0 && f.Sequence != nextSeq {
				// Frames were evicted before we read them; resume at the
				// next keyframe so the viewer never decodes a broken GOP.
				awaitKeyframe = true
			}
			nextSeq = f.Sequence + 1

			if awaitKeyframe {
				if !f.IsKeyframe {
					continue
				}
				awaitKeyframe = false
				lastTimestamp = 0
			}

			// SPS/PPS must reach the decoder before or with the keyframe.
			if f.IsKeyframe && len(f.Config) > 0 {
				if err := v.track.WriteSample(media.Sample{
					Data:      f.Config,
					Duration:  0,
					Timestamp: time.UnixMicro(int64(f.TimestampMicros)),
				}); err != nil {
					return
				}
			}

			duration := sampleDuration(lastTimestamp, f.TimestampMicros)
			lastTimestamp = f.TimestampMicros

			if err := v.track.WriteSample(media.Sample{
				Data:      f.Data,
				Duration:  duration,
				Timestamp: time.UnixMicro(int64(f.TimestampMicros)),
			}); err != nil {
				return
			}
			v.reg.SetViewerLastSequence(v.ID, f.Sequence)
		}
	}
}

func sampleDuration(lastMicros, nowMicros uint64) time.Duration {
	if lastMicros == 0 || nowMicros <= lastMicros {
		return defaultFrameDuration
	}
	d := time.Duration(nowMicros-lastMicros) * time.Microsecond
	// An interval over a second means the source paused; reset to standard.
	if d > time.Second {
		return defaultFrameDuration
	}
	return d
}
