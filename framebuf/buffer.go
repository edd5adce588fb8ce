// Package framebuf decouples the single ingest connection from the viewers
// reading it. The buffer is a fixed-capacity ring with a drop-oldest policy:
// the producer never blocks, a slow subscriber loses frames but never stalls
// anyone else, and every subscriber observes frames in arrival order.
package framebuf

import (
	"context"
	"sync"
	"sync/atomic"
)

// Frame is one buffered video frame. Never mutated after insertion.
type Frame struct {
	// Data is a single Annex-B NAL unit (start code + payload).
	Data []byte
	// Config carries the cached SPS/PPS for keyframes, nil otherwise. A
	// viewer pipeline must see it before (or with) the keyframe it decodes.
	Config          []byte
	IsKeyframe      bool
	TimestampMicros uint64
	// Sequence is assigned on push, strictly increasing, never reused even
	// across Clear.
	Sequence uint64
}

type Stats struct {
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Sent      uint64 `json:"sent"`
	Keyframes uint64 `json:"keyframes"`
	QueueSize int    `json:"queue_size"`
	MaxSize   int    `json:"max_size"`
}

type Buffer struct {
	mu       sync.RWMutex
	frames   []Frame
	capacity int
	// nextSeq is the sequence the next pushed frame will get. Sequences
	// start at 1 so that a zero cursor always means "from the beginning".
	nextSeq uint64

	subs      map[uint64]*Subscription
	nextSubID uint64

	received  atomic.Uint64
	dropped   atomic.Uint64
	sent      atomic.Uint64
	keyframes atomic.Uint64
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		frames:   make([]Frame, 0, capacity),
		capacity: capacity,
		nextSeq:  1,
		subs:     make(map[uint64]*Subscription),
	}
}

// Push appends a frame, evicting the oldest entry when the buffer is full.
func (b *Buffer) Push(data, config []byte, keyframe bool, tsMicros uint64) uint64 {
	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	if len(b.frames) == b.capacity {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:b.capacity-1]
		b.dropped.Add(1)
	}
	b.frames = append(b.frames, Frame{
		Data:            data,
		Config:          config,
		IsKeyframe:      keyframe,
		TimestampMicros: tsMicros,
		Sequence:        seq,
	})
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.received.Add(1)
	if keyframe {
		b.keyframes.Add(1)
	}

	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return seq
}

// Clear drops all buffered frames, e.g. when the ingest connection goes
// away, so newly joining viewers never see stale history. Subscriptions
// survive and resume with the next push.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.frames = b.frames[:0]
	b.mu.Unlock()
}

// Subscribe creates a cursor positioned at "now": only frames pushed after
// this call are delivered, never buffered history.
func (b *Buffer) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	s := &Subscription{
		buf:    b,
		id:     b.nextSubID,
		cursor: b.nextSeq,
		notify: make(chan struct{}, 1),
	}
	b.subs[s.id] = s
	return s
}

func (b *Buffer) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Frames returns a copy of the currently buffered frames in arrival order.
func (b *Buffer) Frames() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	size := len(b.frames)
	b.mu.RUnlock()
	return Stats{
		Received:  b.received.Load(),
		Dropped:   b.dropped.Load(),
		Sent:      b.sent.Load(),
		Keyframes: b.keyframes.Load(),
		QueueSize: size,
		MaxSize:   b.capacity,
	}
}

// Subscription is one consumer's cursor into the buffer. Drain must only be
// called from a single goroutine; different subscriptions are independent.
type Subscription struct {
	buf    *Buffer
	id     uint64
	cursor uint64
	notify chan struct{}
}

// Drain blocks until at least one frame past the cursor is available, then
// returns everything pending, in arrival order. Frames evicted before the
// consumer got to them are silently skipped: the cursor jumps forward and
// the caller sees the gap as non-contiguous sequence numbers. Returns false
// once ctx is done.
func (s *Subscription) Drain(ctx context.Context) ([]Frame, bool) {
	for {
		if frames := s.take(); len(frames) > 0 {
			return frames, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.notify:
		}
	}
}

func (s *Subscription) take() []Frame {
	b := s.buf
	b.mu.RLock()
	if len(b.frames) == 0 {
		b.mu.RUnlock()
		return nil
	}
	oldest := b.frames[0].Sequence
	if s.cursor < oldest {
		s.cursor = oldest
	}
	if s.cursor >= b.nextSeq {
		b.mu.RUnlock()
		return nil
	}
	offset := int(s.cursor - oldest)
	out := make([]Frame, len(b.frames)-offset)
	copy(out, b.frames[offset:])
	b.mu.RUnlock()

	s.cursor = out[len(out)-1].Sequence + 1
	b.sent.Add(uint64(len(out)))
	return out
}

// Close detaches the subscription from the buffer. Idempotent.
func (s *Subscription) Close() {
	s.buf.unsubscribe(s.id)
}
