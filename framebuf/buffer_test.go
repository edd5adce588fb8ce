package framebuf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushN(b *Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Push([]byte{byte(i)}, nil, false, uint64(i)*33333)
	}
}

func sequences(frames []Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Sequence
	}
	return out
}

func TestDropOldestRetainsNewest(t *testing.T) {
	b := New(10)
	pushN(b, 15)

	frames := b.Frames()
	require.Len(t, frames, 10)
	assert.Equal(t, []uint64{6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, sequences(frames))

	st := b.Stats()
	assert.Equal(t, uint64(15), st.Received)
	assert.Equal(t, uint64(5), st.Dropped)
	assert.Equal(t, 10, st.QueueSize)
}

func TestSubscriberNeverSeesHistory(t *testing.T) {
	b := New(10)
	pushN(b, 3)

	sub := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	frames, ok := sub.Drain(ctx)
	assert.False(t, ok, "no frames pushed after subscribe, drain must block until ctx expires")
	assert.Empty(t, frames)

	b.Push([]byte{0xAA}, nil, true, 99)
	frames, ok = sub.Drain(context.Background())
	require.True(t, ok)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(4), frames[0].Sequence)
}

func TestSlowSubscriberLosesFramesNotOrder(t *testing.T) {
	b := New(10)
	sub := b.Subscribe()
	defer sub.Close()

	// Producer outruns the consumer; the oldest five are gone by drain time.
	pushN(b, 15)

	frames, ok := sub.Drain(context.Background())
	require.True(t, ok)
	assert.Equal(t, []uint64{6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, sequences(frames))
}

func TestDrainOrderAcrossBatches(t *testing.T) {
	b := New(10)
	sub := b.Subscribe()
	defer sub.Close()

	pushN(b, 4)
	first, ok := sub.Drain(context.Background())
	require.True(t, ok)

	b.Push([]byte{5}, nil, false, 5)
	b.Push([]byte{6}, nil, false, 6)
	second, ok := sub.Drain(context.Background())
	require.True(t, ok)

	all := append(sequences(first), sequences(second)...)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, all)
}

func TestSubscriberIsolation(t *testing.T) {
	b := New(10)
	a := b.Subscribe()
	other := b.Subscribe()

	pushN(b, 5)

	gotA, ok := a.Drain(context.Background())
	require.True(t, ok)
	require.Len(t, gotA, 5)

	// Tearing down A must not change what B observes.
	a.Close()
	b.Push([]byte{0xFF}, nil, false, 999)

	gotB, ok := other.Drain(context.Background())
	require.True(t, ok)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, sequences(gotB))
	other.Close()
}

func TestClearKeepsSequencesMonotonic(t *testing.T) {
	b := New(10)
	sub := b.Subscribe()
	defer sub.Close()

	pushN(b, 3)
	b.Clear()
	assert.Empty(t, b.Frames())

	b.Push([]byte{1}, nil, true, 1)
	frames, ok := sub.Drain(context.Background())
	require.True(t, ok)
	require.Len(t, frames, 1)
	// Frames pushed before Clear are never replayed; sequence keeps growing.
	assert.Equal(t, uint64(4), frames[0].Sequence)
}

func TestProducerNeverBlocksWithoutConsumers(t *testing.T) {
	b := New(2)
	done := make(chan struct{})
	go func() {
		pushN(b, 10000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked")
	}
	assert.Len(t, b.Frames(), 2)
}

func TestKeyframeConfigAttached(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Close()

	cfg := []byte{0, 0, 0, 1, 0x67}
	b.Push([]byte{0, 0, 0, 1, 0x65}, cfg, true, 100)

	frames, ok := sub.Drain(context.Background())
	require.True(t, ok)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsKeyframe)
	assert.Equal(t, cfg, frames[0].Config)

	assert.Equal(t, uint64(1), b.Stats().Keyframes)
}
