package wda

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iosmirror/logger"
	"iosmirror/registry"
)

func newTestBridge(t *testing.T) (*Bridge, *fakeWDA, *registry.Registry) {
	t.Helper()
	fake := &fakeWDA{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c := &Client{baseURL: srv.URL, http: srv.Client(), log: logger.Nop()}
	reg := registry.New()
	reg.SetDeviceInfo(registry.DeviceInfo{ScreenWidth: 1080, ScreenHeight: 2160})

	b := NewBridge(c, reg, logger.Nop())
	b.backoff = []time.Duration{time.Millisecond}
	return b, fake, reg
}

func waitReady(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, b.Ready, 2*time.Second, 5*time.Millisecond)
}

func tapCmd(x, y float64) Command {
	return Command{Type: CmdTap, X: x, Y: y, VideoWidth: 400, VideoHeight: 800}
}

func TestBridgeRejectsBeforeConnect(t *testing.T) {
	b, _, _ := newTestBridge(t)
	// Never started; no session exists.
	res := b.Handle(tapCmd(10, 10))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNotReady)
}

func TestBridgeConnectsAndMapsTap(t *testing.T) {
	b, fake, reg := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	waitReady(t, b)
	assert.True(t, reg.AutomationConnected())

	// The connect path also refreshed the battery reading.
	info, ok := reg.DeviceInfo()
	require.True(t, ok)
	assert.Equal(t, 0.8, info.BatteryLevel)
	assert.Equal(t, "charging", info.BatteryState)

	res := b.Handle(tapCmd(100, 200))
	require.True(t, res.Success, "tap failed: %v", res.Err)

	recorded := fake.recordedActions()
	require.Len(t, recorded, 1)
	x, y := firstPointerMove(t, recorded[0])
	assert.Equal(t, float64(270), x)
	assert.Equal(t, float64(540), y)
}

func TestBridgeSessionInvalidFailsCommandWithoutRetry(t *testing.T) {
	b, fake, _ := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	waitReady(t, b)
	require.Equal(t, 1, fake.sessionCount())

	fake.invalidateNextAction()
	res := b.Handle(tapCmd(100, 200))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrSessionInvalid)

	// A fresh session replaces the dead one.
	waitReady(t, b)
	assert.Equal(t, 2, fake.sessionCount())

	// The failed command was not replayed against the new session: the only
	// recorded action is the one we submit now.
	res = b.Handle(tapCmd(100, 200))
	require.True(t, res.Success, "tap failed: %v", res.Err)
	assert.Len(t, fake.recordedActions(), 1)
}

func TestBridgeUnreachableDegrades(t *testing.T) {
	fake := &fakeWDA{}
	srv := httptest.NewServer(fake)
	c := &Client{baseURL: srv.URL, http: srv.Client(), log: logger.Nop()}
	reg := registry.New()
	reg.SetDeviceInfo(registry.DeviceInfo{ScreenWidth: 1080, ScreenHeight: 2160})
	b := NewBridge(c, reg, logger.Nop())
	b.backoff = []time.Duration{10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	waitReady(t, b)

	srv.Close()
	res := b.Handle(tapCmd(100, 200))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnreachable)

	require.Eventually(t, func() bool {
		return b.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, reg.AutomationConnected())
}

func TestBridgeLockUnsupported(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	waitReady(t, b)

	res := b.Handle(Command{Type: CmdLock})
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "not supported")
}
