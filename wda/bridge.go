package wda

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"iosmirror/logger"
	"iosmirror/registry"
)

// Automation session states. The session is created lazily by the connect
// loop and recreated whenever the remote reports it invalid.
const (
	StateUninitialized = "uninitialized"
	StateConnecting    = "connecting"
	StateReady         = "ready"
	StateDegraded      = "degraded"
)

const (
	eventConnectOK      = "connect_ok"
	eventSessionInvalid = "session_invalid"
	eventUnreachable    = "unreachable"
)

// ErrNotReady answers commands that arrive while no usable automation
// session exists. They are not queued; the viewer retries.
var ErrNotReady = errors.New("automation session not ready")

var defaultBackoff = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second,
	8 * time.Second, 16 * time.Second, 30 * time.Second,
}

type request struct {
	cmd  Command
	resp chan Result
}

// Bridge serializes gesture commands against the single WDA session and
// tracks that session's health. Commands are processed strictly in arrival
// order by one worker; overlapping touch actions on one device are almost
// always a logical error.
type Bridge struct {
	log    *logger.Logger
	client *Client
	reg    *registry.Registry

	machine *fsm.FSM
	cmds    chan request
	poke    chan struct{}

	// commandTimeout bounds one queued command end to end. It is longer
	// than the client's per-request timeout, so a hung HTTP call fails the
	// command instead of wedging the queue.
	commandTimeout time.Duration
	backoff        []time.Duration
}

func NewBridge(client *Client, reg *registry.Registry, log *logger.Logger) *Bridge {
	b := &Bridge{
		log:            log,
		client:         client,
		reg:            reg,
		cmds:           make(chan request, 16),
		poke:           make(chan struct{}, 1),
		commandTimeout: 15 * time.Second,
		backoff:        defaultBackoff,
	}
	b.machine = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: eventConnectOK, Src: []string{StateUninitialized, StateConnecting, StateDegraded}, Dst: StateReady},
			{Name: eventSessionInvalid, Src: []string{StateReady}, Dst: StateConnecting},
			{Name: eventUnreachable, Src: []string{StateUninitialized, StateConnecting, StateReady, StateDegraded}, Dst: StateDegraded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Infof("automation session: %s -> %s", e.Src, e.Dst)
				reg.SetAutomation(e.Dst == StateReady, client.SessionID())
			},
		},
	)
	return b
}

func (b *Bridge) State() string {
	return b.machine.Current()
}

func (b *Bridge) Ready() bool {
	return b.State() == StateReady
}

// Start launches the command worker and the connect loop. The connect loop
// performs the initial status probe immediately.
func (b *Bridge) Start(ctx context.Context) {
	go b.commandLoop(ctx)
	go b.connectLoop(ctx)
	b.requestConnect()
}

// Handle submits one command and blocks for its single outcome event.
// Commands arriving while the session is not ready are answered immediately
// with a not-ready result instead of queueing indefinitely.
func (b *Bridge) Handle(cmd Command) Result {
	if !b.Ready() {
		return fail(cmd.Type, ErrNotReady)
	}
	req := request{cmd: cmd, resp: make(chan Result, 1)}
	select {
	case b.cmds <- req:
	case <-time.After(b.commandTimeout):
		return failf(cmd.Type, "command queue saturated")
	}
	select {
	case res := <-req.resp:
		return res
	case <-time.After(b.commandTimeout):
		return failf(cmd.Type, "command timed out")
	}
}

func (b *Bridge) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			b.client.DeleteSession(shutdownCtx)
			cancel()
			return
		case req := <-b.cmds:
			req.resp <- b.execute(ctx, req.cmd)
		}
	}
}

// execute runs one command against WDA. A session-invalid or unreachable
// answer fails this command and drives the state machine; the command is
// never silently retried against a recreated session.
func (b *Bridge) execute(ctx context.Context, cmd Command) Result {
	if !b.Ready() {
		return fail(cmd.Type, ErrNotReady)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()

	err := b.dispatch(callCtx, cmd)
	if err == nil {
		return ok(cmd.Type)
	}

	switch {
	case errors.Is(err, ErrSessionInvalid):
		b.machine.Event(ctx, eventSessionInvalid)
		b.requestConnect()
	case errors.Is(err, ErrUnreachable):
		b.machine.Event(ctx, eventUnreachable)
		b.requestConnect()
	}
	return fail(cmd.Type, err)
}

func (b *Bridge) dispatch(ctx context.Context, cmd Command) error {
	if cmd.needsCoordinates() {
		return b.dispatchCoordinate(ctx, cmd)
	}
	switch cmd.Type {
	case CmdHome:
		return b.client.PressButton(ctx, "home")
	case CmdVolumeUp:
		return b.client.PressButton(ctx, "volumeUp")
	case CmdVolumeDown:
		return b.client.PressButton(ctx, "volumeDown")
	case CmdLock:
		// WDA's pressButton only supports home/volumeUp/volumeDown.
		return errors.New("lock button not supported by automation service")
	case CmdUnlock:
		return b.client.Unlock(ctx)
	case CmdTypeText:
		if cmd.Text == "" {
			return errors.New("no text provided")
		}
		return b.client.TypeText(ctx, cmd.Text)
	case CmdLaunchApp:
		if cmd.BundleID == "" {
			return errors.New("no bundleId provided")
		}
		return b.client.LaunchApp(ctx, cmd.BundleID)
	}
	return errors.New("unknown command type: " + string(cmd.Type))
}

func (b *Bridge) dispatchCoordinate(ctx context.Context, cmd Command) error {
	screenW, screenH := b.screenSize()
	x, y, err := MapCoordinate(cmd.X, cmd.Y, cmd.VideoWidth, cmd.VideoHeight, screenW, screenH)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case CmdTap:
		return b.client.Tap(ctx, x, y)
	case CmdDoubleTap:
		return b.client.DoubleTap(ctx, x, y)
	case CmdLongPress:
		return b.client.LongPress(ctx, x, y, cmd.DurationMs)
	case CmdSwipe:
		endX, endY, err := MapCoordinate(cmd.EndX, cmd.EndY, cmd.VideoWidth, cmd.VideoHeight, screenW, screenH)
		if err != nil {
			return err
		}
		return b.client.Swipe(ctx, x, y, endX, endY, cmd.DurationMs)
	case CmdScroll:
		dx, err := MapDelta(cmd.DeltaX, cmd.VideoWidth, cmd.VideoHeight, screenW, screenH)
		if err != nil {
			return err
		}
		dy, err := MapDelta(cmd.DeltaY, cmd.VideoWidth, cmd.VideoHeight, screenW, screenH)
		if err != nil {
			return err
		}
		return b.client.Scroll(ctx, x, y, dx, dy)
	}
	return errors.New("unknown coordinate command: " + string(cmd.Type))
}

// screenSize prefers the capture source's DeviceInfo; the WDA-reported
// window size is the fallback when the source has not announced itself yet.
func (b *Bridge) screenSize() (int, int) {
	if info, ok := b.reg.DeviceInfo(); ok && info.ScreenWidth > 0 && info.ScreenHeight > 0 {
		return info.ScreenWidth, info.ScreenHeight
	}
	return b.client.ScreenSize()
}

func (b *Bridge) requestConnect() {
	select {
	case b.poke <- struct{}{}:
	default:
	}
}

// connectLoop (re)establishes the WDA session whenever poked, retrying on a
// growing backoff schedule while the service stays unreachable.
func (b *Bridge) connectLoop(ctx context.Context) {
	attempt := 0
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.poke:
		}

		for {
			if b.Ready() {
				attempt = 0
				break
			}
			if err := b.connectOnce(ctx); err == nil {
				b.machine.Event(ctx, eventConnectOK)
				attempt = 0
				break
			} else if ctx.Err() != nil {
				return
			} else {
				b.machine.Event(ctx, eventUnreachable)
				delay := b.backoff[min(attempt, len(b.backoff)-1)]
				attempt++
				b.log.Warnf("automation connect failed (attempt %d, retrying in %s): %v", attempt, delay, err)
				if timer == nil {
					timer = time.NewTimer(delay)
				} else {
					timer.Reset(delay)
				}
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
	}
}

func (b *Bridge) connectOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := b.client.Probe(probeCtx); err != nil {
		return err
	}
	if _, err := b.client.CreateSession(probeCtx); err != nil {
		return err
	}
	b.refreshBattery(probeCtx)
	b.log.Infof("automation session created: %s", b.client.SessionID())
	return nil
}

// refreshBattery folds WDA's battery reading into the cached device info, so
// the next status broadcast carries it. Best effort; the capture source's own
// device info reports stay authoritative.
func (b *Bridge) refreshBattery(ctx context.Context) {
	info, ok := b.reg.DeviceInfo()
	if !ok {
		return
	}
	batt, err := b.client.BatteryInfo(ctx)
	if err != nil || batt == nil {
		return
	}
	if lvl, ok := batt["level"].(float64); ok && lvl >= 0 {
		info.BatteryLevel = lvl
	}
	if st, ok := batt["state"].(float64); ok {
		info.BatteryState = batteryStateName(int(st))
	}
	b.reg.SetDeviceInfo(info)
}

func batteryStateName(s int) string {
	switch s {
	case 1:
		return "unplugged"
	case 2:
		return "charging"
	case 3:
		return "full"
	}
	return "unknown"
}
