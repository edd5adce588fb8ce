// Package wda bridges viewer gesture commands to a WebDriverAgent instance
// running on the device. Commands are serialized through a single worker so
// two touch actions never overlap on the one physical session.
package wda

import "fmt"

type CommandType string

const (
	CmdTap        CommandType = "tap"
	CmdDoubleTap  CommandType = "doubletap"
	CmdLongPress  CommandType = "longpress"
	CmdSwipe      CommandType = "swipe"
	CmdScroll     CommandType = "scroll"
	CmdHome       CommandType = "home"
	CmdLock       CommandType = "lock"
	CmdUnlock     CommandType = "unlock"
	CmdVolumeUp   CommandType = "volumeUp"
	CmdVolumeDown CommandType = "volumeDown"
	CmdTypeText   CommandType = "type"
	CmdLaunchApp  CommandType = "launchApp"
)

// Command is one gesture/button/text command from a viewer. Coordinates are
// in viewer space; VideoWidth/VideoHeight is the rendered box they refer to.
// Commands are transient: received, mapped, forwarded, discarded.
type Command struct {
	Type       CommandType
	X, Y       float64
	EndX, EndY float64
	DurationMs int
	DeltaX     float64
	DeltaY     float64
	Text       string
	BundleID   string

	VideoWidth  float64
	VideoHeight float64
}

func (c Command) needsCoordinates() bool {
	switch c.Type {
	case CmdTap, CmdDoubleTap, CmdLongPress, CmdSwipe, CmdScroll:
		return true
	}
	return false
}

// Result is the single outcome event reported back to the originating viewer.
type Result struct {
	Success bool
	Command CommandType
	Err     error
}

func ok(t CommandType) Result {
	return Result{Success: true, Command: t}
}

func fail(t CommandType, err error) Result {
	return Result{Success: false, Command: t, Err: err}
}

func failf(t CommandType, format string, args ...any) Result {
	return fail(t, fmt.Errorf(format, args...))
}
