// Package registry holds the process-wide session state: the single ingest
// connection (0 or 1), the single automation-service session (0 or 1) and
// the live viewer set. All cross-component state changes go through here so
// status broadcasts can detect them precisely. Nothing else mutates this
// state directly.
package registry

import (
	"sync"
	"time"
)

// DeviceInfo is the cached snapshot reported by the capture source.
// Last-write-wins, no history.
type DeviceInfo struct {
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	SystemName    string  `json:"systemName"`
	SystemVersion string  `json:"systemVersion"`
	ScreenWidth   int     `json:"screenWidth"`
	ScreenHeight  int     `json:"screenHeight"`
	BatteryLevel  float64 `json:"batteryLevel"`
	BatteryState  string  `json:"batteryState"`
	DeviceType    string  `json:"deviceType"`
}

type ViewerState int

const (
	ViewerNegotiating ViewerState = iota
	ViewerConnected
	ViewerDisconnected
)

func (s ViewerState) String() string {
	switch s {
	case ViewerNegotiating:
		return "negotiating"
	case ViewerConnected:
		return "connected"
	case ViewerDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type Viewer struct {
	ID               string      `json:"id"`
	State            ViewerState `json:"-"`
	LastSequenceSent uint64      `json:"lastSequenceSent"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// Snapshot is what status listeners receive on every change.
type Snapshot struct {
	IngestActive        bool
	AutomationConnected bool
	DeviceInfo          *DeviceInfo
	ViewerCount         int
}

type Registry struct {
	mu sync.RWMutex

	ingestActive bool
	ingestRemote string

	automationConnected bool
	automationSessionID string

	deviceInfo *DeviceInfo

	viewers      map[string]*Viewer
	totalViewers uint64

	listeners []func(Snapshot)
}

func New() *Registry {
	return &Registry{viewers: make(map[string]*Viewer)}
}

// OnChange registers a listener invoked after every ingest/automation/device
// info transition. Listeners run outside the registry lock.
func (r *Registry) OnChange(fn func(Snapshot)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notifyLocked() (fns []func(Snapshot), snap Snapshot) {
	fns = make([]func(Snapshot), len(r.listeners))
	copy(fns, r.listeners)
	return fns, r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	var info *DeviceInfo
	if r.deviceInfo != nil {
		c := *r.deviceInfo
		info = &c
	}
	return Snapshot{
		IngestActive:        r.ingestActive,
		AutomationConnected: r.automationConnected,
		DeviceInfo:          info,
		ViewerCount:         len(r.viewers),
	}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// SetIngest replaces (not merges) the ingest slot.
func (r *Registry) SetIngest(active bool, remote string) {
	r.mu.Lock()
	changed := r.ingestActive != active || r.ingestRemote != remote
	r.ingestActive = active
	r.ingestRemote = remote
	fns, snap := r.notifyLocked()
	r.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(snap)
		}
	}
}

func (r *Registry) IngestActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ingestActive
}

// SetAutomation replaces the automation session slot.
func (r *Registry) SetAutomation(connected bool, sessionID string) {
	r.mu.Lock()
	changed := r.automationConnected != connected || r.automationSessionID != sessionID
	r.automationConnected = connected
	r.automationSessionID = sessionID
	fns, snap := r.notifyLocked()
	r.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(snap)
		}
	}
}

func (r *Registry) AutomationConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.automationConnected
}

func (r *Registry) SetDeviceInfo(info DeviceInfo) {
	r.mu.Lock()
	r.deviceInfo = &info
	fns, snap := r.notifyLocked()
	r.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// DeviceInfo returns the cached snapshot, false when nothing was reported yet.
func (r *Registry) DeviceInfo() (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.deviceInfo == nil {
		return DeviceInfo{}, false
	}
	return *r.deviceInfo, true
}

func (r *Registry) AddViewer(id string) {
	r.mu.Lock()
	r.viewers[id] = &Viewer{
		ID:        id,
		State:     ViewerNegotiating,
		CreatedAt: time.Now(),
	}
	r.totalViewers++
	r.mu.Unlock()
}

func (r *Registry) SetViewerState(id string, state ViewerState) {
	r.mu.Lock()
	if v, ok := r.viewers[id]; ok {
		v.State = state
	}
	r.mu.Unlock()
}

func (r *Registry) SetViewerLastSequence(id string, seq uint64) {
	r.mu.Lock()
	if v, ok := r.viewers[id]; ok {
		v.LastSequenceSent = seq
	}
	r.mu.Unlock()
}

// RemoveViewer is idempotent; removing an unknown viewer is a no-op.
func (r *Registry) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.viewers, id)
	r.mu.Unlock()
}

func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

func (r *Registry) TotalViewers() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalViewers
}

func (r *Registry) Viewers() []Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, *v)
	}
	return out
}
