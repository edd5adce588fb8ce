package streamserver

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"iosmirror/logger"
	"iosmirror/registry"
	"iosmirror/wda"
)

var controlUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are unauthenticated
	},
}

// controlMessage is the wire shape of one viewer command, mirroring the
// browser UI's JSON.
type controlMessage struct {
	Type        string  `json:"type"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	EndX        float64 `json:"endX"`
	EndY        float64 `json:"endY"`
	Duration    int     `json:"duration"`
	DeltaX      float64 `json:"deltaX"`
	DeltaY      float64 `json:"deltaY"`
	Text        string  `json:"text"`
	BundleID    string  `json:"bundleId"`
	VideoWidth  float64 `json:"videoWidth"`
	VideoHeight float64 `json:"videoHeight"`
}

type statusMessage struct {
	Type         string               `json:"type"`
	WDAConnected bool                 `json:"wdaConnected"`
	SourceActive bool                 `json:"sourceActive"`
	DeviceInfo   *registry.DeviceInfo `json:"deviceInfo,omitempty"`
}

// ControlHandler owns the viewer control channel: JSON commands in, one
// result per command out, plus status broadcasts whenever the automation
// session or device info changes.
type ControlHandler struct {
	log    *logger.Logger
	bridge *wda.Bridge
	reg    *registry.Registry

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex // per-conn write lock
}

func NewControlHandler(log *logger.Logger, bridge *wda.Bridge, reg *registry.Registry) *ControlHandler {
	h := &ControlHandler{
		log:     log,
		bridge:  bridge,
		reg:     reg,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
	reg.OnChange(func(snap registry.Snapshot) {
		h.broadcastStatus(snap)
	})
	return h
}

func (h *ControlHandler) HandleWebSocket(c *gin.Context) {
	conn, err := controlUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("control upgrade failed: %v", err)
		return
	}

	writeLock := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeLock
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Infof("control client connected (total: %d)", count)

	h.writeJSON(conn, writeLock, h.statusMessage(h.reg.Snapshot()))

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.log.Infof("control client disconnected (remaining: %d)", remaining)
	}()

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warnf("control read error: %v", err)
			}
			return
		}
		h.handleCommand(conn, writeLock, msg)
	}
}

func (h *ControlHandler) handleCommand(conn *websocket.Conn, writeLock *sync.Mutex, msg controlMessage) {
	if msg.Type == "getStatus" {
		h.writeJSON(conn, writeLock, h.statusMessage(h.reg.Snapshot()))
		return
	}

	res := h.bridge.Handle(wda.Command{
		Type:        wda.CommandType(msg.Type),
		X:           msg.X,
		Y:           msg.Y,
		EndX:        msg.EndX,
		EndY:        msg.EndY,
		DurationMs:  msg.Duration,
		DeltaX:      msg.DeltaX,
		DeltaY:      msg.DeltaY,
		Text:        msg.Text,
		BundleID:    msg.BundleID,
		VideoWidth:  msg.VideoWidth,
		VideoHeight: msg.VideoHeight,
	})

	if res.Err != nil {
		h.writeJSON(conn, writeLock, gin.H{
			"type":    "error",
			"error":   res.Err.Error(),
			"command": res.Command,
		})
		return
	}
	h.writeJSON(conn, writeLock, gin.H{
		"type":    "result",
		"success": res.Success,
		"command": res.Command,
	})
}

func (h *ControlHandler) statusMessage(snap registry.Snapshot) statusMessage {
	return statusMessage{
		Type:         "status",
		WDAConnected: snap.AutomationConnected,
		SourceActive: snap.IngestActive,
		DeviceInfo:   snap.DeviceInfo,
	}
}

func (h *ControlHandler) broadcastStatus(snap registry.Snapshot) {
	msg := h.statusMessage(snap)
	h.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, l := range h.clients {
		conns[c] = l
	}
	h.mu.Unlock()
	for conn, lock := range conns {
		h.writeJSON(conn, lock, msg)
	}
}

func (h *ControlHandler) writeJSON(conn *websocket.Conn, lock *sync.Mutex, v any) {
	lock.Lock()
	defer lock.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		h.log.Debugf("control write failed: %v", err)
	}
}
