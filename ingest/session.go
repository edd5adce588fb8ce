// Package ingest owns the capture-source side of the relay: a WebSocket
// endpoint carrying the binary framed protocol. At most one source session
// is active at a time; the existing session wins over late arrivals.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"iosmirror/framebuf"
	"iosmirror/logger"
	"iosmirror/protocol"
	"iosmirror/registry"
)

const maxMessageSize = 1024 * 1024 // 1MB, matches the source's frame ceiling

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // capture source connects from the device network
	},
}

type Server struct {
	log     *logger.Logger
	buf     *framebuf.Buffer
	reg     *registry.Registry
	timeout time.Duration

	mu     sync.Mutex
	active *session

	frameCount atomic.Uint64
}

func NewServer(log *logger.Logger, buf *framebuf.Buffer, reg *registry.Registry, heartbeatTimeout time.Duration) *Server {
	return &Server{
		log:     log,
		buf:     buf,
		reg:     reg,
		timeout: heartbeatTimeout,
	}
}

// Run serves the ingest endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("ingest listening on ws://%s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) FrameCount() uint64 {
	return s.frameCount.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ingest upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.log.Warnf("rejecting second capture source from %s, existing session wins", r.RemoteAddr)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "capture source already connected"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	sess := &session{
		server: s,
		conn:   conn,
		remote: r.RemoteAddr,
	}
	s.active = sess
	s.mu.Unlock()

	s.log.Infof("capture source connected from %s", r.RemoteAddr)
	s.reg.SetIngest(true, r.RemoteAddr)

	sess.run()

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	// Stale frames must never reach newly joining viewers.
	s.buf.Clear()
	s.reg.SetIngest(false, "")
	s.log.Infof("capture source disconnected (%s)", r.RemoteAddr)
}

// CloseActive tears down the current source session, if any. The next
// connection attempt can then establish a new one.
func (s *Server) CloseActive() {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		sess.conn.Close()
	}
}

type session struct {
	server *Server
	conn   *websocket.Conn
	remote string

	spsPPS []byte
}

func (sess *session) run() {
	conn := sess.conn
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(sess.server.timeout))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.server.log.Warnf("ingest read error: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			sess.server.log.Warnf("ignoring non-binary ingest message (%d bytes)", len(data))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// Protocol errors discard the message, never the connection.
			sess.server.log.Warnf("discarding malformed ingest message: %v", err)
			continue
		}
		if done := sess.handle(msg); done {
			return
		}
	}
}

// handle processes one framed message. Returns true when the session is over.
func (sess *session) handle(msg protocol.FramedMessage) bool {
	s := sess.server
	switch msg.Kind {
	case protocol.KindConfig:
		sess.spsPPS = append([]byte(nil), msg.Payload...)
		s.log.Infof("received decoder config: %d bytes", len(msg.Payload))

	case protocol.KindVideoFrame:
		keyframe := protocol.ContainsKeyframe(msg.Payload)
		var cfg []byte
		if keyframe && sess.spsPPS != nil {
			cfg = sess.spsPPS
		}
		s.buf.Push(msg.Payload, cfg, keyframe, msg.TimestampMicros)
		n := s.frameCount.Add(1)
		if n%300 == 0 {
			st := s.buf.Stats()
			s.log.Infof("video: %d frames, queue %d/%d, keyframes %d, dropped %d",
				n, st.QueueSize, st.MaxSize, st.Keyframes, st.Dropped)
		}

	case protocol.KindHeartbeat:
		sess.conn.SetReadDeadline(time.Now().Add(s.timeout))
		if err := sess.conn.WriteMessage(websocket.BinaryMessage, protocol.HeartbeatReply()); err != nil {
			s.log.Warnf("heartbeat reply failed: %v", err)
			return true
		}

	case protocol.KindStats:
		var stats map[string]any
		if err := json.Unmarshal(msg.Payload, &stats); err != nil {
			s.log.Warnf("failed to parse source stats: %v", err)
			break
		}
		s.log.Infow("source stats", "stats", stats)

	case protocol.KindDeviceInfo:
		var info registry.DeviceInfo
		if err := json.Unmarshal(msg.Payload, &info); err != nil {
			s.log.Warnf("failed to parse device info: %v", err)
			break
		}
		if info.DeviceType == "" {
			info.DeviceType = "device"
		}
		s.reg.SetDeviceInfo(info)
		s.log.Infof("device info: %s (%s) %s %s, screen %dx%d",
			info.Name, info.Model, info.SystemName, info.SystemVersion,
			info.ScreenWidth, info.ScreenHeight)

	case protocol.KindEndStream:
		s.log.Infof("capture source ended the stream")
		return true
	}
	return false
}
