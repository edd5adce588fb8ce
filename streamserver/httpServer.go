package streamserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iosmirror/framebuf"
	"iosmirror/logger"
	"iosmirror/registry"
	"iosmirror/wda"
)

// HTTPServer is the viewer-facing surface: negotiation, control channel,
// device metadata and diagnostics.
type HTTPServer struct {
	log     *logger.Logger
	manager *Manager
	buf     *framebuf.Buffer
	reg     *registry.Registry
	control *ControlHandler // nil when the control bridge is disabled

	ingestFrames func() uint64
}

func NewHTTPServer(log *logger.Logger, manager *Manager, buf *framebuf.Buffer, reg *registry.Registry,
	bridge *wda.Bridge, ingestFrames func() uint64) *HTTPServer {
	s := &HTTPServer{
		log:          log,
		manager:      manager,
		buf:          buf,
		reg:          reg,
		ingestFrames: ingestFrames,
	}
	if bridge != nil {
		s.control = NewControlHandler(log, bridge, reg)
	}
	return s
}

func (s *HTTPServer) Router(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/offer", s.handleOffer)
	r.GET("/device-info", s.handleDeviceInfo)
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/control", s.handleControl)
	r.GET("/control/status", s.handleControlStatus)
	return r
}

func (s *HTTPServer) Run(ctx context.Context, addr string, debug bool) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(debug)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("viewer server listening on http://%s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type offerRequest struct {
	SDP  string `json:"sdp" binding:"required"`
	Type string `json:"type" binding:"required"`
}

func (s *HTTPServer) handleOffer(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answerSDP, viewerID, err := s.manager.Negotiate(req.SDP, req.Type)
	if err != nil {
		s.log.Warnf("negotiation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Infof("sent answer to viewer %s", viewerID)
	c.JSON(http.StatusOK, gin.H{"sdp": answerSDP, "type": "answer"})
}

func (s *HTTPServer) handleDeviceInfo(c *gin.Context) {
	info, ok := s.reg.DeviceInfo()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No device info available"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *HTTPServer) handleStats(c *gin.Context) {
	var frames uint64
	if s.ingestFrames != nil {
		frames = s.ingestFrames()
	}
	c.JSON(http.StatusOK, gin.H{
		"active_connections": s.manager.ViewerCount(),
		"total_connections":  s.reg.TotalViewers(),
		"ingest_active":      s.reg.IngestActive(),
		"ingest_frames":      frames,
		"queue_stats":        s.buf.Stats(),
	})
}

func (s *HTTPServer) handleControl(c *gin.Context) {
	if s.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Control server not available"})
		return
	}
	s.control.HandleWebSocket(c)
}

func (s *HTTPServer) handleControlStatus(c *gin.Context) {
	if s.control == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "wdaConnected": false})
		return
	}
	info, _ := s.reg.DeviceInfo()
	c.JSON(http.StatusOK, gin.H{
		"enabled":      true,
		"wdaConnected": s.control.bridge.Ready(),
		"screenWidth":  info.ScreenWidth,
		"screenHeight": info.ScreenHeight,
	})
}
