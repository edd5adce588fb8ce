// Package streamserver fans the ingest frame stream out to browser viewers
// over WebRTC and carries the viewer-facing HTTP surface.
package streamserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pionSDP "github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"iosmirror/framebuf"
	"iosmirror/logger"
	"iosmirror/registry"
)

const (
	payloadTypeH264High51 = 104

	// gatherTimeout bounds the wait for ICE candidate gathering; past it the
	// answer goes out with whatever candidates were collected.
	gatherTimeout = 2 * time.Second
)

// ErrNegotiation wraps every failure of the offer/answer exchange. A failed
// negotiation never leaves a half-created viewer behind.
var ErrNegotiation = errors.New("negotiation failed")

// Manager is the distribution engine: one outbound media subscription per
// viewer, each reading the frame buffer from "now". Viewers are fully
// independent; tearing one down never perturbs delivery to another.
type Manager struct {
	sync.RWMutex
	log        *logger.Logger
	buf        *framebuf.Buffer
	reg        *registry.Registry
	stunServer string

	viewers map[string]*Viewer
}

func NewManager(log *logger.Logger, buf *framebuf.Buffer, reg *registry.Registry, stunServer string) *Manager {
	return &Manager{
		log:        log,
		buf:        buf,
		reg:        reg,
		stunServer: stunServer,
		viewers:    make(map[string]*Viewer),
	}
}

// Negotiate handles one browser offer and returns the SDP answer. The viewer
// exists in the registry if and only if negotiation fully succeeded.
func (m *Manager) Negotiate(offerSDP, offerType string) (answerSDP string, viewerID string, err error) {
	if offerType != "offer" {
		return "", "", fmt.Errorf("%w: unexpected SDP type %q", ErrNegotiation, offerType)
	}

	mediaEngine := createMediaEngine()
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: pionSDP.TransportCCURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(interceptors))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{m.stunServer}}},
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	id := uuid.NewString()

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video-"+id,
		"mirror-"+id,
	)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	rtpSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	// Wait for ICE gathering, bounded. On timeout the answer still goes out
	// with the candidates gathered so far rather than stalling the viewer.
	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		m.log.Warnf("ICE gathering timed out for viewer %s, answering with partial candidates", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	viewer := &Viewer{
		ID:     id,
		pc:     pc,
		track:  videoTrack,
		sub:    m.buf.Subscribe(),
		log:    m.log,
		reg:    m.reg,
		cancel: cancel,
	}

	m.Lock()
	m.viewers[id] = viewer
	m.Unlock()
	m.reg.AddViewer(id)

	m.setCleanup(pc, id)
	go viewer.deliver(ctx)
	go drainRTCP(m.log, rtpSender)

	m.log.Infof("viewer %s negotiated (%d active)", id, m.ViewerCount())
	return pc.LocalDescription().SDP, id, nil
}

func (m *Manager) setCleanup(pc *webrtc.PeerConnection, id string) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debugf("viewer %s connection state: %s", id, state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.reg.SetViewerState(id, registry.ViewerConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			m.Teardown(id)
		}
	})
}

// Teardown removes a viewer and releases its resources. Idempotent.
func (m *Manager) Teardown(id string) {
	m.Lock()
	viewer, ok := m.viewers[id]
	if ok {
		delete(m.viewers, id)
	}
	m.Unlock()
	if !ok {
		return
	}
	m.reg.SetViewerState(id, registry.ViewerDisconnected)
	m.reg.RemoveViewer(id)
	viewer.close()
	m.log.Infof("viewer %s closed (%d active)", id, m.ViewerCount())
}

func (m *Manager) ViewerCount() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.viewers)
}

// CloseAll tears down every viewer, for shutdown.
func (m *Manager) CloseAll() {
	m.RLock()
	ids := make([]string, 0, len(m.viewers))
	for id := range m.viewers {
		ids = append(ids, id)
	}
	m.RUnlock()
	for _, id := range ids {
		m.Teardown(id)
	}
}

func createMediaEngine() *webrtc.MediaEngine {
	m := &webrtc.MediaEngine{}
	// High profile 5.1; packetization-mode=1 for non-interleaved NAL units.
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			Channels:    0,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640033",
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "transport-cc", Parameter: ""},
				{Type: "ccm", Parameter: "fir"},
				{Type: "nack", Parameter: ""},
				{Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: payloadTypeH264High51,
	}, webrtc.RTPCodecTypeVideo)
	if err != nil {
		panic(fmt.Sprintf("RegisterCodec H264 failed: %v", err))
	}
	return m
}

// drainRTCP keeps the interceptor pipeline fed. PLI is logged only: the
// ingest protocol has no keyframe-request back-channel, so a viewer waits
// for the source's next scheduled IDR.
func drainRTCP(log *logger.Logger, rtpSender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		n, _, err := rtpSender.Read(rtcpBuf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(rtcpBuf[:n])
		if err != nil {
			continue
		}
		for _, p := range packets {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				log.Debugf("viewer requested IDR via RTCP PLI")
			}
		}
	}
}
