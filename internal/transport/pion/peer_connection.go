// Package pion adapts pion/webrtc to the engine's transport contract.
// One PeerConnection lives for one transport generation; the recovery
// policy discards it and builds a fresh one through the factory.
package pion

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-engine/internal/domain"
	"peercall-engine/internal/service/call"
	"peercall-engine/pkg/logger"
)

// NewFactory returns a transport factory building peer connections with
// the given ICE servers.
func NewFactory(iceServers []string) call.TransportFactory {
	api := newAPI()
	return func(callbacks call.TransportCallbacks) (call.PeerConnection, error) {
		return newPeerConnection(api, iceServers, callbacks)
	}
}

func newAPI() *webrtc.API {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		panic(err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m))
}

// PeerConnection wraps one webrtc.PeerConnection
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu       sync.Mutex
	attached bool
}

func newPeerConnection(api *webrtc.API, iceServers []string, callbacks call.TransportCallbacks) (*PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PeerConnection{
		pc:  pc,
		log: logger.With(zap.String("component", "transport")),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || callbacks.OnLocalCandidate == nil {
			return
		}
		j := c.ToJSON()
		cand := domain.IceCandidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		callbacks.OnLocalCandidate(cand)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()))
		if callbacks.OnRemoteTrack != nil {
			callbacks.OnRemoteTrack(newRemoteStream(track))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if callbacks.OnConnectionState != nil {
			callbacks.OnConnectionState(mapConnectionState(state))
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if callbacks.OnICEConnectionState != nil {
			callbacks.OnICEConnectionState(mapICEState(state))
		}
	})

	return p, nil
}

// CreateOffer builds an offer and installs it as the local description
func (p *PeerConnection) CreateOffer(_ context.Context) (domain.SessionDescription, error) {
	p.ensureMediaSections()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{SDPType: "offer", SDP: offer.SDP}, nil
}

// CreateAnswer builds an answer and installs it as the local description
func (p *PeerConnection) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{SDPType: "answer", SDP: answer.SDP}, nil
}

// SetRemoteDescription installs the peer's offer or answer
func (p *PeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	sdpType := webrtc.NewSDPType(desc.SDPType)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", desc.SDPType)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  desc.SDP,
	})
}

// HasRemoteDescription reports whether a remote description is installed
func (p *PeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddICECandidate feeds one remote candidate into the transport
func (p *PeerConnection) AddICECandidate(cand domain.IceCandidate) error {
	mid := cand.SDPMid
	mLineIndex := uint16(cand.SDPMLineIndex)
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mLineIndex,
	})
}

// AttachLocalMedia adds the captured local tracks to the connection
func (p *PeerConnection) AttachLocalMedia(stream call.MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return nil
	}

	local, ok := stream.(*LocalMedia)
	if !ok || len(local.tracks) == 0 {
		// No sendable tracks; recvonly transceivers still produce valid
		// m-lines for the SDP exchange.
		p.attached = true
		return nil
	}

	for _, track := range local.tracks {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add local track: %w", err)
		}
	}
	p.attached = true
	return nil
}

// ensureMediaSections guarantees the offer carries audio (and video)
// m-lines even when no local track was attached.
func (p *PeerConnection) ensureMediaSections() {
	p.mu.Lock()
	attached := p.attached
	p.mu.Unlock()
	if attached && len(p.pc.GetSenders()) > 0 {
		return
	}
	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		p.log.Warn("failed to add audio transceiver", zap.Error(err))
	}
	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		p.log.Warn("failed to add video transceiver", zap.Error(err))
	}
}

// ConnectionState returns the aggregate transport state
func (p *PeerConnection) ConnectionState() domain.ConnectionState {
	return mapConnectionState(p.pc.ConnectionState())
}

// ICEConnectionState returns the ICE-level transport state
func (p *PeerConnection) ICEConnectionState() domain.ConnectionState {
	return mapICEState(p.pc.ICEConnectionState())
}

// Close tears the connection down
func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

func mapConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnStateClosed
	default:
		return domain.ConnStateNew
	}
}

func mapICEState(state webrtc.ICEConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return domain.ConnStateNew
	case webrtc.ICEConnectionStateChecking:
		return domain.ConnStateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.ConnStateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ConnStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.ConnStateFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.ConnStateClosed
	default:
		return domain.ConnStateNew
	}
}
