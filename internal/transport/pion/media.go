package pion

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"peercall-engine/internal/domain"
	"peercall-engine/internal/service/call"
)

// LocalMedia holds the local tracks attached to a transport generation.
// The same LocalMedia survives transport rebuilds; only the peer
// connection it is attached to changes.
type LocalMedia struct {
	kind   domain.CallType
	tracks []webrtc.TrackLocal

	once    sync.Once
	release func()
}

// NewLocalMedia wraps captured tracks as an attachable media stream.
// release runs once when the stream is released and may be nil.
func NewLocalMedia(kind domain.CallType, tracks []webrtc.TrackLocal, release func()) *LocalMedia {
	return &LocalMedia{
		kind:    kind,
		tracks:  tracks,
		release: release,
	}
}

// Kind reports whether this is audio-only or audio+video media
func (m *LocalMedia) Kind() domain.CallType { return m.kind }

// Release stops the underlying capture exactly once
func (m *LocalMedia) Release() {
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// remoteStream wraps one received remote track
type remoteStream struct {
	track *webrtc.TrackRemote
}

func newRemoteStream(track *webrtc.TrackRemote) *remoteStream {
	return &remoteStream{track: track}
}

// Track exposes the underlying remote track for playout
func (r *remoteStream) Track() *webrtc.TrackRemote { return r.track }

// Kind maps the track kind onto the call type vocabulary
func (r *remoteStream) Kind() domain.CallType {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.CallTypeVideo
	}
	return domain.CallTypeAudio
}

// Release is a no-op; remote tracks die with the peer connection
func (r *remoteStream) Release() {}

// NullMediaDevice satisfies the media contract without any capture
// hardware. Offers still carry valid m-lines through recvonly
// transceivers, so two headless agents can complete the SDP exchange.
type NullMediaDevice struct{}

// Capture returns an empty local media stream
func (NullMediaDevice) Capture(_ context.Context, callType domain.CallType) (call.MediaStream, error) {
	return NewLocalMedia(callType, nil, nil), nil
}
