package call

import (
	"context"

	"peercall-engine/internal/domain"
)

// ServerTimestamp is the sentinel value a store implementation replaces
// with its own server-assigned timestamp on write.
type serverTimestampSentinel struct{}

// ServerTimestamp marks a field to be stamped by the store backend
var ServerTimestamp = serverTimestampSentinel{}

// Subscription is an owned handle on a store or bridge listener.
// Listeners are never garbage collected implicitly; every handle must be
// released on session teardown.
type Subscription interface {
	Release()
}

// RecordStore is the document-store contract the engine signals through.
// Writes are last-write-wins merges on named fields; no transactions are
// assumed. All operations are fallible I/O.
type RecordStore interface {
	// Merge creates the call record if absent and merges the given
	// fields into it. Nested maps merge field-by-field.
	Merge(ctx context.Context, callID string, fields map[string]any) error

	// Update merges fields into an existing record, using dotted paths
	// for nested fields. Fails with ErrCodeCallNotFound if the record
	// does not exist.
	Update(ctx context.Context, callID string, fields map[string]any) error

	// Get reads the current record snapshot
	Get(ctx context.Context, callID string) (*domain.CallRecord, error)

	// SubscribeRecord registers onChange for every record snapshot,
	// including the current one. Change events may be redelivered.
	SubscribeRecord(ctx context.Context, callID string, onChange func(*domain.CallRecord)) (Subscription, error)

	// Append-only sub-collections under the call record
	AppendOffer(ctx context.Context, callID string, desc domain.SessionDescription) error
	AppendAnswer(ctx context.Context, callID string, desc domain.SessionDescription) error
	AppendCandidate(ctx context.Context, callID string, cand domain.IceCandidate) error

	// Sub-collection listeners fire once per added document, existing
	// documents included. Events may be redelivered; consumers guard
	// with one-shot flags.
	SubscribeOffers(ctx context.Context, callID string, onAdded func(domain.SessionDescription)) (Subscription, error)
	SubscribeAnswers(ctx context.Context, callID string, onAdded func(domain.SessionDescription)) (Subscription, error)
	SubscribeCandidates(ctx context.Context, callID string, onAdded func(domain.IceCandidate)) (Subscription, error)
}

// NotificationBridge delivers the incoming-call signal to the callee
// device and clears it again. All methods are best-effort from the
// engine's point of view.
type NotificationBridge interface {
	SendCallInvite(ctx context.Context, invite domain.CallInvite) error
	CancelCallInvite(ctx context.Context, callID, receiverID string) error
	ClearIncomingCall(ctx context.Context, userID string) error
	SendMissedCall(ctx context.Context, callerID, calleeID, callID string) error
	ListenForCallCancellation(ctx context.Context, callID string, onCancelled func()) (Subscription, error)
}

// MediaStream is an opaque handle on captured local media or received
// remote media.
type MediaStream interface {
	Kind() domain.CallType
	Release()
}

// MediaDevice acquires local media. A permission failure here aborts
// the call attempt before any session exists.
type MediaDevice interface {
	Capture(ctx context.Context, callType domain.CallType) (MediaStream, error)
}

// TransportCallbacks receive events from the underlying peer connection
type TransportCallbacks struct {
	OnLocalCandidate     func(domain.IceCandidate)
	OnRemoteTrack        func(MediaStream)
	OnConnectionState    func(domain.ConnectionState)
	OnICEConnectionState func(domain.ConnectionState)
}

// PeerConnection is the media-transport abstraction. CreateOffer and
// CreateAnswer also set the local description.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(cand domain.IceCandidate) error
	AttachLocalMedia(stream MediaStream) error
	ConnectionState() domain.ConnectionState
	ICEConnectionState() domain.ConnectionState
	Close() error
}

// TransportFactory builds a fresh peer connection wired to callbacks.
// The reconnect policy rebuilds the transport through the same factory.
type TransportFactory func(callbacks TransportCallbacks) (PeerConnection, error)
