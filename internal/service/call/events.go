package call

import (
	"peercall-engine/internal/domain"
)

// Event is a typed notification emitted by a Session. The orchestrator
// consumes these and never reaches into session internals.
type Event interface {
	event()
}

// RemoteStreamEvent fires when the transport delivers remote media
type RemoteStreamEvent struct {
	Stream MediaStream
}

// ConnectionStateEvent fires on every transport connection-state change
type ConnectionStateEvent struct {
	State domain.ConnectionState
}

// StatusChangedEvent fires when the shared record's status advances
type StatusChangedEvent struct {
	Status domain.CallStatus
}

// OfferReceivedEvent fires when a remote offer arrives. The orchestrator
// decides whether the session is ready to answer it.
type OfferReceivedEvent struct {
	Offer domain.SessionDescription
}

// RemoteEndedEvent fires when the other side terminated the call
type RemoteEndedEvent struct{}

// ErrorEvent fires for terminal failures
type ErrorEvent struct {
	Err error
}

func (RemoteStreamEvent) event()    {}
func (ConnectionStateEvent) event() {}
func (StatusChangedEvent) event()   {}
func (OfferReceivedEvent) event()   {}
func (RemoteEndedEvent) event()     {}
func (ErrorEvent) event()           {}
