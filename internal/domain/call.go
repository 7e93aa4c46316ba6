package domain

import (
	"time"
)

// CallType represents the media profile of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Role identifies which side of the call this client plays.
// It is threaded explicitly through the session and orchestrator
// constructors instead of being inferred from scattered flags.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CallStatus is the shared call lifecycle status.
// Non-terminal statuses form a total order and may never regress;
// StatusError is a terminal side-branch reachable from any of them.
type CallStatus string

const (
	StatusWaiting   CallStatus = "waiting"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
	StatusError     CallStatus = "error"
)

// statusRanks encodes the monotonic status lattice
var statusRanks = map[CallStatus]int{
	StatusWaiting:   0,
	StatusRinging:   1,
	StatusAnswered:  2,
	StatusConnected: 3,
	StatusEnded:     4,
}

// Rank returns the position of the status in the lattice, or -1 for
// StatusError and unknown values.
func (s CallStatus) Rank() int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further non-error status may follow
func (s CallStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// CanAdvanceTo reports whether writing next on top of s keeps the
// status lattice monotonic. StatusError is reachable from any
// non-error status and absorbs everything afterwards.
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	if s == StatusError {
		return false
	}
	if next == StatusError {
		return true
	}
	return next.Rank() > s.Rank()
}

// ConnectionState mirrors the transport's peer connection state
type ConnectionState string

const (
	ConnStateNew          ConnectionState = "new"
	ConnStateConnecting   ConnectionState = "connecting"
	ConnStateConnected    ConnectionState = "connected"
	ConnStateDisconnected ConnectionState = "disconnected"
	ConnStateFailed       ConnectionState = "failed"
	ConnStateClosed       ConnectionState = "closed"
)

// ParticipantStatus is the per-participant sub-record of a call record.
// Each side only ever writes its own entry; entries are updated in place
// and never deleted for the lifetime of the call.
type ParticipantStatus struct {
	ConnectionState string     `firestore:"connection_state" json:"connection_state"`
	JoinedAt        *time.Time `firestore:"joined_at,omitempty" json:"joined_at,omitempty"`
	LeftAt          *time.Time `firestore:"left_at,omitempty" json:"left_at,omitempty"`
	RejectedAt      *time.Time `firestore:"rejected_at,omitempty" json:"rejected_at,omitempty"`
	LastPing        *time.Time `firestore:"last_ping,omitempty" json:"last_ping,omitempty"`
}

// CallRecord is the shared document representing one call attempt.
// It is the single source of truth for session status.
type CallRecord struct {
	CallID       string                       `firestore:"call_id" json:"call_id"`
	Status       CallStatus                   `firestore:"status" json:"status"`
	InitiatedBy  string                       `firestore:"initiated_by" json:"initiated_by"`
	CallerID     string                       `firestore:"caller_id" json:"caller_id"`
	ReceiverID   string                       `firestore:"receiver_id" json:"receiver_id"`
	CallType     CallType                     `firestore:"call_type" json:"call_type"`
	Participants map[string]ParticipantStatus `firestore:"participants" json:"participants"`
	CreatedAt    *time.Time                   `firestore:"created_at,omitempty" json:"created_at,omitempty"`
	AnsweredAt   *time.Time                   `firestore:"answered_at,omitempty" json:"answered_at,omitempty"`
	EndedAt      *time.Time                   `firestore:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// SessionDescription is an SDP offer or answer appended under a call
// record. Offers and answers are one-shot: at most one offer per call
// attempt and at most one answer per received offer.
type SessionDescription struct {
	SDPType   string     `firestore:"sdp_type" json:"sdp_type"` // offer, answer
	SDP       string     `firestore:"sdp" json:"sdp"`
	From      string     `firestore:"from" json:"from"`
	Timestamp *time.Time `firestore:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// IceCandidate is one network path descriptor appended under a call
// record. Both sides append as their transport discovers candidates.
type IceCandidate struct {
	Candidate     string     `firestore:"candidate" json:"candidate"`
	SDPMid        string     `firestore:"sdp_mid" json:"sdp_mid"`
	SDPMLineIndex int        `firestore:"sdp_mline_index" json:"sdp_mline_index"`
	From          string     `firestore:"from" json:"from"`
	Timestamp     *time.Time `firestore:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// CallInvite carries the data the notification bridge needs to surface
// an incoming call on the callee's device.
type CallInvite struct {
	CallID       string   `json:"call_id"`
	CallerID     string   `json:"caller_id"`
	CallerName   string   `json:"caller_name"`
	CallerAvatar string   `json:"caller_avatar,omitempty"`
	ReceiverID   string   `json:"receiver_id"`
	CallType     CallType `json:"call_type"`
}
