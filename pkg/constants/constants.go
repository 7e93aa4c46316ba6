// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Call setup constants
const (
	// NoAnswerTimeout is how long the caller waits for the callee to answer
	NoAnswerTimeout = 60 * time.Second

	// AutoDeclineTimeout is how long an incoming call rings before it is
	// declined automatically on the callee device
	AutoDeclineTimeout = 60 * time.Second
)

// Reconnect policy constants
const (
	// MaxReconnectAttempts is the number of in-place transport recovery
	// attempts after a failed connection state
	MaxReconnectAttempts = 3

	// ReconnectBaseDelay is the backoff delay for the first attempt;
	// subsequent attempts double it
	ReconnectBaseDelay = 1 * time.Second

	// ReconnectMaxDelay caps the exponential backoff
	ReconnectMaxDelay = 8 * time.Second
)

// Connection-state monitor constants
const (
	// MonitorInterval is the poll interval of the post-answer
	// connection-state cross-check
	MonitorInterval = 1 * time.Second

	// MonitorMaxChecks bounds the number of monitor polls
	MonitorMaxChecks = 30
)

// Participant heartbeat constants
const (
	// PingInterval is how often a live session refreshes its own
	// participant last_ping field
	PingInterval = 10 * time.Second
)

// ICE exchange constants
const (
	// CandidateRetryDelay is the single delayed retry applied to a remote
	// candidate that arrives before the local SDP state can accept it
	CandidateRetryDelay = 500 * time.Millisecond
)

// Store sub-collection names under a call record
const (
	CollectionOffers     = "offers"
	CollectionAnswers    = "answers"
	CollectionCandidates = "candidates"
)

// HTTP server constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)
