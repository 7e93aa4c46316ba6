// Package notify implements the out-of-band signal path of a call:
// push-delivered invites, cancellations, and missed-call notices. It is
// strictly best-effort; call setup never depends on a push arriving.
package notify

import (
	"context"

	"go.uber.org/zap"

	"peercall-engine/internal/domain"
	"peercall-engine/internal/service/call"
	"peercall-engine/pkg/logger"
	"peercall-engine/pkg/metrics"
	"peercall-engine/pkg/push"
)

// Service implements call.NotificationBridge on top of the push stack
// and the call record store. Cancellation detection rides the record
// store rather than a push round trip: a ringing call whose status
// jumps straight to ended was cancelled or answered elsewhere.
type Service struct {
	pusher  *push.Service
	store   call.RecordStore
	metrics *metrics.CallMetrics
}

// NewService creates the notification bridge. metrics may be nil.
func NewService(pusher *push.Service, store call.RecordStore, m *metrics.CallMetrics) *Service {
	return &Service{
		pusher:  pusher,
		store:   store,
		metrics: m,
	}
}

// SendCallInvite alerts the receiver's devices about an incoming call
func (s *Service) SendCallInvite(ctx context.Context, invite domain.CallInvite) error {
	body := invite.CallerName + " is calling you"
	if invite.CallerName == "" {
		body = "Incoming call"
	}
	notification := &push.Notification{
		Title:    "Incoming Call",
		Body:     body,
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":          "call_invite",
			"call_id":       invite.CallID,
			"caller_id":     invite.CallerID,
			"caller_name":   invite.CallerName,
			"caller_avatar": invite.CallerAvatar,
			"call_type":     string(invite.CallType),
		},
	}
	return s.send(ctx, "invite", notification, invite.ReceiverID, invite.CallID)
}

// CancelCallInvite tells the receiver's devices to stop ringing. Sent
// data-only so the device dismisses the call UI without a new alert.
func (s *Service) CancelCallInvite(ctx context.Context, callID, receiverID string) error {
	notification := &push.Notification{
		Priority: "high",
		Data: map[string]string{
			"type":    "call_cancelled",
			"call_id": callID,
		},
	}
	return s.send(ctx, "cancel", notification, receiverID, callID)
}

// ClearIncomingCall dismisses any incoming-call UI still showing on the
// user's devices, regardless of which call raised it.
func (s *Service) ClearIncomingCall(ctx context.Context, userID string) error {
	notification := &push.Notification{
		Priority: "high",
		Data: map[string]string{
			"type": "call_cleared",
		},
	}
	return s.send(ctx, "clear", notification, userID, "")
}

// SendMissedCall notifies the caller that the callee declined or missed
// the call.
func (s *Service) SendMissedCall(ctx context.Context, callerID, calleeID, callID string) error {
	notification := &push.Notification{
		Title:    "Missed Call",
		Body:     "Your call was not answered",
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":      "missed_call",
			"call_id":   callID,
			"callee_id": calleeID,
		},
	}
	return s.send(ctx, "missed", notification, callerID, callID)
}

// ListenForCallCancellation watches the call record and fires onCancelled
// once if the call reaches a terminal status without ever being
// answered. The callee uses this while ringing; after local answer the
// session's own listeners take over.
func (s *Service) ListenForCallCancellation(ctx context.Context, callID string, onCancelled func()) (call.Subscription, error) {
	fired := false
	return s.store.SubscribeRecord(ctx, callID, func(rec *domain.CallRecord) {
		if fired || rec == nil {
			return
		}
		if rec.Status.IsTerminal() && rec.AnsweredAt == nil {
			fired = true
			logger.Debug("remote cancellation observed",
				zap.String("call_id", callID),
				zap.String("status", string(rec.Status)))
			onCancelled()
		}
	})
}

func (s *Service) send(ctx context.Context, kind string, notification *push.Notification, userID, callID string) error {
	result, err := s.pusher.SendToUser(ctx, notification, userID)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.PushSends.WithLabelValues(kind, outcome).Inc()
	}
	if err != nil {
		logger.Warn("push send failed",
			zap.String("kind", kind),
			zap.String("user_id", userID),
			zap.String("call_id", callID),
			zap.Error(err))
		return err
	}
	logger.Debug("push sent",
		zap.String("kind", kind),
		zap.String("user_id", userID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))
	return nil
}
