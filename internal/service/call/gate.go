package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
	"peercall-engine/pkg/errors"
	"peercall-engine/pkg/logger"
)

// Gate is the callee-side acceptance handshake. It runs before any
// session exists and owns the ringing to answered status transition.
//
// The ordering on accept is load-bearing: the status write must be
// acknowledged by the store before session creation is handed off,
// because the caller's session is blocked on observing exactly that
// value; the notification is cleared only after the handoff, or a stale
// cached snapshot can re-surface the incoming-call UI mid-setup.
type Gate struct {
	cfg      *config.Config
	callID   string
	selfID   string
	callerID string

	store  RecordStore
	bridge NotificationBridge
	log    *zap.Logger

	// onAccepted hands off to session creation once the status write is
	// acknowledged.
	onAccepted func(ctx context.Context)
	onDeclined func()

	mu        sync.Mutex
	handled   bool
	autoTimer *time.Timer
}

// NewGate creates the acceptance gate for one presented incoming call
func NewGate(cfg *config.Config, callID, selfID, callerID string, store RecordStore, bridge NotificationBridge, onAccepted func(ctx context.Context), onDeclined func()) *Gate {
	return &Gate{
		cfg:        cfg,
		callID:     callID,
		selfID:     selfID,
		callerID:   callerID,
		store:      store,
		bridge:     bridge,
		log:        logger.WithCall(callID, string(domain.RoleCallee)),
		onAccepted: onAccepted,
		onDeclined: onDeclined,
	}
}

// Present arms the auto-decline timer; the call rings from this moment
func (g *Gate) Present() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handled || g.autoTimer != nil {
		return
	}
	g.autoTimer = time.AfterFunc(g.cfg.AutoDeclineTimeout, func() {
		g.log.Info("incoming call auto-declined after timeout")
		_ = g.Decline(context.Background())
	})
}

// Accept answers the incoming call. Whichever of Accept and Decline
// fires first wins; the other becomes a no-op.
func (g *Gate) Accept(ctx context.Context) error {
	if !g.claim() {
		return nil
	}

	// Hard synchronization point: nothing downstream may proceed until
	// the store acknowledges this write.
	err := g.store.Update(ctx, g.callID, map[string]any{
		"status":      string(domain.StatusAnswered),
		"answered_at": ServerTimestamp,
	})
	if err != nil {
		// Surfaced, but the flow still proceeds best-effort; aborting
		// here is usually worse for the user than a degraded attempt.
		g.log.Error("failed to write answered status", zap.Error(err))
		err = errors.StoreIOError("failed to write answered status", err)
	}

	if g.onAccepted != nil {
		g.onAccepted(ctx)
	}

	// Only after handoff: clearing earlier reopens the race where a
	// stale snapshot re-surfaces the incoming-call UI.
	go func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if clearErr := g.bridge.ClearIncomingCall(clearCtx, g.selfID); clearErr != nil {
			g.log.Warn("failed to clear incoming call signal", zap.Error(clearErr))
		}
	}()

	g.log.Info("incoming call accepted")
	return err
}

// Decline rejects the incoming call and notifies the caller's side
// out-of-band with a missed-call signal.
func (g *Gate) Decline(ctx context.Context) error {
	if !g.claim() {
		return nil
	}

	err := g.store.Update(ctx, g.callID, map[string]any{
		"status":   string(domain.StatusEnded),
		"ended_at": ServerTimestamp,
		"participants." + g.selfID + ".rejected_at": ServerTimestamp,
	})
	if err != nil {
		g.log.Error("failed to write declined status", zap.Error(err))
		err = errors.StoreIOError("failed to write declined status", err)
	}

	if g.callerID != g.selfID {
		go func() {
			missedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if missErr := g.bridge.SendMissedCall(missedCtx, g.callerID, g.selfID, g.callID); missErr != nil {
				g.log.Warn("failed to send missed-call signal", zap.Error(missErr))
			}
		}()
	}

	if g.onDeclined != nil {
		g.onDeclined()
	}
	g.log.Info("incoming call declined")
	return err
}

// claim marks the gate handled; only the first claimant proceeds
func (g *Gate) claim() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handled {
		return false
	}
	g.handled = true
	if g.autoTimer != nil {
		g.autoTimer.Stop()
		g.autoTimer = nil
	}
	return true
}
