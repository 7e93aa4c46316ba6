package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
	"peercall-engine/pkg/errors"
)

// ReconnectDelay returns the backoff delay before recovery attempt n
// (1-based): base doubled per attempt, capped at the configured maximum.
func ReconnectDelay(cfg *config.Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.ReconnectBaseDelay << (attempt - 1)
	if delay > cfg.ReconnectMaxDelay {
		delay = cfg.ReconnectMaxDelay
	}
	return delay
}

// startConnectionMonitor polls the transport's connection state after
// the answer is applied, in case the state-change callback was missed.
// It promotes the record to connected on success and cancels itself on
// success or after the configured number of checks.
func (s *Session) startConnectionMonitor() {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.monitorCancel != nil {
		// A previous monitor is still running (renegotiation); replace it.
		s.monitorCancel()
	}
	s.monitorCancel = cancel
	s.mu.Unlock()

	go s.runConnectionMonitor(ctx)
}

func (s *Session) runConnectionMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for checks := 0; checks < s.cfg.MonitorMaxChecks; checks++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		pc := s.pc
		done := s.cleaned || s.lastStatus.Rank() >= domain.StatusConnected.Rank()
		s.mu.Unlock()
		if done {
			return
		}

		connState := pc.ConnectionState()
		iceState := pc.ICEConnectionState()
		if connState == domain.ConnStateConnected || iceState == domain.ConnStateConnected {
			s.log.Info("connection monitor detected live transport",
				zap.String("connection_state", string(connState)),
				zap.String("ice_state", string(iceState)))
			s.promoteConnected()
			s.emit(ConnectionStateEvent{State: domain.ConnStateConnected})
			return
		}
	}

	// The transport never came up within the monitor window.
	s.mu.Lock()
	stillPending := !s.cleaned && s.lastStatus.Rank() < domain.StatusConnected.Rank()
	s.mu.Unlock()
	if stillPending {
		s.emit(ErrorEvent{Err: errors.ConnectTimeoutError()})
	}
}

// startPingLoop refreshes this side's participant heartbeat for the
// life of the session. Write failures are logged and swallowed.
func (s *Session) startPingLoop() {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.pingCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updateOwnParticipant(map[string]any{"last_ping": ServerTimestamp})
			}
		}
	}()
}
