package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
	"peercall-engine/pkg/errors"
	"peercall-engine/pkg/logger"
	"peercall-engine/pkg/metrics"
)

// Callbacks surface orchestrator outcomes to UI/caller code
type Callbacks struct {
	OnRemoteStream    func(MediaStream)
	OnConnectionState func(domain.ConnectionState)
	OnError           func(error)
	OnEnded           func()
}

// Orchestrator drives one call attempt for one role: permission
// acquisition, startup sequencing, the no-answer timeout, the
// pending-offer buffer, and the reconnect policy. It reacts purely to
// typed session events and never reaches into session internals.
type Orchestrator struct {
	cfg     *config.Config
	role    domain.Role
	selfID  string
	store   RecordStore
	bridge  NotificationBridge
	media   MediaDevice
	factory TransportFactory
	metrics *metrics.CallMetrics
	cb      Callbacks
	log     *zap.Logger

	session *Session
	done    chan struct{}

	mu                sync.Mutex
	noAnswerTimer     *time.Timer
	answerSeen        bool
	readyToAnswer     bool
	pendingOffer      *domain.SessionDescription
	reconnectAttempts int
	errorFired        bool
	ended             bool
	finished          bool
	cancelSub         Subscription
	startedAt         time.Time
}

// NewOrchestrator creates an orchestrator for one call attempt.
// The metrics argument may be nil.
func NewOrchestrator(cfg *config.Config, role domain.Role, selfID string, store RecordStore, bridge NotificationBridge, media MediaDevice, factory TransportFactory, m *metrics.CallMetrics, cb Callbacks) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		role:    role,
		selfID:  selfID,
		store:   store,
		bridge:  bridge,
		media:   media,
		factory: factory,
		metrics: m,
		cb:      cb,
		log:     logger.With(zap.String("role", string(role)), zap.String("self_id", selfID)),
		done:    make(chan struct{}),
	}
}

// OutgoingCall describes a caller-side call attempt
type OutgoingCall struct {
	CalleeID     string
	CallType     domain.CallType
	CallerName   string
	CallerAvatar string
}

// IncomingCall describes a callee-side call attempt, available once the
// acceptance gate has completed its status write.
type IncomingCall struct {
	CallID   string
	CallerID string
	CallType domain.CallType
}

// Session exposes the underlying session for read accessors
func (o *Orchestrator) Session() *Session {
	return o.session
}

// StartOutgoing runs the caller startup sequence: capture media, create
// the session and record, deliver the invite, arm the no-answer timer.
// A media permission failure aborts with no store writes at all.
func (o *Orchestrator) StartOutgoing(ctx context.Context, out OutgoingCall) (string, error) {
	stream, err := o.media.Capture(ctx, out.CallType)
	if err != nil {
		return "", errors.PermissionDeniedError(err)
	}

	callID := uuid.NewString()
	o.session = NewSession(o.cfg, domain.RoleCaller, callID, o.selfID, out.CalleeID, out.CallType, o.store, o.factory)
	go o.reactLoop()

	if err := o.session.Start(ctx); err != nil {
		stream.Release()
		o.shutdown()
		return "", err
	}

	if err := o.session.AttachLocalMedia(stream); err != nil {
		o.session.Cleanup()
		o.shutdown()
		return "", errors.TransportFailedError(err)
	}

	// The invite fires strictly after the creation write. Delivery is
	// best-effort: a callee watching the store still sees the call.
	invite := domain.CallInvite{
		CallID:       callID,
		CallerID:     o.selfID,
		CallerName:   out.CallerName,
		CallerAvatar: out.CallerAvatar,
		ReceiverID:   out.CalleeID,
		CallType:     out.CallType,
	}
	if err := o.bridge.SendCallInvite(ctx, invite); err != nil {
		o.log.Error("failed to send call invite", zap.Error(err))
	} else if err := o.session.MarkRinging(ctx); err != nil {
		o.log.Warn("failed to mark call ringing", zap.Error(err))
	}

	o.mu.Lock()
	o.startedAt = time.Now()
	o.noAnswerTimer = time.AfterFunc(o.cfg.NoAnswerTimeout, o.onNoAnswerTimeout)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.CallsInitiated.WithLabelValues(string(out.CallType), string(domain.RoleCaller)).Inc()
		o.metrics.CallsActive.Inc()
	}
	o.log.Info("outgoing call started", zap.String("call_id", callID))
	return callID, nil
}

// StartIncoming runs the callee startup sequence after the acceptance
// gate has advanced the record to answered. Subscriptions go up before
// local media finishes capturing; offers arriving in that window are
// buffered and drained once the session is ready to answer.
func (o *Orchestrator) StartIncoming(ctx context.Context, in IncomingCall) error {
	o.session = NewSession(o.cfg, domain.RoleCallee, in.CallID, o.selfID, in.CallerID, in.CallType, o.store, o.factory)
	go o.reactLoop()

	if err := o.session.Start(ctx); err != nil {
		o.shutdown()
		return err
	}

	stream, err := o.media.Capture(ctx, in.CallType)
	if err != nil {
		o.session.EndCall(ctx)
		o.shutdown()
		return errors.PermissionDeniedError(err)
	}

	if err := o.session.AttachLocalMedia(stream); err != nil {
		o.session.EndCall(ctx)
		o.shutdown()
		return errors.TransportFailedError(err)
	}

	// Ready to answer: drain at most one buffered offer.
	o.mu.Lock()
	o.readyToAnswer = true
	o.startedAt = time.Now()
	pending := o.pendingOffer
	o.pendingOffer = nil
	o.mu.Unlock()
	if pending != nil {
		if err := o.session.HandleRemoteOffer(ctx, *pending); err != nil {
			o.log.Error("failed to answer buffered offer", zap.Error(err))
		}
	}

	// The callee is reactive: no no-answer timer, but it does follow
	// explicit cancellation from the caller.
	cancelSub, err := o.bridge.ListenForCallCancellation(ctx, in.CallID, o.onRemoteCancelled)
	if err != nil {
		o.log.Warn("failed to listen for call cancellation", zap.Error(err))
	} else {
		o.mu.Lock()
		o.cancelSub = cancelSub
		o.mu.Unlock()
	}

	if o.metrics != nil {
		o.metrics.CallsInitiated.WithLabelValues(string(in.CallType), string(domain.RoleCallee)).Inc()
		o.metrics.CallsActive.Inc()
	}
	o.log.Info("incoming call started", zap.String("call_id", in.CallID))
	return nil
}

// EndCall hangs up locally: cancels the invite if the callee never
// answered, writes the terminal status, and tears everything down.
func (o *Orchestrator) EndCall(ctx context.Context) {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return
	}
	o.ended = true
	answerSeen := o.answerSeen
	o.stopTimersLocked()
	o.mu.Unlock()

	if o.role == domain.RoleCaller && !answerSeen && o.session != nil {
		if err := o.bridge.CancelCallInvite(ctx, o.session.CallID(), ""); err != nil {
			o.log.Warn("failed to cancel call invite", zap.Error(err))
		}
	}
	if o.session != nil {
		o.session.EndCall(ctx)
	}
	o.finish()
}

// reactLoop is the orchestrator's only coupling to the session: a pure
// reactor over its typed event stream.
func (o *Orchestrator) reactLoop() {
	events := o.session.Events()
	for {
		select {
		case <-o.done:
			return
		case ev := <-events:
			o.react(ev)
		}
	}
}

func (o *Orchestrator) react(ev Event) {
	switch ev := ev.(type) {
	case StatusChangedEvent:
		o.onStatusChanged(ev.Status)
	case OfferReceivedEvent:
		o.onOfferReceived(ev.Offer)
	case RemoteStreamEvent:
		if o.cb.OnRemoteStream != nil {
			o.cb.OnRemoteStream(ev.Stream)
		}
	case ConnectionStateEvent:
		o.onConnectionState(ev.State)
	case RemoteEndedEvent:
		o.onRemoteEnded()
	case ErrorEvent:
		o.fail(ev.Err)
	}
}

// onStatusChanged cancels the no-answer timer exactly once, the moment
// answered is observed.
func (o *Orchestrator) onStatusChanged(status domain.CallStatus) {
	if status != domain.StatusAnswered {
		return
	}
	o.mu.Lock()
	first := !o.answerSeen
	o.answerSeen = true
	timer := o.noAnswerTimer
	o.noAnswerTimer = nil
	o.mu.Unlock()

	if first && timer != nil {
		timer.Stop()
		o.log.Info("call answered, no-answer timer cancelled")
	}
}

// onOfferReceived routes a remote offer to the session, or buffers it
// (capacity one, later offers overwrite) until local media is attached.
func (o *Orchestrator) onOfferReceived(offer domain.SessionDescription) {
	o.mu.Lock()
	if !o.readyToAnswer {
		o.pendingOffer = &offer
		o.mu.Unlock()
		o.log.Debug("buffered offer until ready to answer")
		return
	}
	o.mu.Unlock()

	if err := o.session.HandleRemoteOffer(context.Background(), offer); err != nil {
		o.log.Error("failed to handle remote offer", zap.Error(err))
	}
}

func (o *Orchestrator) onConnectionState(state domain.ConnectionState) {
	switch state {
	case domain.ConnStateConnected:
		o.mu.Lock()
		o.reconnectAttempts = 0
		started := o.startedAt
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.CallsConnected.WithLabelValues(string(o.sessionCallType())).Inc()
			if !started.IsZero() {
				o.metrics.CallSetupDuration.Observe(time.Since(started).Seconds())
			}
		}
	case domain.ConnStateFailed:
		go o.recoverTransport()
	case domain.ConnStateDisconnected, domain.ConnStateClosed:
		o.log.Info("transport terminated", zap.String("state", string(state)))
		o.EndCall(context.Background())
	}

	if o.cb.OnConnectionState != nil {
		o.cb.OnConnectionState(state)
	}
}

// recoverTransport implements the reconnect policy: bounded in-place
// rebuilds with exponential backoff. A rebuild that fails immediately
// counts as the next failed state.
func (o *Orchestrator) recoverTransport() {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return
	}
	o.reconnectAttempts++
	attempt := o.reconnectAttempts
	o.mu.Unlock()

	if attempt > o.cfg.MaxReconnectAttempts {
		o.log.Error("reconnect attempts exhausted",
			zap.Int("max_attempts", o.cfg.MaxReconnectAttempts))
		o.failTerminal(errors.ReconnectExhaustedError(o.cfg.MaxReconnectAttempts))
		return
	}

	delay := ReconnectDelay(o.cfg, attempt)
	o.log.Warn("transport failed, attempting recovery",
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay))

	select {
	case <-o.done:
		return
	case <-time.After(delay):
	}

	if o.metrics != nil {
		o.metrics.ReconnectAttempts.Inc()
	}
	if err := o.session.RebuildTransport(context.Background()); err != nil {
		o.log.Error("transport rebuild failed", zap.Error(err))
		o.recoverTransport()
	}
}

func (o *Orchestrator) onRemoteEnded() {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return
	}
	o.ended = true
	o.stopTimersLocked()
	o.mu.Unlock()

	o.log.Info("remote side ended the call")
	if o.session != nil {
		o.session.Cleanup()
	}
	o.finish()
}

// onRemoteCancelled handles explicit caller-side cancellation observed
// through the bridge while the callee session is live.
func (o *Orchestrator) onRemoteCancelled() {
	o.log.Info("call cancelled by caller")
	o.onRemoteEnded()
}

// onNoAnswerTimeout fires when the callee never answered in time
func (o *Orchestrator) onNoAnswerTimeout() {
	o.mu.Lock()
	if o.answerSeen || o.ended {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.log.Info("no answer within timeout")
	if o.metrics != nil {
		o.metrics.NoAnswerTimeouts.Inc()
	}
	ctx := context.Background()
	if err := o.bridge.CancelCallInvite(ctx, o.session.CallID(), ""); err != nil {
		o.log.Warn("failed to cancel call invite", zap.Error(err))
	}
	o.fail(errors.CallTimeoutError())
}

// fail surfaces a terminal error exactly once and ends the call
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	first := !o.errorFired
	o.errorFired = true
	alreadyEnded := o.ended
	o.ended = true
	o.stopTimersLocked()
	o.mu.Unlock()

	if first {
		if o.metrics != nil {
			o.metrics.CallsFailed.WithLabelValues(string(errors.GetAppError(err).Code)).Inc()
		}
		if o.cb.OnError != nil {
			o.cb.OnError(err)
		}
	}
	if !alreadyEnded && o.session != nil {
		o.session.EndCall(context.Background())
	}
	o.finish()
}

// failTerminal marks the record itself with the error status
func (o *Orchestrator) failTerminal(err error) {
	o.mu.Lock()
	first := !o.errorFired
	o.errorFired = true
	o.ended = true
	o.stopTimersLocked()
	o.mu.Unlock()

	if first {
		if o.metrics != nil {
			o.metrics.CallsFailed.WithLabelValues(string(errors.GetAppError(err).Code)).Inc()
		}
		if o.cb.OnError != nil {
			o.cb.OnError(err)
		}
	}
	if o.session != nil {
		o.session.Fail(context.Background())
	}
	o.finish()
}

// finish releases orchestrator-owned resources and reports the end once
func (o *Orchestrator) finish() {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished = true
	cancelSub := o.cancelSub
	o.cancelSub = nil
	o.mu.Unlock()

	if cancelSub != nil {
		cancelSub.Release()
	}
	if o.metrics != nil {
		o.metrics.CallsActive.Dec()
	}
	o.shutdown()
	if o.cb.OnEnded != nil {
		o.cb.OnEnded()
	}
}

func (o *Orchestrator) shutdown() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// stopTimersLocked stops the no-answer timer; callers hold o.mu
func (o *Orchestrator) stopTimersLocked() {
	if o.noAnswerTimer != nil {
		o.noAnswerTimer.Stop()
		o.noAnswerTimer = nil
	}
}

func (o *Orchestrator) sessionCallType() domain.CallType {
	if o.session == nil {
		return domain.CallTypeAudio
	}
	return o.session.callType
}
