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

// Session owns one peer connection, the call record's lifecycle writes,
// and the SDP/ICE exchange for a single call attempt. One instance runs
// per active call on each side; the two sides coordinate only through
// the shared record store.
type Session struct {
	cfg      *config.Config
	role     domain.Role
	callID   string
	selfID   string
	peerID   string
	callType domain.CallType

	store   RecordStore
	factory TransportFactory
	log     *zap.Logger

	// ctx outlives Start's argument: store callbacks and timers resume
	// on it until teardown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	mu              sync.Mutex
	pc              PeerConnection
	localMedia      MediaStream
	lastStatus      domain.CallStatus
	offerProcessed  bool
	answerProcessed bool
	answerObserved  bool
	rebuilding      bool
	cleaned         bool
	subs            []Subscription
	recordSub       Subscription
	monitorCancel   context.CancelFunc
	pingCancel      context.CancelFunc
}

// NewSession creates a session for one side of a call. It performs no
// I/O; Start drives the role-specific protocol.
func NewSession(cfg *config.Config, role domain.Role, callID, selfID, peerID string, callType domain.CallType, store RecordStore, factory TransportFactory) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		role:     role,
		callID:   callID,
		selfID:   selfID,
		peerID:   peerID,
		callType: callType,
		store:    store,
		factory:  factory,
		log:      logger.WithCall(callID, string(role)),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, 32),
	}
}

// Events returns the session's event stream. The channel stays open for
// the session's lifetime; events emitted after teardown are dropped.
func (s *Session) Events() <-chan Event {
	return s.events
}

// CallID returns the call identifier this session serves
func (s *Session) CallID() string {
	return s.callID
}

// Start runs the role-specific setup protocol.
//
// Caller: write the record first (it is the document the callee merges
// into), then subscribe to the record, answers, and candidates.
//
// Callee: subscribe to the record, offers, and candidates BEFORE any
// write, then merge only its own participant entry. The callee path
// never writes the status field: the acceptance gate has already
// advanced it to answered, and overwriting it would stall the caller.
func (s *Session) Start(ctx context.Context) error {
	if err := s.buildTransport(); err != nil {
		return errors.TransportFailedError(err)
	}

	switch s.role {
	case domain.RoleCaller:
		return s.startCaller(ctx)
	default:
		return s.startCallee(ctx)
	}
}

func (s *Session) startCaller(ctx context.Context) error {
	now := ServerTimestamp
	fields := map[string]any{
		"call_id":      s.callID,
		"status":       string(domain.StatusWaiting),
		"initiated_by": s.selfID,
		"caller_id":    s.selfID,
		"receiver_id":  s.peerID,
		"call_type":    string(s.callType),
		"created_at":   now,
		"participants": map[string]any{
			s.selfID: map[string]any{
				"connection_state": string(domain.ConnStateNew),
				"joined_at":        now,
			},
		},
	}

	// The creation write must happen-before anything else touching this
	// call; everything the callee does merges into this document.
	if err := s.store.Merge(ctx, s.callID, fields); err != nil {
		return errors.StoreIOError("failed to create call record", err)
	}
	s.mu.Lock()
	s.lastStatus = domain.StatusWaiting
	s.mu.Unlock()

	recordSub, err := s.store.SubscribeRecord(s.ctx, s.callID, s.onRecordChange)
	if err != nil {
		return errors.StoreIOError("failed to subscribe to call record", err)
	}
	s.trackRecordSub(recordSub)

	answerSub, err := s.store.SubscribeAnswers(s.ctx, s.callID, s.onAnswer)
	if err != nil {
		return errors.StoreIOError("failed to subscribe to answers", err)
	}
	s.trackSub(answerSub)

	candSub, err := s.store.SubscribeCandidates(s.ctx, s.callID, s.onCandidate)
	if err != nil {
		return errors.StoreIOError("failed to subscribe to candidates", err)
	}
	s.trackSub(candSub)

	s.startPingLoop()
	s.log.Info("caller session started",
		zap.String("receiver_id", s.peerID),
		zap.String("call_type", string(s.callType)))
	return nil
}

func (s *Session) startCallee(ctx context.Context) error {
	// Subscriptions go up before any write so an offer landing right
	// after acceptance cannot be missed.
	recordSub, err := s.store.SubscribeRecord(s.ctx, s.callID, s.onRecordChange)
	if err != nil {
		return errors.StoreIOError("failed to subscribe to call record", err)
	}
	s.trackRecordSub(recordSub)

	offerSub, err := s.store.SubscribeOffers(s.ctx, s.callID, s.onOffer)
	if err != nil {
		return errors.StoreIOError("failed to subscribe to offers", err)
	}
	s.trackSub(offerSub)

	candSub, err := s.store.SubscribeCandidates(s.ctx, s.callID, s.onCandidate)
	if err != nil {
		return errors.StoreIOError("failed to subscribe to candidates", err)
	}
	s.trackSub(candSub)

	// Merge only our own participant entry. No status write on this
	// path, ever: the value is already answered and owned by the gate.
	fields := map[string]any{
		"participants": map[string]any{
			s.selfID: map[string]any{
				"connection_state": string(domain.ConnStateNew),
				"joined_at":        ServerTimestamp,
			},
		},
	}
	if err := s.store.Merge(ctx, s.callID, fields); err != nil {
		// Participant metadata is not correctness-critical; the offer
		// exchange can still proceed.
		s.log.Warn("failed to merge callee participant entry", zap.Error(err))
	}

	s.mu.Lock()
	s.lastStatus = domain.StatusAnswered
	s.mu.Unlock()

	s.startPingLoop()
	s.log.Info("callee session started", zap.String("caller_id", s.peerID))
	return nil
}

// buildTransport creates a fresh peer connection wired to this session
func (s *Session) buildTransport() error {
	pc, err := s.factory(TransportCallbacks{
		OnLocalCandidate:     s.onLocalCandidate,
		OnRemoteTrack:        s.onRemoteTrack,
		OnConnectionState:    s.onConnectionState,
		OnICEConnectionState: s.onICEConnectionState,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	return nil
}

// AttachLocalMedia hands captured local media to the transport
func (s *Session) AttachLocalMedia(stream MediaStream) error {
	s.mu.Lock()
	s.localMedia = stream
	pc := s.pc
	s.mu.Unlock()
	return pc.AttachLocalMedia(stream)
}

// onRecordChange reacts to record snapshots from the store
func (s *Session) onRecordChange(rec *domain.CallRecord) {
	if rec == nil {
		return
	}

	s.mu.Lock()
	prev := s.lastStatus
	advanced := prev.CanAdvanceTo(rec.Status)
	if advanced {
		s.lastStatus = rec.Status
	}
	firstAnswer := s.role == domain.RoleCaller &&
		rec.Status == domain.StatusAnswered && !s.answerObserved
	if firstAnswer {
		s.answerObserved = true
	}
	recordSub := s.recordSub
	s.mu.Unlock()

	if advanced && rec.Status != prev {
		s.emit(StatusChangedEvent{Status: rec.Status})
	}

	if rec.Status == domain.StatusEnded || rec.Status == domain.StatusError {
		s.emit(RemoteEndedEvent{})
		return
	}

	if firstAnswer {
		// Deterministically exactly once: drop the record listener and
		// negotiate. No status write happens from here on out of this
		// role; the value is owned by the callee now.
		if recordSub != nil {
			recordSub.Release()
			s.mu.Lock()
			s.recordSub = nil
			s.mu.Unlock()
		}
		s.createAndSendOffer()
	}
}

// createAndSendOffer builds the caller's SDP offer and appends it to
// the record's offer sub-collection.
func (s *Session) createAndSendOffer() {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	desc, err := pc.CreateOffer(s.ctx)
	if err != nil {
		s.emit(ErrorEvent{Err: errors.TransportFailedError(err)})
		return
	}
	desc.From = s.selfID

	if err := s.store.AppendOffer(s.ctx, s.callID, desc); err != nil {
		s.emit(ErrorEvent{Err: errors.StoreIOError("failed to append offer", err)})
		return
	}
	s.log.Info("offer sent")
}

// onOffer surfaces a remote offer to the orchestrator, which decides
// whether local media is ready for it yet.
func (s *Session) onOffer(desc domain.SessionDescription) {
	if desc.From == s.selfID {
		return
	}
	s.emit(OfferReceivedEvent{Offer: desc})
}

// HandleRemoteOffer processes the remote offer exactly once: set remote
// description, create an answer, append it. Duplicate deliveries are
// no-ops; ResetOfferGuard re-arms it for renegotiation.
func (s *Session) HandleRemoteOffer(ctx context.Context, desc domain.SessionDescription) error {
	s.mu.Lock()
	if s.offerProcessed || s.cleaned {
		s.mu.Unlock()
		return nil
	}
	s.offerProcessed = true
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return errors.TransportFailedError(err)
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return errors.TransportFailedError(err)
	}
	answer.From = s.selfID

	if err := s.store.AppendAnswer(ctx, s.callID, answer); err != nil {
		return errors.StoreIOError("failed to append answer", err)
	}
	s.log.Info("answer sent")
	return nil
}

// ResetOfferGuard re-arms the one-shot offer guard so a renegotiated
// offer from the caller can be answered after a transport rebuild.
func (s *Session) ResetOfferGuard() {
	s.mu.Lock()
	s.offerProcessed = false
	s.mu.Unlock()
}

// onAnswer processes the first remote answer exactly once
func (s *Session) onAnswer(desc domain.SessionDescription) {
	if desc.From == s.selfID {
		return
	}

	s.mu.Lock()
	if s.answerProcessed || s.cleaned {
		s.mu.Unlock()
		return
	}
	s.answerProcessed = true
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		s.emit(ErrorEvent{Err: errors.TransportFailedError(err)})
		return
	}
	s.log.Info("answer applied")

	// Event callbacks can be missed; poll the transport as a fallback.
	s.startConnectionMonitor()
}

// onCandidate adds a remote candidate, retrying once after a short
// delay when the local SDP state is not yet ready to accept it.
func (s *Session) onCandidate(cand domain.IceCandidate) {
	if cand.From == s.selfID {
		return
	}

	s.mu.Lock()
	pc := s.pc
	cleaned := s.cleaned
	s.mu.Unlock()
	if cleaned {
		return
	}

	if pc.HasRemoteDescription() {
		if err := pc.AddICECandidate(cand); err != nil {
			s.log.Warn("failed to add remote candidate", zap.Error(err))
		}
		return
	}

	// Single delayed retry; a candidate that still cannot be applied is
	// dropped (the transport keeps trickling more).
	time.AfterFunc(s.cfg.CandidateRetryDelay, func() {
		s.mu.Lock()
		pc := s.pc
		cleaned := s.cleaned
		s.mu.Unlock()
		if cleaned {
			return
		}
		if err := pc.AddICECandidate(cand); err != nil {
			s.log.Warn("dropping remote candidate after retry", zap.Error(err))
		}
	})
}

// onLocalCandidate appends a locally discovered candidate to the store
func (s *Session) onLocalCandidate(cand domain.IceCandidate) {
	cand.From = s.selfID
	if err := s.store.AppendCandidate(s.ctx, s.callID, cand); err != nil {
		s.log.Warn("failed to append local candidate", zap.Error(err))
	}
}

// onRemoteTrack surfaces remote media upward
func (s *Session) onRemoteTrack(stream MediaStream) {
	s.emit(RemoteStreamEvent{Stream: stream})
}

// onConnectionState reacts to transport connection-state changes
func (s *Session) onConnectionState(state domain.ConnectionState) {
	s.mu.Lock()
	if s.cleaned || s.rebuilding {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Own participant state is bookkeeping; failures are swallowed.
	s.updateOwnParticipant(map[string]any{"connection_state": string(state)})

	if state == domain.ConnStateConnected {
		// Idempotent and monotonic-guarded; harmless if already set.
		s.promoteConnected()
	}

	s.emit(ConnectionStateEvent{State: state})
}

func (s *Session) onICEConnectionState(state domain.ConnectionState) {
	s.log.Debug("ice connection state changed", zap.String("state", string(state)))
}

// promoteConnected writes status=connected once the transport reports a
// live connection. Only forward moves on the lattice are written.
func (s *Session) promoteConnected() {
	if err := s.writeStatus(s.ctx, domain.StatusConnected, nil); err != nil {
		s.log.Warn("failed to write connected status", zap.Error(err))
	}
}

// writeStatus advances the shared status field. The write is skipped
// entirely when it would move the lattice backward.
func (s *Session) writeStatus(ctx context.Context, status domain.CallStatus, extra map[string]any) error {
	s.mu.Lock()
	if !s.lastStatus.CanAdvanceTo(status) {
		s.mu.Unlock()
		s.log.Debug("skipping non-monotonic status write",
			zap.String("from", string(s.lastStatus)),
			zap.String("to", string(status)))
		return nil
	}
	s.mu.Unlock()

	fields := map[string]any{"status": string(status)}
	for k, v := range extra {
		fields[k] = v
	}
	if err := s.store.Update(ctx, s.callID, fields); err != nil {
		return errors.StoreIOError("failed to write status", err)
	}

	s.mu.Lock()
	if s.lastStatus.CanAdvanceTo(status) {
		s.lastStatus = status
	}
	s.mu.Unlock()
	s.emit(StatusChangedEvent{Status: status})
	return nil
}

// MarkRinging records that the invite reached the callee's device. The
// waiting to ringing transition is caller-only bookkeeping.
func (s *Session) MarkRinging(ctx context.Context) error {
	return s.writeStatus(ctx, domain.StatusRinging, nil)
}

// updateOwnParticipant merges fields into this side's participant entry
func (s *Session) updateOwnParticipant(fields map[string]any) {
	update := make(map[string]any, len(fields))
	for k, v := range fields {
		update["participants."+s.selfID+"."+k] = v
	}
	if err := s.store.Update(s.ctx, s.callID, update); err != nil {
		s.log.Debug("failed to update own participant entry", zap.Error(err))
	}
}

// RebuildTransport closes and recreates the peer connection in place,
// re-attaching local media. The caller side re-issues a fresh offer;
// the callee re-arms its offer guard and waits for the caller's new
// offer instead.
func (s *Session) RebuildTransport(ctx context.Context) error {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return errors.CallEndedError()
	}
	s.rebuilding = true
	old := s.pc
	media := s.localMedia
	s.answerProcessed = false
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	err := s.buildTransport()
	s.mu.Lock()
	s.rebuilding = false
	pc := s.pc
	s.mu.Unlock()
	if err != nil {
		return errors.TransportFailedError(err)
	}

	if media != nil {
		if attachErr := pc.AttachLocalMedia(media); attachErr != nil {
			return errors.TransportFailedError(attachErr)
		}
	}

	if s.role == domain.RoleCaller {
		s.createAndSendOffer()
	} else {
		s.ResetOfferGuard()
	}
	s.log.Info("transport rebuilt")
	return nil
}

// EndCall writes the terminal status and tears the session down. Safe
// to call from any trigger point; only the first write goes out.
func (s *Session) EndCall(ctx context.Context) {
	s.mu.Lock()
	alreadyTerminal := s.lastStatus.IsTerminal() || s.cleaned
	s.mu.Unlock()

	if !alreadyTerminal {
		err := s.writeStatus(ctx, domain.StatusEnded, map[string]any{
			"ended_at": ServerTimestamp,
			"participants." + s.selfID + ".left_at": ServerTimestamp,
		})
		if err != nil {
			s.log.Warn("failed to write ended status", zap.Error(err))
		}
	}
	s.Cleanup()
}

// Fail marks the call record with the terminal error status and tears
// the session down.
func (s *Session) Fail(ctx context.Context) {
	s.mu.Lock()
	cleaned := s.cleaned
	s.mu.Unlock()

	if !cleaned {
		err := s.writeStatus(ctx, domain.StatusError, map[string]any{
			"ended_at": ServerTimestamp,
		})
		if err != nil {
			s.log.Warn("failed to write error status", zap.Error(err))
		}
	}
	s.Cleanup()
}

// Cleanup releases every subscription, cancels all timers, and closes
// the transport. Idempotent: any number of trigger points may call it.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	subs := s.subs
	recordSub := s.recordSub
	pc := s.pc
	media := s.localMedia
	monitorCancel := s.monitorCancel
	pingCancel := s.pingCancel
	s.subs = nil
	s.recordSub = nil
	s.mu.Unlock()

	s.cancel()
	if monitorCancel != nil {
		monitorCancel()
	}
	if pingCancel != nil {
		pingCancel()
	}
	if recordSub != nil {
		recordSub.Release()
	}
	for _, sub := range subs {
		sub.Release()
	}
	if pc != nil {
		_ = pc.Close()
	}
	if media != nil {
		media.Release()
	}
	s.log.Info("session cleaned up")
}

func (s *Session) trackSub(sub Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) trackRecordSub(sub Subscription) {
	s.mu.Lock()
	s.recordSub = sub
	s.mu.Unlock()
}

// emit delivers an event to the orchestrator unless the session is
// already torn down. A full buffer drops the event rather than block a
// store callback.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	cleaned := s.cleaned
	s.mu.Unlock()
	if cleaned {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping event")
	}
}
