package call

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
	"peercall-engine/pkg/errors"
	"peercall-engine/pkg/logger"
	"peercall-engine/pkg/metrics"
)

// Manager tracks this agent's live call attempts: at most one
// orchestrator per call ID, plus the acceptance gates of calls still
// ringing. It is the driving surface for HTTP and for invite delivery.
type Manager struct {
	cfg     *config.Config
	selfID  string
	store   RecordStore
	bridge  NotificationBridge
	media   MediaDevice
	factory TransportFactory
	metrics *metrics.CallMetrics
	cb      Callbacks
	log     *zap.Logger

	mu     sync.Mutex
	active map[string]*Orchestrator
	gates  map[string]*Gate
}

// NewManager creates a call manager for one local user. metrics may be
// nil; cb hooks are shared by every call the manager runs.
func NewManager(cfg *config.Config, selfID string, store RecordStore, bridge NotificationBridge, media MediaDevice, factory TransportFactory, m *metrics.CallMetrics, cb Callbacks) *Manager {
	return &Manager{
		cfg:     cfg,
		selfID:  selfID,
		store:   store,
		bridge:  bridge,
		media:   media,
		factory: factory,
		metrics: m,
		cb:      cb,
		log:     logger.With(zap.String("self_id", selfID)),
		active:  make(map[string]*Orchestrator),
	}
}

// Initiate starts an outgoing call and returns its call ID
func (m *Manager) Initiate(ctx context.Context, out OutgoingCall) (string, error) {
	orch := m.newOrchestrator(domain.RoleCaller)

	callID, err := orch.StartOutgoing(ctx, out)
	if err != nil {
		return "", err
	}

	m.track(callID, orch)
	return callID, nil
}

// PresentIncoming surfaces a ringing call and returns its gate. Accept
// hands off into a callee orchestrator; Decline and the auto-decline
// timer write the terminal status. Presenting the same call twice
// returns the existing gate.
func (m *Manager) PresentIncoming(invite domain.CallInvite) *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gates == nil {
		m.gates = make(map[string]*Gate)
	}
	if gate, ok := m.gates[invite.CallID]; ok {
		return gate
	}

	gate := NewGate(m.cfg, invite.CallID, m.selfID, invite.CallerID, m.store, m.bridge,
		func(ctx context.Context) {
			m.startAccepted(ctx, invite)
		},
		func() {
			m.dropGate(invite.CallID)
		},
	)
	m.gates[invite.CallID] = gate
	gate.Present()
	return gate
}

// Gate returns the ringing gate for a call, if one is still pending
func (m *Manager) Gate(callID string) (*Gate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate, ok := m.gates[callID]
	return gate, ok
}

// HangUp ends an active call owned by this agent
func (m *Manager) HangUp(ctx context.Context, callID string) error {
	m.mu.Lock()
	orch, ok := m.active[callID]
	m.mu.Unlock()
	if !ok {
		return errors.CallNotFoundError()
	}
	orch.EndCall(ctx)
	return nil
}

// Get reads the current call record from the store
func (m *Manager) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	return m.store.Get(ctx, callID)
}

// ActiveCalls returns the IDs of calls this manager is running
func (m *Manager) ActiveCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown ends every active call, typically on process exit
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	orchestrators := make([]*Orchestrator, 0, len(m.active))
	for _, orch := range m.active {
		orchestrators = append(orchestrators, orch)
	}
	m.mu.Unlock()

	for _, orch := range orchestrators {
		orch.EndCall(ctx)
	}
}

// startAccepted runs the callee startup after the gate's status write
func (m *Manager) startAccepted(ctx context.Context, invite domain.CallInvite) {
	m.dropGate(invite.CallID)

	orch := m.newOrchestrator(domain.RoleCallee)
	if err := orch.StartIncoming(ctx, IncomingCall{
		CallID:   invite.CallID,
		CallerID: invite.CallerID,
		CallType: invite.CallType,
	}); err != nil {
		m.log.Error("failed to start accepted call",
			zap.String("call_id", invite.CallID), zap.Error(err))
		return
	}
	m.track(invite.CallID, orch)
}

// newOrchestrator builds an orchestrator whose OnEnded untracks the
// call before the shared hook fires.
func (m *Manager) newOrchestrator(role domain.Role) *Orchestrator {
	var orch *Orchestrator
	cb := m.cb
	onEnded := cb.OnEnded
	cb.OnEnded = func() {
		if s := orch.Session(); s != nil {
			m.untrack(s.CallID())
		}
		if onEnded != nil {
			onEnded()
		}
	}
	orch = NewOrchestrator(m.cfg, role, m.selfID, m.store, m.bridge, m.media, m.factory, m.metrics, cb)
	return orch
}

func (m *Manager) track(callID string, orch *Orchestrator) {
	m.mu.Lock()
	m.active[callID] = orch
	m.mu.Unlock()
}

func (m *Manager) untrack(callID string) {
	m.mu.Lock()
	delete(m.active, callID)
	m.mu.Unlock()
}

func (m *Manager) dropGate(callID string) {
	m.mu.Lock()
	delete(m.gates, callID)
	m.mu.Unlock()
}
