// Package memory provides an in-process CallRecordStore used by tests
// and by the agent's credential-free local mode. It mirrors the
// document-store contract: last-write-wins field merges, append-only
// sub-collections, and asynchronous snapshot listeners that may replay
// the current state on subscribe.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"peercall-engine/internal/domain"
	"peercall-engine/internal/service/call"
	"peercall-engine/pkg/errors"
)

// CallStore is an in-memory implementation of call.RecordStore
type CallStore struct {
	mu         sync.Mutex
	records    map[string]*domain.CallRecord
	offers     map[string][]domain.SessionDescription
	answers    map[string][]domain.SessionDescription
	candidates map[string][]domain.IceCandidate

	recordSubs    map[string][]*subscription
	offerSubs     map[string][]*subscription
	answerSubs    map[string][]*subscription
	candidateSubs map[string][]*subscription
}

// NewCallStore creates an empty in-memory call store
func NewCallStore() *CallStore {
	return &CallStore{
		records:       make(map[string]*domain.CallRecord),
		offers:        make(map[string][]domain.SessionDescription),
		answers:       make(map[string][]domain.SessionDescription),
		candidates:    make(map[string][]domain.IceCandidate),
		recordSubs:    make(map[string][]*subscription),
		offerSubs:     make(map[string][]*subscription),
		answerSubs:    make(map[string][]*subscription),
		candidateSubs: make(map[string][]*subscription),
	}
}

// subscription pumps listener callbacks on its own goroutine so a
// callback that writes back into the store cannot deadlock it.
type subscription struct {
	ch   chan func()
	done chan struct{}
	once sync.Once

	onRecord      func(*domain.CallRecord)
	onDescription func(domain.SessionDescription)
	onCandidate   func(domain.IceCandidate)
}

func newSubscription() *subscription {
	s := &subscription{
		ch:   make(chan func(), 64),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.ch:
			fn()
		}
	}
}

func (s *subscription) deliver(fn func()) {
	select {
	case <-s.done:
	case s.ch <- fn:
	default:
		// Listener fell too far behind; drop the event like a real
		// at-least-once store would under cache invalidation.
	}
}

// Release stops delivery; pending callbacks are discarded
func (s *subscription) Release() {
	s.once.Do(func() { close(s.done) })
}

// Merge creates the record if absent and merges fields into it
func (m *CallStore) Merge(_ context.Context, callID string, fields map[string]any) error {
	m.mu.Lock()
	rec, ok := m.records[callID]
	if !ok {
		rec = &domain.CallRecord{
			CallID:       callID,
			Participants: make(map[string]domain.ParticipantStatus),
		}
		m.records[callID] = rec
	}
	for key, value := range fields {
		applyField(rec, key, value)
	}
	snapshot := cloneRecord(rec)
	subs := append([]*subscription(nil), m.recordSubs[callID]...)
	m.mu.Unlock()

	notifyRecord(subs, snapshot)
	return nil
}

// Update merges fields into an existing record, failing when absent
func (m *CallStore) Update(_ context.Context, callID string, fields map[string]any) error {
	m.mu.Lock()
	rec, ok := m.records[callID]
	if !ok {
		m.mu.Unlock()
		return errors.CallNotFoundError()
	}
	for key, value := range fields {
		applyField(rec, key, value)
	}
	snapshot := cloneRecord(rec)
	subs := append([]*subscription(nil), m.recordSubs[callID]...)
	m.mu.Unlock()

	notifyRecord(subs, snapshot)
	return nil
}

// Get returns a copy of the current record snapshot
func (m *CallStore) Get(_ context.Context, callID string) (*domain.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	return cloneRecord(rec), nil
}

// SubscribeRecord registers a listener and replays the current snapshot
func (m *CallStore) SubscribeRecord(_ context.Context, callID string, onChange func(*domain.CallRecord)) (call.Subscription, error) {
	sub := newSubscription()
	sub.onRecord = onChange
	m.mu.Lock()
	m.recordSubs[callID] = append(m.recordSubs[callID], sub)
	var snapshot *domain.CallRecord
	if rec, ok := m.records[callID]; ok {
		snapshot = cloneRecord(rec)
	}
	m.mu.Unlock()

	if snapshot != nil {
		sub.deliver(func() { onChange(snapshot) })
	}
	return sub, nil
}

// AppendOffer appends to the offers sub-collection
func (m *CallStore) AppendOffer(_ context.Context, callID string, desc domain.SessionDescription) error {
	stamp(&desc.Timestamp)
	m.mu.Lock()
	m.offers[callID] = append(m.offers[callID], desc)
	subs := append([]*subscription(nil), m.offerSubs[callID]...)
	m.mu.Unlock()

	for _, sub := range subs {
		notifyDescription(sub, desc)
	}
	return nil
}

// AppendAnswer appends to the answers sub-collection
func (m *CallStore) AppendAnswer(_ context.Context, callID string, desc domain.SessionDescription) error {
	stamp(&desc.Timestamp)
	m.mu.Lock()
	m.answers[callID] = append(m.answers[callID], desc)
	subs := append([]*subscription(nil), m.answerSubs[callID]...)
	m.mu.Unlock()

	for _, sub := range subs {
		notifyDescription(sub, desc)
	}
	return nil
}

// AppendCandidate appends to the candidates sub-collection
func (m *CallStore) AppendCandidate(_ context.Context, callID string, cand domain.IceCandidate) error {
	stamp(&cand.Timestamp)
	m.mu.Lock()
	m.candidates[callID] = append(m.candidates[callID], cand)
	subs := append([]*subscription(nil), m.candidateSubs[callID]...)
	m.mu.Unlock()

	for _, sub := range subs {
		notifyCandidate(sub, cand)
	}
	return nil
}

// SubscribeOffers registers a listener, replaying existing offers
func (m *CallStore) SubscribeOffers(_ context.Context, callID string, onAdded func(domain.SessionDescription)) (call.Subscription, error) {
	sub := newSubscription()
	sub.onDescription = onAdded
	m.mu.Lock()
	m.offerSubs[callID] = append(m.offerSubs[callID], sub)
	existing := append([]domain.SessionDescription(nil), m.offers[callID]...)
	m.mu.Unlock()

	for _, desc := range existing {
		notifyDescription(sub, desc)
	}
	return sub, nil
}

// SubscribeAnswers registers a listener, replaying existing answers
func (m *CallStore) SubscribeAnswers(_ context.Context, callID string, onAdded func(domain.SessionDescription)) (call.Subscription, error) {
	sub := newSubscription()
	sub.onDescription = onAdded
	m.mu.Lock()
	m.answerSubs[callID] = append(m.answerSubs[callID], sub)
	existing := append([]domain.SessionDescription(nil), m.answers[callID]...)
	m.mu.Unlock()

	for _, desc := range existing {
		notifyDescription(sub, desc)
	}
	return sub, nil
}

// SubscribeCandidates registers a listener, replaying existing candidates
func (m *CallStore) SubscribeCandidates(_ context.Context, callID string, onAdded func(domain.IceCandidate)) (call.Subscription, error) {
	sub := newSubscription()
	sub.onCandidate = onAdded
	m.mu.Lock()
	m.candidateSubs[callID] = append(m.candidateSubs[callID], sub)
	existing := append([]domain.IceCandidate(nil), m.candidates[callID]...)
	m.mu.Unlock()

	for _, cand := range existing {
		notifyCandidate(sub, cand)
	}
	return sub, nil
}

func notifyRecord(subs []*subscription, snapshot *domain.CallRecord) {
	for _, sub := range subs {
		sub := sub
		sub.deliver(func() {
			if sub.onRecord != nil {
				sub.onRecord(snapshot)
			}
		})
	}
}

func notifyDescription(sub *subscription, desc domain.SessionDescription) {
	sub.deliver(func() {
		if sub.onDescription != nil {
			sub.onDescription(desc)
		}
	})
}

func notifyCandidate(sub *subscription, cand domain.IceCandidate) {
	sub.deliver(func() {
		if sub.onCandidate != nil {
			sub.onCandidate(cand)
		}
	})
}

// stamp resolves a nil timestamp to now, standing in for the store's
// server-assigned timestamp.
func stamp(t **time.Time) {
	if *t == nil {
		now := time.Now()
		*t = &now
	}
}

// applyField merges one field into the record. Keys may be top-level
// names, dotted paths ("participants.<id>.<field>"), or nested maps.
func applyField(rec *domain.CallRecord, key string, value any) {
	if strings.HasPrefix(key, "participants.") {
		parts := strings.SplitN(key, ".", 3)
		if len(parts) == 3 {
			applyParticipantField(rec, parts[1], parts[2], value)
		}
		return
	}

	switch key {
	case "call_id":
		rec.CallID, _ = value.(string)
	case "status":
		if s, ok := value.(string); ok {
			rec.Status = domain.CallStatus(s)
		}
	case "initiated_by":
		rec.InitiatedBy, _ = value.(string)
	case "caller_id":
		rec.CallerID, _ = value.(string)
	case "receiver_id":
		rec.ReceiverID, _ = value.(string)
	case "call_type":
		if s, ok := value.(string); ok {
			rec.CallType = domain.CallType(s)
		}
	case "created_at":
		rec.CreatedAt = resolveTime(value)
	case "answered_at":
		rec.AnsweredAt = resolveTime(value)
	case "ended_at":
		rec.EndedAt = resolveTime(value)
	case "participants":
		if nested, ok := value.(map[string]any); ok {
			for participantID, fields := range nested {
				if pf, ok := fields.(map[string]any); ok {
					for field, v := range pf {
						applyParticipantField(rec, participantID, field, v)
					}
				}
			}
		}
	}
}

func applyParticipantField(rec *domain.CallRecord, participantID, field string, value any) {
	if rec.Participants == nil {
		rec.Participants = make(map[string]domain.ParticipantStatus)
	}
	p := rec.Participants[participantID]
	switch field {
	case "connection_state":
		p.ConnectionState, _ = value.(string)
	case "joined_at":
		p.JoinedAt = resolveTime(value)
	case "left_at":
		p.LeftAt = resolveTime(value)
	case "rejected_at":
		p.RejectedAt = resolveTime(value)
	case "last_ping":
		p.LastPing = resolveTime(value)
	}
	rec.Participants[participantID] = p
}

// resolveTime turns a concrete time or the server-timestamp sentinel
// into a stored timestamp.
func resolveTime(value any) *time.Time {
	switch v := value.(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	default:
		if value == call.ServerTimestamp {
			now := time.Now()
			return &now
		}
	}
	return nil
}

func cloneRecord(rec *domain.CallRecord) *domain.CallRecord {
	clone := *rec
	clone.Participants = make(map[string]domain.ParticipantStatus, len(rec.Participants))
	for id, p := range rec.Participants {
		clone.Participants[id] = p
	}
	return &clone
}
