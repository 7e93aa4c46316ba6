package call

import (
	"context"
	"strings"
	"sync"
	"time"

	"peercall-engine/internal/domain"
	"peercall-engine/pkg/errors"
)

// fakeStore is a synchronous in-package RecordStore: every write invokes
// the matching subscribers on the writer's goroutine before returning,
// which makes the signaling exchange deterministic under test.
type fakeStore struct {
	mu         sync.Mutex
	records    map[string]*domain.CallRecord
	offers     map[string][]domain.SessionDescription
	answers    map[string][]domain.SessionDescription
	candidates map[string][]domain.IceCandidate

	nextSubID   int
	recordSubs  map[string]map[int]func(*domain.CallRecord)
	offerSubs   map[string]map[int]func(domain.SessionDescription)
	answerSubs  map[string]map[int]func(domain.SessionDescription)
	candSubs    map[string]map[int]func(domain.IceCandidate)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    map[string]*domain.CallRecord{},
		offers:     map[string][]domain.SessionDescription{},
		answers:    map[string][]domain.SessionDescription{},
		candidates: map[string][]domain.IceCandidate{},
		recordSubs: map[string]map[int]func(*domain.CallRecord){},
		offerSubs:  map[string]map[int]func(domain.SessionDescription){},
		answerSubs: map[string]map[int]func(domain.SessionDescription){},
		candSubs:   map[string]map[int]func(domain.IceCandidate){},
	}
}

type fakeStoreSub struct {
	release func()
	once    sync.Once
}

func (s *fakeStoreSub) Release() {
	s.once.Do(s.release)
}

func (f *fakeStore) Merge(_ context.Context, callID string, fields map[string]any) error {
	f.mu.Lock()
	rec, ok := f.records[callID]
	if !ok {
		rec = &domain.CallRecord{CallID: callID, Participants: map[string]domain.ParticipantStatus{}}
		f.records[callID] = rec
	}
	for key, value := range fields {
		f.applyField(rec, key, value)
	}
	f.mu.Unlock()

	f.notifyRecord(callID)
	return nil
}

func (f *fakeStore) Update(_ context.Context, callID string, fields map[string]any) error {
	f.mu.Lock()
	rec, ok := f.records[callID]
	if !ok {
		f.mu.Unlock()
		return errors.CallNotFoundError()
	}
	for key, value := range fields {
		f.applyField(rec, key, value)
	}
	f.mu.Unlock()

	f.notifyRecord(callID)
	return nil
}

func (f *fakeStore) Get(_ context.Context, callID string) (*domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	return cloneCallRecord(rec), nil
}

func (f *fakeStore) SubscribeRecord(_ context.Context, callID string, onChange func(*domain.CallRecord)) (Subscription, error) {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.recordSubs[callID] == nil {
		f.recordSubs[callID] = map[int]func(*domain.CallRecord){}
	}
	f.recordSubs[callID][id] = onChange
	var snapshot *domain.CallRecord
	if rec, ok := f.records[callID]; ok {
		snapshot = cloneCallRecord(rec)
	}
	f.mu.Unlock()

	if snapshot != nil {
		onChange(snapshot)
	}
	return &fakeStoreSub{release: func() {
		f.mu.Lock()
		delete(f.recordSubs[callID], id)
		f.mu.Unlock()
	}}, nil
}

func (f *fakeStore) AppendOffer(_ context.Context, callID string, desc domain.SessionDescription) error {
	now := time.Now()
	desc.Timestamp = &now
	f.mu.Lock()
	f.offers[callID] = append(f.offers[callID], desc)
	subs := collectSubs(f.offerSubs[callID])
	f.mu.Unlock()
	for _, fn := range subs {
		fn(desc)
	}
	return nil
}

func (f *fakeStore) AppendAnswer(_ context.Context, callID string, desc domain.SessionDescription) error {
	now := time.Now()
	desc.Timestamp = &now
	f.mu.Lock()
	f.answers[callID] = append(f.answers[callID], desc)
	subs := collectSubs(f.answerSubs[callID])
	f.mu.Unlock()
	for _, fn := range subs {
		fn(desc)
	}
	return nil
}

func (f *fakeStore) AppendCandidate(_ context.Context, callID string, cand domain.IceCandidate) error {
	now := time.Now()
	cand.Timestamp = &now
	f.mu.Lock()
	f.candidates[callID] = append(f.candidates[callID], cand)
	subs := collectSubs(f.candSubs[callID])
	f.mu.Unlock()
	for _, fn := range subs {
		fn(cand)
	}
	return nil
}

func (f *fakeStore) SubscribeOffers(_ context.Context, callID string, onOffer func(domain.SessionDescription)) (Subscription, error) {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.offerSubs[callID] == nil {
		f.offerSubs[callID] = map[int]func(domain.SessionDescription){}
	}
	f.offerSubs[callID][id] = onOffer
	existing := append([]domain.SessionDescription(nil), f.offers[callID]...)
	f.mu.Unlock()

	for _, desc := range existing {
		onOffer(desc)
	}
	return &fakeStoreSub{release: func() {
		f.mu.Lock()
		delete(f.offerSubs[callID], id)
		f.mu.Unlock()
	}}, nil
}

func (f *fakeStore) SubscribeAnswers(_ context.Context, callID string, onAnswer func(domain.SessionDescription)) (Subscription, error) {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.answerSubs[callID] == nil {
		f.answerSubs[callID] = map[int]func(domain.SessionDescription){}
	}
	f.answerSubs[callID][id] = onAnswer
	existing := append([]domain.SessionDescription(nil), f.answers[callID]...)
	f.mu.Unlock()

	for _, desc := range existing {
		onAnswer(desc)
	}
	return &fakeStoreSub{release: func() {
		f.mu.Lock()
		delete(f.answerSubs[callID], id)
		f.mu.Unlock()
	}}, nil
}

func (f *fakeStore) SubscribeCandidates(_ context.Context, callID string, onCandidate func(domain.IceCandidate)) (Subscription, error) {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	if f.candSubs[callID] == nil {
		f.candSubs[callID] = map[int]func(domain.IceCandidate){}
	}
	f.candSubs[callID][id] = onCandidate
	existing := append([]domain.IceCandidate(nil), f.candidates[callID]...)
	f.mu.Unlock()

	for _, cand := range existing {
		onCandidate(cand)
	}
	return &fakeStoreSub{release: func() {
		f.mu.Lock()
		delete(f.candSubs[callID], id)
		f.mu.Unlock()
	}}, nil
}

func (f *fakeStore) notifyRecord(callID string) {
	f.mu.Lock()
	rec := f.records[callID]
	subs := collectSubs(f.recordSubs[callID])
	snapshot := cloneCallRecord(rec)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(cloneCallRecord(snapshot))
	}
}

// applyField mutates rec in place; f.mu is held
func (f *fakeStore) applyField(rec *domain.CallRecord, key string, value any) {
	if strings.HasPrefix(key, "participants.") {
		parts := strings.SplitN(key, ".", 3)
		if len(parts) == 3 {
			f.applyParticipantField(rec, parts[1], parts[2], value)
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
		rec.CreatedAt = resolveFakeTime(value)
	case "answered_at":
		rec.AnsweredAt = resolveFakeTime(value)
	case "ended_at":
		rec.EndedAt = resolveFakeTime(value)
	case "participants":
		if entries, ok := value.(map[string]any); ok {
			for id, entry := range entries {
				if fields, ok := entry.(map[string]any); ok {
					for k, v := range fields {
						f.applyParticipantField(rec, id, k, v)
					}
				}
			}
		}
	}
}

func (f *fakeStore) applyParticipantField(rec *domain.CallRecord, id, key string, value any) {
	if rec.Participants == nil {
		rec.Participants = map[string]domain.ParticipantStatus{}
	}
	p := rec.Participants[id]
	switch key {
	case "connection_state":
		p.ConnectionState, _ = value.(string)
	case "joined_at":
		p.JoinedAt = resolveFakeTime(value)
	case "left_at":
		p.LeftAt = resolveFakeTime(value)
	case "rejected_at":
		p.RejectedAt = resolveFakeTime(value)
	case "last_ping":
		p.LastPing = resolveFakeTime(value)
	}
	rec.Participants[id] = p
}

func resolveFakeTime(value any) *time.Time {
	switch v := value.(type) {
	case *time.Time:
		return v
	case time.Time:
		return &v
	default:
		now := time.Now()
		return &now
	}
}

func cloneCallRecord(rec *domain.CallRecord) *domain.CallRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Participants = make(map[string]domain.ParticipantStatus, len(rec.Participants))
	for id, p := range rec.Participants {
		out.Participants[id] = p
	}
	return &out
}

func collectSubs[T any](m map[int]T) []T {
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func (f *fakeStore) offerCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers[callID])
}

func (f *fakeStore) answerCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers[callID])
}

func (f *fakeStore) offerSubCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offerSubs[callID])
}

func (f *fakeStore) mustStatus(callID string) domain.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return ""
	}
	return rec.Status
}
