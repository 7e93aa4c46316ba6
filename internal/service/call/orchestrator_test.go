package call

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
	"peercall-engine/pkg/errors"
)

// orchFixture bundles an orchestrator with its observable fakes
type orchFixture struct {
	orch    *Orchestrator
	store   RecordStore
	bridge  *fakeBridge
	media   *fakeMedia
	factory *fakeFactory

	errs   chan error
	ended  chan struct{}
	states chan domain.ConnectionState
}

func newOrchFixture(t *testing.T, cfg *config.Config, role domain.Role, selfID string, store RecordStore) *orchFixture {
	t.Helper()
	f := &orchFixture{
		store:   store,
		bridge:  &fakeBridge{},
		media:   &fakeMedia{},
		factory: &fakeFactory{},
		errs:    make(chan error, 4),
		ended:   make(chan struct{}, 1),
		states:  make(chan domain.ConnectionState, 16),
	}
	cb := Callbacks{
		OnError: func(err error) { f.errs <- err },
		OnEnded: func() {
			select {
			case f.ended <- struct{}{}:
			default:
			}
		},
		OnConnectionState: func(state domain.ConnectionState) {
			select {
			case f.states <- state:
			default:
			}
		},
	}
	f.orch = NewOrchestrator(cfg, role, selfID, store, f.bridge, f.media, f.factory.factory(), nil, cb)
	t.Cleanup(func() {
		if f.orch.session != nil {
			f.orch.session.Cleanup()
		}
		f.orch.shutdown()
	})
	return f
}

func (f *orchFixture) answerSeen() bool {
	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	return f.orch.answerSeen
}

func (f *orchFixture) pendingOfferSDP() string {
	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	if f.orch.pendingOffer == nil {
		return ""
	}
	return f.orch.pendingOffer.SDP
}

func TestOutgoingMediaPermissionDenied(t *testing.T) {
	store := newRecordingStore(newFakeStore())
	fx := newOrchFixture(t, testConfig(), domain.RoleCaller, "alice", store)
	fx.media.err = stderrors.New("camera access denied")

	_, err := fx.orch.StartOutgoing(context.Background(), OutgoingCall{
		CalleeID: "bob",
		CallType: domain.CallTypeVideo,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	// Permission failures abort before anything touches the store.
	assert.Equal(t, 0, store.writeCount())
	assert.Equal(t, 0, fx.bridge.inviteCount())
}

func TestOutgoingDeliversInviteAndRings(t *testing.T) {
	store := newFakeStore()
	fx := newOrchFixture(t, testConfig(), domain.RoleCaller, "alice", store)

	callID, err := fx.orch.StartOutgoing(context.Background(), OutgoingCall{
		CalleeID:   "bob",
		CallType:   domain.CallTypeAudio,
		CallerName: "Alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, callID)

	require.Equal(t, 1, fx.bridge.inviteCount())
	fx.bridge.mu.Lock()
	invite := fx.bridge.invites[0]
	fx.bridge.mu.Unlock()
	assert.Equal(t, callID, invite.CallID)
	assert.Equal(t, "alice", invite.CallerID)
	assert.Equal(t, "Alice", invite.CallerName)
	assert.Equal(t, "bob", invite.ReceiverID)

	// Ringing is marked only after the invite goes out.
	assert.Equal(t, domain.StatusRinging, store.mustStatus(callID))
}

func TestNoAnswerTimeoutFailsCall(t *testing.T) {
	cfg := testConfig()
	cfg.NoAnswerTimeout = 30 * time.Millisecond
	store := newFakeStore()
	fx := newOrchFixture(t, cfg, domain.RoleCaller, "alice", store)

	callID, err := fx.orch.StartOutgoing(context.Background(), OutgoingCall{
		CalleeID: "bob",
		CallType: domain.CallTypeAudio,
	})
	require.NoError(t, err)

	select {
	case err := <-fx.errs:
		assert.True(t, errors.HasCode(err, errors.ErrCodeCallTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("no-answer timeout never fired")
	}

	require.Eventually(t, func() bool {
		return fx.bridge.cancelCount() == 1 &&
			store.mustStatus(callID) == domain.StatusEnded
	}, time.Second, 5*time.Millisecond)

	select {
	case <-fx.ended:
	case <-time.After(time.Second):
		t.Fatal("call end was never reported")
	}
}

func TestAnswerCancelsNoAnswerTimer(t *testing.T) {
	cfg := testConfig()
	cfg.NoAnswerTimeout = 60 * time.Millisecond
	store := newFakeStore()
	fx := newOrchFixture(t, cfg, domain.RoleCaller, "alice", store)

	callID, err := fx.orch.StartOutgoing(context.Background(), OutgoingCall{
		CalleeID: "bob",
		CallType: domain.CallTypeAudio,
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(context.Background(), callID, map[string]any{
		"status":      string(domain.StatusAnswered),
		"answered_at": ServerTimestamp,
	}))
	require.Eventually(t, fx.answerSeen, time.Second, 5*time.Millisecond)

	time.Sleep(3 * cfg.NoAnswerTimeout)
	assert.Equal(t, 0, fx.bridge.cancelCount())
	select {
	case err := <-fx.errs:
		t.Fatalf("unexpected error after answer: %v", err)
	default:
	}
}

func TestReconnectRebuildsThenExhausts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	store := newFakeStore()
	fx := newOrchFixture(t, cfg, domain.RoleCaller, "alice", store)

	callID, err := fx.orch.StartOutgoing(context.Background(), OutgoingCall{
		CalleeID: "bob",
		CallType: domain.CallTypeVideo,
	})
	require.NoError(t, err)
	require.NoError(t, store.Update(context.Background(), callID, map[string]any{
		"status": string(domain.StatusAnswered),
	}))
	require.Eventually(t, func() bool {
		return store.offerCount(callID) == 1
	}, time.Second, 5*time.Millisecond)

	// Two failures are absorbed by in-place rebuilds, each followed by a
	// fresh offer.
	fx.factory.last().fireConnectionState(domain.ConnStateFailed)
	require.Eventually(t, func() bool { return fx.factory.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return store.offerCount(callID) == 2
	}, time.Second, 5*time.Millisecond)

	fx.factory.last().fireConnectionState(domain.ConnStateFailed)
	require.Eventually(t, func() bool { return fx.factory.count() == 3 }, time.Second, 5*time.Millisecond)

	// The third failure exceeds the budget.
	fx.factory.last().fireConnectionState(domain.ConnStateFailed)
	select {
	case err := <-fx.errs:
		assert.True(t, errors.HasCode(err, errors.ErrCodeReconnectExhausted))
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect exhaustion never surfaced")
	}

	require.Eventually(t, func() bool {
		return store.mustStatus(callID) == domain.StatusError
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, fx.factory.count())
}

func TestDisconnectedTransportEndsCall(t *testing.T) {
	store := newFakeStore()
	fx := newOrchFixture(t, testConfig(), domain.RoleCaller, "alice", store)

	callID, err := fx.orch.StartOutgoing(context.Background(), OutgoingCall{
		CalleeID: "bob",
		CallType: domain.CallTypeAudio,
	})
	require.NoError(t, err)
	require.NoError(t, store.Update(context.Background(), callID, map[string]any{
		"status": string(domain.StatusAnswered),
	}))
	require.Eventually(t, fx.answerSeen, time.Second, 5*time.Millisecond)

	fx.factory.last().fireConnectionState(domain.ConnStateDisconnected)

	require.Eventually(t, func() bool {
		return store.mustStatus(callID) == domain.StatusEnded
	}, time.Second, 5*time.Millisecond)
	// The callee already answered, so no invite cancellation goes out.
	assert.Equal(t, 0, fx.bridge.cancelCount())
	select {
	case <-fx.ended:
	case <-time.After(time.Second):
		t.Fatal("call end was never reported")
	}
}

func TestIncomingBuffersOfferUntilMediaReady(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Merge(context.Background(), "call-1", map[string]any{
		"call_id":   "call-1",
		"status":    string(domain.StatusAnswered),
		"caller_id": "alice",
	}))

	fx := newOrchFixture(t, testConfig(), domain.RoleCallee, "bob", store)
	fx.media.gate = make(chan struct{})

	startDone := make(chan error, 1)
	go func() {
		startDone <- fx.orch.StartIncoming(context.Background(), IncomingCall{
			CallID:   "call-1",
			CallerID: "alice",
			CallType: domain.CallTypeVideo,
		})
	}()

	// Subscriptions go up before media capture completes.
	require.Eventually(t, func() bool {
		return store.offerSubCount("call-1") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.AppendOffer(context.Background(), "call-1", domain.SessionDescription{
		SDPType: "offer", SDP: "offer-1", From: "alice",
	}))
	require.NoError(t, store.AppendOffer(context.Background(), "call-1", domain.SessionDescription{
		SDPType: "offer", SDP: "offer-2", From: "alice",
	}))

	// The buffer holds one offer; the newer one wins.
	require.Eventually(t, func() bool {
		return fx.pendingOfferSDP() == "offer-2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.answerCount("call-1"))

	close(fx.media.gate)
	require.NoError(t, <-startDone)

	require.Eventually(t, func() bool {
		return store.answerCount("call-1") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "offer-2", fx.factory.last().remoteSDP())
	assert.Equal(t, 1, fx.factory.last().remoteCalls())
}

func TestIncomingMediaPermissionEndsCall(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Merge(context.Background(), "call-1", map[string]any{
		"call_id":   "call-1",
		"status":    string(domain.StatusAnswered),
		"caller_id": "alice",
	}))

	fx := newOrchFixture(t, testConfig(), domain.RoleCallee, "bob", store)
	fx.media.err = stderrors.New("microphone access denied")

	err := fx.orch.StartIncoming(context.Background(), IncomingCall{
		CallID:   "call-1",
		CallerID: "alice",
		CallType: domain.CallTypeAudio,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	assert.Equal(t, domain.StatusEnded, store.mustStatus("call-1"))
}

func TestRemoteCancellationTearsDown(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Merge(context.Background(), "call-1", map[string]any{
		"call_id":   "call-1",
		"status":    string(domain.StatusAnswered),
		"caller_id": "alice",
	}))

	fx := newOrchFixture(t, testConfig(), domain.RoleCallee, "bob", store)
	require.NoError(t, fx.orch.StartIncoming(context.Background(), IncomingCall{
		CallID:   "call-1",
		CallerID: "alice",
		CallType: domain.CallTypeAudio,
	}))

	fx.bridge.mu.Lock()
	onCancelled := fx.bridge.onCancelled
	fx.bridge.mu.Unlock()
	require.NotNil(t, onCancelled)
	onCancelled()

	select {
	case <-fx.ended:
	case <-time.After(time.Second):
		t.Fatal("cancellation never ended the call")
	}
}

// TestCallFlowEndToEnd drives both sides of a call over one shared store:
// invite, accept, offer/answer exchange, connection, and teardown.
func TestCallFlowEndToEnd(t *testing.T) {
	cfg := testConfig()
	store := newFakeStore()
	ctx := context.Background()

	alice := newOrchFixture(t, cfg, domain.RoleCaller, "alice", store)
	bob := newOrchFixture(t, cfg, domain.RoleCallee, "bob", store)

	callID, err := alice.orch.StartOutgoing(ctx, OutgoingCall{
		CalleeID:   "bob",
		CallType:   domain.CallTypeVideo,
		CallerName: "Alice",
	})
	require.NoError(t, err)
	require.Equal(t, 1, alice.bridge.inviteCount())
	require.Equal(t, domain.StatusRinging, store.mustStatus(callID))

	// Bob's device surfaces the invite; accepting hands off to his
	// session only after the answered write is acknowledged.
	gate := NewGate(cfg, callID, "bob", "alice", store, bob.bridge, func(ctx context.Context) {
		require.NoError(t, bob.orch.StartIncoming(ctx, IncomingCall{
			CallID:   callID,
			CallerID: "alice",
			CallType: domain.CallTypeVideo,
		}))
	}, nil)
	gate.Present()
	require.NoError(t, gate.Accept(ctx))

	// Exactly one offer and one answer cross the store.
	require.Eventually(t, func() bool {
		return store.offerCount(callID) == 1 && store.answerCount(callID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return alice.factory.last().remoteCalls() == 1
	}, time.Second, 5*time.Millisecond)

	// Both transports come up.
	alice.factory.last().fireConnectionState(domain.ConnStateConnected)
	bob.factory.last().fireConnectionState(domain.ConnStateConnected)
	require.Eventually(t, func() bool {
		return store.mustStatus(callID) == domain.StatusConnected
	}, time.Second, 5*time.Millisecond)

	// Bob hangs up; Alice's side notices through her dying transport.
	bob.orch.EndCall(ctx)
	require.Equal(t, domain.StatusEnded, store.mustStatus(callID))
	alice.factory.last().fireConnectionState(domain.ConnStateDisconnected)

	for _, fx := range []*orchFixture{alice, bob} {
		select {
		case <-fx.ended:
		case <-time.After(time.Second):
			t.Fatal("call end was never reported")
		}
	}
	assert.Equal(t, 0, alice.bridge.cancelCount())
}
