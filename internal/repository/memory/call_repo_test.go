package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-engine/internal/domain"
	"peercall-engine/internal/service/call"
	"peercall-engine/pkg/errors"
)

func TestMergeCreatesAndUpdates(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	err := store.Merge(ctx, "call-1", map[string]any{
		"call_id":     "call-1",
		"status":      "waiting",
		"caller_id":   "alice",
		"receiver_id": "bob",
		"call_type":   "video",
		"created_at":  call.ServerTimestamp,
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, rec.Status)
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.ReceiverID)
	assert.Equal(t, domain.CallTypeVideo, rec.CallType)
	require.NotNil(t, rec.CreatedAt)

	// A second merge only touches the named fields.
	require.NoError(t, store.Merge(ctx, "call-1", map[string]any{"status": "ringing"}))
	rec, err = store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRinging, rec.Status)
	assert.Equal(t, "alice", rec.CallerID)
}

func TestUpdateMissingRecordFails(t *testing.T) {
	store := NewCallStore()

	err := store.Update(context.Background(), "nope", map[string]any{"status": "ended"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))
}

func TestDottedParticipantPaths(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "call-1", map[string]any{"call_id": "call-1"}))
	require.NoError(t, store.Update(ctx, "call-1", map[string]any{
		"participants.bob.connection_state": "connected",
		"participants.bob.joined_at":        call.ServerTimestamp,
	}))

	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	p, ok := rec.Participants["bob"]
	require.True(t, ok)
	assert.Equal(t, "connected", p.ConnectionState)
	assert.NotNil(t, p.JoinedAt)
}

func TestSubscribeRecordReplaysAndNotifies(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "call-1", map[string]any{"status": "waiting"}))

	var mu sync.Mutex
	var seen []domain.CallStatus
	sub, err := store.SubscribeRecord(ctx, "call-1", func(rec *domain.CallRecord) {
		mu.Lock()
		seen = append(seen, rec.Status)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Release()

	// Current snapshot is replayed on subscribe.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == domain.StatusWaiting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Update(ctx, "call-1", map[string]any{"status": "ringing"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[1] == domain.StatusRinging
	}, time.Second, 5*time.Millisecond)
}

func TestReleasedSubscriptionStopsDelivery(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "call-1", map[string]any{"status": "waiting"}))

	var mu sync.Mutex
	count := 0
	sub, err := store.SubscribeRecord(ctx, "call-1", func(*domain.CallRecord) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	sub.Release()
	require.NoError(t, store.Update(ctx, "call-1", map[string]any{"status": "ringing"}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestSubCollectionReplayAndAppend(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	require.NoError(t, store.AppendOffer(ctx, "call-1", domain.SessionDescription{
		SDPType: "offer", SDP: "sdp-1", From: "alice",
	}))

	var mu sync.Mutex
	var offers []domain.SessionDescription
	sub, err := store.SubscribeOffers(ctx, "call-1", func(desc domain.SessionDescription) {
		mu.Lock()
		offers = append(offers, desc)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Release()

	// The pre-existing offer is replayed, and timestamps are stamped.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(offers) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "sdp-1", offers[0].SDP)
	assert.NotNil(t, offers[0].Timestamp)
	mu.Unlock()

	require.NoError(t, store.AppendOffer(ctx, "call-1", domain.SessionDescription{
		SDPType: "offer", SDP: "sdp-2", From: "alice",
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(offers) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCandidateFanOut(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		sub, err := store.SubscribeCandidates(ctx, "call-1", func(domain.IceCandidate) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
		require.NoError(t, err)
		defer sub.Release()
	}

	require.NoError(t, store.AppendCandidate(ctx, "call-1", domain.IceCandidate{
		Candidate: "candidate:1", From: "alice",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"] == 1 && counts["b"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "call-1", map[string]any{
		"status": "waiting",
		"participants.alice.connection_state": "new",
	}))

	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	rec.Status = domain.StatusEnded
	rec.Participants["alice"] = domain.ParticipantStatus{ConnectionState: "failed"}

	fresh, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, fresh.Status)
	assert.Equal(t, "new", fresh.Participants["alice"].ConnectionState)
}
