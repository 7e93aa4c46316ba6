// Package firestore implements the call record store on Cloud
// Firestore. A call is one document in the calls collection; offers,
// answers, and candidates live in sub-collections beneath it. All
// writes are field merges; listeners ride Firestore's snapshot streams.
package firestore

import (
	"context"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/zap"

	"peercall-engine/internal/domain"
	"peercall-engine/internal/service/call"
	"peercall-engine/pkg/constants"
	"peercall-engine/pkg/errors"
	"peercall-engine/pkg/logger"
)

// CallStore is a Firestore-backed implementation of call.RecordStore
type CallStore struct {
	client     *firestore.Client
	collection string
}

// NewCallStore creates a call store on the given Firestore client.
// collection is the top-level collection holding call documents.
func NewCallStore(client *firestore.Client, collection string) *CallStore {
	return &CallStore{
		client:     client,
		collection: collection,
	}
}

func (s *CallStore) doc(callID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(callID)
}

// Merge creates the call document if absent and merges fields into it
func (s *CallStore) Merge(ctx context.Context, callID string, fields map[string]any) error {
	_, err := s.doc(callID).Set(ctx, translateFields(fields), firestore.MergeAll)
	if err != nil {
		return errors.StoreIOError("firestore merge failed", err)
	}
	return nil
}

// Update merges dotted-path fields into an existing call document
func (s *CallStore) Update(ctx context.Context, callID string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, firestore.Update{
			Path:  path,
			Value: translateValue(value),
		})
	}
	_, err := s.doc(callID).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errors.CallNotFoundError()
		}
		return errors.StoreIOError("firestore update failed", err)
	}
	return nil
}

// Get reads the current call document
func (s *CallStore) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	snap, err := s.doc(callID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.CallNotFoundError()
		}
		return nil, errors.StoreIOError("firestore get failed", err)
	}
	var rec domain.CallRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, errors.StoreIOError("failed to decode call record", err)
	}
	return &rec, nil
}

// SubscribeRecord streams document snapshots to onChange until released
func (s *CallStore) SubscribeRecord(ctx context.Context, callID string, onChange func(*domain.CallRecord)) (call.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	iter := s.doc(callID).Snapshots(streamCtx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("call record snapshot stream ended",
						zap.String("call_id", callID), zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var rec domain.CallRecord
			if err := snap.DataTo(&rec); err != nil {
				logger.Warn("failed to decode call record snapshot",
					zap.String("call_id", callID), zap.Error(err))
				continue
			}
			onChange(&rec)
		}
	}()

	return &streamSubscription{cancel: cancel, stop: iter.Stop}, nil
}

// AppendOffer adds an offer document under the call
func (s *CallStore) AppendOffer(ctx context.Context, callID string, desc domain.SessionDescription) error {
	return s.appendDescription(ctx, callID, constants.CollectionOffers, desc)
}

// AppendAnswer adds an answer document under the call
func (s *CallStore) AppendAnswer(ctx context.Context, callID string, desc domain.SessionDescription) error {
	return s.appendDescription(ctx, callID, constants.CollectionAnswers, desc)
}

func (s *CallStore) appendDescription(ctx context.Context, callID, collection string, desc domain.SessionDescription) error {
	_, _, err := s.doc(callID).Collection(collection).Add(ctx, map[string]any{
		"sdp_type":  desc.SDPType,
		"sdp":       desc.SDP,
		"from":      desc.From,
		"timestamp": firestore.ServerTimestamp,
	})
	if err != nil {
		return errors.StoreIOError("firestore append failed", err)
	}
	return nil
}

// AppendCandidate adds a candidate document under the call
func (s *CallStore) AppendCandidate(ctx context.Context, callID string, cand domain.IceCandidate) error {
	_, _, err := s.doc(callID).Collection(constants.CollectionCandidates).Add(ctx, map[string]any{
		"candidate":       cand.Candidate,
		"sdp_mid":         cand.SDPMid,
		"sdp_mline_index": cand.SDPMLineIndex,
		"from":            cand.From,
		"timestamp":       firestore.ServerTimestamp,
	})
	if err != nil {
		return errors.StoreIOError("firestore append failed", err)
	}
	return nil
}

// SubscribeOffers streams added offer documents to onAdded
func (s *CallStore) SubscribeOffers(ctx context.Context, callID string, onAdded func(domain.SessionDescription)) (call.Subscription, error) {
	return s.subscribeDescriptions(ctx, callID, constants.CollectionOffers, onAdded)
}

// SubscribeAnswers streams added answer documents to onAdded
func (s *CallStore) SubscribeAnswers(ctx context.Context, callID string, onAdded func(domain.SessionDescription)) (call.Subscription, error) {
	return s.subscribeDescriptions(ctx, callID, constants.CollectionAnswers, onAdded)
}

func (s *CallStore) subscribeDescriptions(ctx context.Context, callID, collection string, onAdded func(domain.SessionDescription)) (call.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	iter := s.doc(callID).Collection(collection).Snapshots(streamCtx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("sub-collection snapshot stream ended",
						zap.String("call_id", callID),
						zap.String("collection", collection),
						zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				var desc domain.SessionDescription
				if err := change.Doc.DataTo(&desc); err != nil {
					logger.Warn("failed to decode description document",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				onAdded(desc)
			}
		}
	}()

	return &streamSubscription{cancel: cancel, stop: iter.Stop}, nil
}

// SubscribeCandidates streams added candidate documents to onAdded
func (s *CallStore) SubscribeCandidates(ctx context.Context, callID string, onAdded func(domain.IceCandidate)) (call.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	iter := s.doc(callID).Collection(constants.CollectionCandidates).Snapshots(streamCtx)

	go func() {
		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("candidate snapshot stream ended",
						zap.String("call_id", callID), zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				var cand domain.IceCandidate
				if err := change.Doc.DataTo(&cand); err != nil {
					logger.Warn("failed to decode candidate document",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				onAdded(cand)
			}
		}
	}()

	return &streamSubscription{cancel: cancel, stop: iter.Stop}, nil
}

// streamSubscription releases one snapshot stream exactly once
type streamSubscription struct {
	cancel context.CancelFunc
	stop   func()
	once   sync.Once
}

// Release stops the underlying snapshot stream
func (s *streamSubscription) Release() {
	s.once.Do(func() {
		s.cancel()
		s.stop()
	})
}

// translateFields maps the engine's server-timestamp sentinel to the
// Firestore sentinel, recursing into nested maps.
func translateFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = translateValue(v)
	}
	return out
}

func translateValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return translateFields(v)
	default:
		if value == call.ServerTimestamp {
			return firestore.ServerTimestamp
		}
	}
	return value
}
