package call

import (
	"context"
	"sync"
	"time"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
)

// testConfig returns the canonical configuration shrunk to test speed
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NoAnswerTimeout = time.Hour
	cfg.AutoDeclineTimeout = time.Hour
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 4 * time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.MonitorMaxChecks = 5
	cfg.PingInterval = time.Hour
	cfg.CandidateRetryDelay = 10 * time.Millisecond
	return cfg
}

// fakeTransport is a scriptable PeerConnection
type fakeTransport struct {
	mu             sync.Mutex
	callbacks      TransportCallbacks
	remoteDesc     *domain.SessionDescription
	setRemoteCalls int
	offersCreated  int
	answersCreated int
	candidates     []domain.IceCandidate
	state          domain.ConnectionState
	iceState       domain.ConnectionState
	closed         bool
	attachedMedia  MediaStream
	offerErr       error
	answerErr      error
}

func (f *fakeTransport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return domain.SessionDescription{}, f.offerErr
	}
	f.offersCreated++
	return domain.SessionDescription{SDPType: "offer", SDP: "fake-offer"}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return domain.SessionDescription{}, f.answerErr
	}
	f.answersCreated++
	return domain.SessionDescription{SDPType: "answer", SDP: "fake-answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	f.setRemoteCalls++
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc != nil
}

func (f *fakeTransport) AddICECandidate(cand domain.IceCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeTransport) AttachLocalMedia(stream MediaStream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachedMedia = stream
	return nil
}

func (f *fakeTransport) ConnectionState() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return domain.ConnStateNew
	}
	return f.state
}

func (f *fakeTransport) ICEConnectionState() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.iceState == "" {
		return domain.ConnStateNew
	}
	return f.iceState
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fireConnectionState simulates a transport state change callback
func (f *fakeTransport) fireConnectionState(state domain.ConnectionState) {
	f.mu.Lock()
	f.state = state
	cb := f.callbacks.OnConnectionState
	f.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// setState records a transport state without firing the callback, for
// exercising the polling monitor.
func (f *fakeTransport) setState(state domain.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeTransport) remoteSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return ""
	}
	return f.remoteDesc.SDP
}

func (f *fakeTransport) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setRemoteCalls
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

// fakeFactory builds fakeTransports and remembers every generation
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	buildErr   error
}

func (f *fakeFactory) factory() TransportFactory {
	return func(callbacks TransportCallbacks) (PeerConnection, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.buildErr != nil {
			return nil, f.buildErr
		}
		t := &fakeTransport{callbacks: callbacks}
		f.transports = append(f.transports, t)
		return t, nil
	}
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// fakeStream is a fake captured media stream
type fakeStream struct {
	kind     domain.CallType
	mu       sync.Mutex
	released bool
}

func (f *fakeStream) Kind() domain.CallType { return f.kind }

func (f *fakeStream) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeStream) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// fakeMedia captures fake streams; set err to simulate permission
// denial, or gate to delay capture until the channel closes.
type fakeMedia struct {
	err  error
	gate chan struct{}

	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeMedia) Capture(_ context.Context, callType domain.CallType) (MediaStream, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	stream := &fakeStream{kind: callType}
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return stream, nil
}

// fakeBridge records every notification-bridge interaction
type fakeBridge struct {
	mu          sync.Mutex
	invites     []domain.CallInvite
	cancels     []string
	clears      []string
	missed      []string
	onCancelled func()
}

func (f *fakeBridge) SendCallInvite(_ context.Context, invite domain.CallInvite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, invite)
	return nil
}

func (f *fakeBridge) CancelCallInvite(_ context.Context, callID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, callID)
	return nil
}

func (f *fakeBridge) ClearIncomingCall(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, userID)
	return nil
}

func (f *fakeBridge) SendMissedCall(_ context.Context, callerID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missed = append(f.missed, callerID)
	return nil
}

func (f *fakeBridge) ListenForCallCancellation(_ context.Context, _ string, onCancelled func()) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCancelled = onCancelled
	return nopSubscription{}, nil
}

func (f *fakeBridge) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func (f *fakeBridge) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func (f *fakeBridge) missedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.missed)
}

func (f *fakeBridge) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clears)
}

type nopSubscription struct{}

func (nopSubscription) Release() {}

// recordingStore wraps a RecordStore and captures the field keys of
// every record write.
type recordingStore struct {
	RecordStore

	mu     sync.Mutex
	writes []map[string]any
}

func newRecordingStore(inner RecordStore) *recordingStore {
	return &recordingStore{RecordStore: inner}
}

func (r *recordingStore) Merge(ctx context.Context, callID string, fields map[string]any) error {
	r.record(fields)
	return r.RecordStore.Merge(ctx, callID, fields)
}

func (r *recordingStore) Update(ctx context.Context, callID string, fields map[string]any) error {
	r.record(fields)
	return r.RecordStore.Update(ctx, callID, fields)
}

func (r *recordingStore) record(fields map[string]any) {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	r.mu.Lock()
	r.writes = append(r.writes, copied)
	r.mu.Unlock()
}

func (r *recordingStore) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

// wroteField reports whether any captured write touched the given key
func (r *recordingStore) wroteField(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, write := range r.writes {
		if _, ok := write[key]; ok {
			return true
		}
	}
	return false
}
