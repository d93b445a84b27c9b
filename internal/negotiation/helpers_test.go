package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/signaling"
)

// ---------------------------------------------------------------------------
// fakeTrack
// ---------------------------------------------------------------------------

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

// ---------------------------------------------------------------------------
// fakeResource
// ---------------------------------------------------------------------------

// fakeResource records what the session asks of it. Applying a candidate
// before the remote description is recorded as a violation.
type fakeResource struct {
	name string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	applied     []string
	violations  int
	failures    map[string]int // candidate -> remaining failures
	offerErr    error
	remoteErr   error
	tracksAdded int
	closed      bool
	closeCalls  int

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(Track)
	onState     func(webrtc.PeerConnectionState)
}

func (r *fakeResource) CreateOffer() (webrtc.SessionDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offerErr != nil {
		return webrtc.SessionDescription{}, r.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + r.name}, nil
}

func (r *fakeResource) CreateAnswer() (webrtc.SessionDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + r.name}, nil
}

func (r *fakeResource) SetLocalDescription(sd webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = &sd
	return nil
}

func (r *fakeResource) SetRemoteDescription(sd webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remoteErr != nil {
		return r.remoteErr
	}
	r.remote = &sd
	return nil
}

func (r *fakeResource) AddICECandidate(c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remote == nil {
		r.violations++
		return errors.New("remote description not set")
	}
	if r.failures[c.Candidate] > 0 {
		r.failures[c.Candidate]--
		return fmt.Errorf("cannot apply %s", c.Candidate)
	}
	r.applied = append(r.applied, c.Candidate)
	return nil
}

func (r *fakeResource) AddTracks(ts TrackSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracksAdded += ts.Len()
	return nil
}

func (r *fakeResource) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	r.mu.Lock()
	r.onCandidate = fn
	r.mu.Unlock()
}

func (r *fakeResource) OnTrack(fn func(Track)) {
	r.mu.Lock()
	r.onTrack = fn
	r.mu.Unlock()
}

func (r *fakeResource) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *fakeResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.closeCalls++
	return nil
}

// fireTrack invokes the registered track handler as pion would, from an
// arbitrary goroutine. It reports whether a handler was installed.
func (r *fakeResource) fireTrack(t Track) bool {
	r.mu.Lock()
	fn := r.onTrack
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(t)
	return true
}

func (r *fakeResource) fireCandidate(c string) bool {
	r.mu.Lock()
	fn := r.onCandidate
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(webrtc.ICECandidateInit{Candidate: c})
	return true
}

func (r *fakeResource) fireState(st webrtc.PeerConnectionState) bool {
	r.mu.Lock()
	fn := r.onState
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(st)
	return true
}

func (r *fakeResource) appliedCandidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

func (r *fakeResource) violationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violations
}

func (r *fakeResource) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ---------------------------------------------------------------------------
// fakeFactory
// ---------------------------------------------------------------------------

type fakeFactory struct {
	name string

	mu      sync.Mutex
	created []*fakeResource
	err     error
	prepare func(*fakeResource)
}

func (f *fakeFactory) New() (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeResource{
		name:     fmt.Sprintf("%s%d", f.name, len(f.created)+1),
		failures: make(map[string]int),
	}
	if f.prepare != nil {
		f.prepare(r)
	}
	f.created = append(f.created, r)
	return r, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) at(i int) *fakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakeFactory) last() *fakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

// ---------------------------------------------------------------------------
// fakeCapture
// ---------------------------------------------------------------------------

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (c *fakeCapture) Acquire(ctx context.Context, cons Constraints) (TrackSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return TrackSet{}, c.err
	}
	c.acquired++
	stream := fmt.Sprintf("local-%d", c.acquired)
	var ts TrackSet
	if cons.Audio {
		ts.Tracks = append(ts.Tracks, fakeTrack{id: "audio", stream: stream, kind: webrtc.RTPCodecTypeAudio})
	}
	if cons.Video {
		ts.Tracks = append(ts.Tracks, fakeTrack{id: "video", stream: stream, kind: webrtc.RTPCodecTypeVideo})
	}
	return ts, nil
}

func (c *fakeCapture) Release(TrackSet) {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *fakeCapture) counts() (acquired, released int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired, c.released
}

// ---------------------------------------------------------------------------
// recordSink
// ---------------------------------------------------------------------------

type recordSink struct {
	mu     sync.Mutex
	states []State
	errors []Kind
	local  int
	remote []int
}

func (s *recordSink) OnLocalTracksReady(TrackSet) {
	s.mu.Lock()
	s.local++
	s.mu.Unlock()
}

func (s *recordSink) OnRemoteTracksReady(ts TrackSet) {
	s.mu.Lock()
	s.remote = append(s.remote, ts.Len())
	s.mu.Unlock()
}

func (s *recordSink) OnSessionStateChanged(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *recordSink) OnError(kind Kind, _ string) {
	s.mu.Lock()
	s.errors = append(s.errors, kind)
	s.mu.Unlock()
}

func (s *recordSink) stateLog() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func (s *recordSink) errorKinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Kind(nil), s.errors...)
}

// ---------------------------------------------------------------------------
// memTransport
// ---------------------------------------------------------------------------

// memTransport delivers sent envelopes straight to the peer's subscriber.
type memTransport struct {
	mu   sync.Mutex
	sub  signaling.Subscriber
	peer *memTransport
	sent []signaling.Envelope
}

// newTransportPair returns two transports wired to each other.
func newTransportPair() (*memTransport, *memTransport) {
	a, b := &memTransport{}, &memTransport{}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memTransport) Subscribe(s signaling.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return signaling.ErrAlreadySubscribed
	}
	m.sub = s
	return nil
}

func (m *memTransport) Send(env signaling.Envelope) {
	m.mu.Lock()
	m.sent = append(m.sent, env)
	peer := m.peer
	m.mu.Unlock()
	if peer != nil {
		peer.inject(env)
	}
}

// inject hands env to the local subscriber as if it came off the wire.
func (m *memTransport) inject(env signaling.Envelope) {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub != nil {
		sub.OnEnvelope(env)
	}
}

func (m *memTransport) event(ev signaling.Event) {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub != nil {
		sub.OnEvent(ev)
	}
}

func (m *memTransport) sentKinds() []signaling.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signaling.MessageType, len(m.sent))
	for i, env := range m.sent {
		out[i] = env.Kind()
	}
	return out
}

func (m *memTransport) countSent(kind signaling.MessageType) int {
	n := 0
	for _, k := range m.sentKinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

// side is one running engine with its fakes.
type side struct {
	engine    *Engine
	transport *memTransport
	factory   *fakeFactory
	capture   *fakeCapture
	sink      *recordSink
}

// startSide builds an engine over tr and runs it until the test ends.
func startSide(t *testing.T, name string, cfg Config, tr *memTransport) *side {
	t.Helper()

	if cfg.DisplayName == "" {
		cfg.DisplayName = name
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = Constraints{Audio: true, Video: true}
	}

	s := &side{
		transport: tr,
		factory:   &fakeFactory{name: name},
		capture:   &fakeCapture{},
		sink:      &recordSink{},
	}
	e, err := NewEngine(cfg, tr, s.factory.New, s.capture, s.sink)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	s.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// flush waits until every input already posted to the engine is handled.
func (s *side) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.engine.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

// settle flushes both engines until no more work bounces between them.
func settle(t *testing.T, sides ...*side) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for _, s := range sides {
			s.flush(t)
		}
	}
}

func offerEnv(sender string) signaling.Envelope {
	return signaling.NewOffer(sender, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "O1"})
}

func answerEnv(sender string) signaling.Envelope {
	return signaling.NewAnswer(sender, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "A1"})
}

func candidateEnv(sender, c string) signaling.Envelope {
	return signaling.NewCandidate(sender, webrtc.ICECandidateInit{Candidate: c})
}

func remoteTrack(id string) Track {
	return fakeTrack{id: id, stream: "remote", kind: webrtc.RTPCodecTypeAudio}
}
