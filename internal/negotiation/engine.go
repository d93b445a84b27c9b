package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

// DefaultNegotiationTimeout bounds the wait for the remote description and
// the first remote track.
const DefaultNegotiationTimeout = 30 * time.Second

// GlarePolicy decides what happens to an offer that arrives while a session
// is already live.
type GlarePolicy int

const (
	// GlareReject keeps the live session and drops the incoming offer.
	GlareReject GlarePolicy = iota
	// GlareYield abandons an unanswered local offer and answers the incoming
	// one instead. A session that already has a remote description is kept.
	// Only one side should yield: if both do, each answers the other's offer,
	// both answers reach a callee and are dropped, and both calls time out.
	GlareYield
)

func (p GlarePolicy) String() string {
	switch p {
	case GlareReject:
		return "reject"
	case GlareYield:
		return "yield"
	default:
		return fmt.Sprintf("glare(%d)", int(p))
	}
}

// ParseGlarePolicy maps "reject" / "yield" to a policy.
func ParseGlarePolicy(s string) (GlarePolicy, error) {
	switch s {
	case "", "reject":
		return GlareReject, nil
	case "yield":
		return GlareYield, nil
	default:
		return GlareReject, fmt.Errorf("unknown glare policy %q (want reject or yield)", s)
	}
}

// Config is the engine's fixed configuration.
type Config struct {
	// DisplayName is carried in every outbound envelope.
	DisplayName string
	Glare       GlarePolicy
	// NegotiationTimeout of zero selects DefaultNegotiationTimeout; a
	// negative value disables the timeout.
	NegotiationTimeout time.Duration
	CandidateRetries   int
	// StrictCandidates fails the session when a remote candidate is still
	// rejected after CandidateRetries attempts. By default it is only counted
	// as CandidateDropped and the timeout catches a call left unreachable.
	StrictCandidates bool
	Constraints      Constraints
}

// Engine drives at most one live PeerSession through the handshake. Every
// input (inbound envelopes, transport events, local calls, and resource
// callbacks) is posted to a mailbox and handled on the Run goroutine, one at
// a time. Resource callbacks carry the generation of the session that
// registered them and are ignored once that session is gone.
type Engine struct {
	cfg         Config
	transport   Transport
	newResource ResourceFactory
	capture     MediaCapture
	sink        RenderSink

	box     *mailbox
	started atomic.Bool
	stopped chan struct{}

	// Owned by the Run goroutine.
	ctx        context.Context
	session    *PeerSession
	generation uint64
	timer      *time.Timer

	// Snapshots readable from any goroutine.
	state  atomic.Int32
	role   atomic.Int32
	gen    atomic.Uint64
	counts [numKinds]atomic.Int64
}

// NewEngine wires an engine to its collaborators and subscribes it to the
// transport. capture and sink may be nil.
func NewEngine(cfg Config, transport Transport, factory ResourceFactory, capture MediaCapture, sink RenderSink) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("negotiation: nil transport")
	}
	if factory == nil {
		return nil, errors.New("negotiation: nil resource factory")
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.CandidateRetries <= 0 {
		cfg.CandidateRetries = DefaultCandidateRetries
	}
	if sink == nil {
		sink = nopSink{}
	}

	e := &Engine{
		cfg:         cfg,
		transport:   transport,
		newResource: factory,
		capture:     capture,
		sink:        sink,
		box:         newMailbox(),
		stopped:     make(chan struct{}),
		ctx:         context.Background(),
	}

	if err := transport.Subscribe(e); err != nil {
		return nil, fmt.Errorf("subscribe to signaling: %w", err)
	}
	return e, nil
}

// Run processes posted work until ctx is cancelled. A live session is left
// (with a Leave sent) on the way out.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("negotiation: engine already running")
	}
	defer close(e.stopped)

	e.ctx = ctx
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.box.notify:
			for _, op := range e.box.take() {
				op()
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Local API
// ---------------------------------------------------------------------------

// StartCall places a call as Caller: captures media, creates the offer, and
// sends it.
func (e *Engine) StartCall(ctx context.Context) error {
	return e.call(ctx, func() error { return e.startCall(ctx) })
}

// LeaveMeeting hangs up the live session, if any. It is the only way to
// cancel a call in progress.
func (e *Engine) LeaveMeeting(ctx context.Context) error {
	return e.call(ctx, func() error {
		s := e.live()
		if s == nil {
			return nil
		}
		e.transport.Send(signaling.NewLeave(e.cfg.DisplayName))
		e.closeSession(s, "left the call")
		return nil
	})
}

// Flush waits until every input posted before it has been handled.
func (e *Engine) Flush(ctx context.Context) error {
	return e.call(ctx, func() error { return nil })
}

// State returns the state of the most recent session, or StateIdle if none
// was ever created.
func (e *Engine) State() State { return State(e.state.Load()) }

// Role returns the role of the most recent session.
func (e *Engine) Role() Role { return Role(e.role.Load()) }

// Generation returns the generation of the most recent session.
func (e *Engine) Generation() uint64 { return e.gen.Load() }

// Count returns how many times kind was observed.
func (e *Engine) Count(kind Kind) int64 {
	if kind < 0 || kind >= numKinds {
		return 0
	}
	return e.counts[kind].Load()
}

// ---------------------------------------------------------------------------
// signaling.Subscriber
// ---------------------------------------------------------------------------

// OnEnvelope queues an inbound envelope. Envelopes are handled in the order
// they are delivered.
func (e *Engine) OnEnvelope(env signaling.Envelope) {
	e.box.post(func() { e.handleEnvelope(env) })
}

// OnEvent queues a channel notification.
func (e *Engine) OnEvent(ev signaling.Event) {
	e.box.post(func() { e.handleEvent(ev) })
}

// ---------------------------------------------------------------------------
// Engine goroutine
// ---------------------------------------------------------------------------

// call runs fn on the engine goroutine and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	e.box.post(func() { reply <- fn() })

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// complete runs fn on the engine goroutine if the session of generation gen
// is still the live one.
func (e *Engine) complete(gen uint64, what string, fn func(*PeerSession)) {
	e.box.post(func() {
		s := e.live()
		if s == nil || s.Generation() != gen {
			util.LogDebug("discarding stale %s (generation %d)", what, gen)
			return
		}
		fn(s)
	})
}

func (e *Engine) live() *PeerSession {
	if e.session == nil || !e.session.Live() {
		return nil
	}
	return e.session
}

func (e *Engine) handleEnvelope(env signaling.Envelope) {
	switch env.Kind() {
	case signaling.MsgTypeOffer:
		e.handleOffer(env)
	case signaling.MsgTypeAnswer:
		e.handleAnswer(env)
	case signaling.MsgTypeCandidate:
		e.handleCandidate(env)
	case signaling.MsgTypeLeave:
		e.handleLeave(env)
	default:
		e.drop(KindDecode, "unexpected envelope %s", env)
	}
}

func (e *Engine) handleEvent(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventLinkUp:
		util.LogInfo("signaling link up")
	case signaling.EventLinkDown:
		e.onTransportLost(ev.Err)
	case signaling.EventBackpressureDropped:
		e.counts[KindBackpressureDropped].Add(1)
	case signaling.EventDecodeError:
		e.counts[KindDecode].Add(1)
	}
}

func (e *Engine) startCall(ctx context.Context) error {
	if s := e.live(); s != nil {
		e.counts[KindInvalidState].Add(1)
		return invalidState("startCall", s.State())
	}

	s, err := e.newSession(RoleCaller)
	if err != nil {
		return err
	}
	if err := e.attachMedia(ctx, s); err != nil {
		return err
	}

	offer, err := s.CreateOffer()
	if err != nil {
		e.fail(s, KindNegotiation, err)
		return err
	}
	e.transport.Send(signaling.NewOffer(e.cfg.DisplayName, offer))

	e.enter(s, StateNegotiating)
	e.armTimeout(s)
	return nil
}

func (e *Engine) handleOffer(env signaling.Envelope) {
	if s := e.live(); s != nil {
		if !e.yieldTo(s, env) {
			e.drop(KindGlare, "%v: rejecting offer from %q while %s as %s", ErrGlare, env.Sender(), s.State(), s.Role())
			return
		}
	}

	s, err := e.newSession(RoleCallee)
	if err != nil {
		// The caller is waiting on an answer that will never come.
		e.transport.Send(signaling.NewLeave(e.cfg.DisplayName))
		return
	}
	if err := e.attachMedia(e.ctx, s); err != nil {
		return
	}

	answer, err := s.CreateAnswer(env.Description())
	if err != nil {
		e.fail(s, KindNegotiation, err)
		return
	}
	e.transport.Send(signaling.NewAnswer(e.cfg.DisplayName, answer))

	util.LogInfo("answered call from %q", env.Sender())
	e.enter(s, StateNegotiating)
	e.armTimeout(s)
}

// yieldTo applies GlareYield: an unanswered local offer is abandoned in
// favour of the incoming one.
func (e *Engine) yieldTo(s *PeerSession, env signaling.Envelope) bool {
	if e.cfg.Glare != GlareYield {
		return false
	}
	if s.Role() != RoleCaller || s.State() != StateNegotiating || s.RemoteDescriptionSet() {
		return false
	}

	e.counts[KindGlare].Add(1)
	util.LogWarning("glare: yielding local offer to %q", env.Sender())
	e.closeSession(s, "yielded to remote offer")
	return true
}

func (e *Engine) handleAnswer(env signaling.Envelope) {
	s := e.live()
	if s == nil {
		e.drop(KindInvalidState, "dropping answer from %q: no live session", env.Sender())
		return
	}

	err := s.ApplyRemoteDescription(env.Description())
	switch {
	case err == nil:
		util.LogInfo("%q accepted the call", env.Sender())
	case errors.Is(err, ErrInvalidState):
		e.drop(KindInvalidState, "dropping answer from %q: %v", env.Sender(), err)
	default:
		e.fail(s, KindNegotiation, err)
	}
}

func (e *Engine) handleCandidate(env signaling.Envelope) {
	s := e.live()
	if s == nil {
		e.drop(KindInvalidState, "dropping candidate: no live session")
		return
	}
	if err := s.AddRemoteCandidate(env.Candidate()); err != nil {
		e.drop(KindInvalidState, "dropping candidate: %v", err)
	}
}

func (e *Engine) handleLeave(env signaling.Envelope) {
	s := e.live()
	if s == nil {
		e.drop(KindInvalidState, "dropping leave from %q: no live session", env.Sender())
		return
	}
	util.LogInfo("%q left the call", env.Sender())
	e.closeSession(s, "remote left")
}

// onTransportLost keeps a connected call alive across signaling loss; a
// handshake still in flight cannot complete and is abandoned. The Leave is
// buffered so the peer hears about it once the link returns.
func (e *Engine) onTransportLost(err error) {
	e.counts[KindTransport].Add(1)
	e.sink.OnError(KindTransport, "signaling link lost, reconnecting")

	s := e.live()
	if s == nil || s.State() != StateNegotiating {
		return
	}
	e.transport.Send(signaling.NewLeave(e.cfg.DisplayName))
	e.closeSession(s, fmt.Sprintf("signaling lost during negotiation: %v", err))
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func (e *Engine) newSession(role Role) (*PeerSession, error) {
	res, err := e.newResource()
	if err != nil {
		err = fmt.Errorf("%w: create peer connection: %v", ErrNegotiationFailure, err)
		e.report(KindNegotiation, err.Error())
		return nil, err
	}

	e.generation++
	gen := e.generation
	s := newPeerSession(res, role, gen, e.cfg.CandidateRetries, func(r CandidateRecord, err error) {
		e.counts[KindCandidateDropped].Add(1)
		if !e.cfg.StrictCandidates {
			return
		}
		e.complete(gen, "candidate failure", func(s *PeerSession) {
			e.fail(s, KindNegotiation, fmt.Errorf("%w: candidate #%d rejected %d times: %v",
				ErrNegotiationFailure, r.Seq, r.Attempts, err))
		})
	})

	res.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.complete(gen, "local candidate", func(*PeerSession) {
			e.transport.Send(signaling.NewCandidate(e.cfg.DisplayName, c))
		})
	})
	res.OnTrack(func(t Track) {
		e.complete(gen, "remote track", func(s *PeerSession) {
			s.deliverRemoteTrack(t)
		})
	})
	res.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		e.complete(gen, "connection state", func(s *PeerSession) {
			e.onConnectionState(s, st)
		})
	})
	s.OnRemoteTrack(func(t Track) {
		e.onRemoteTrack(s, t)
	})

	e.session = s
	e.gen.Store(gen)
	e.role.Store(int32(role))
	util.LogFields("session created", "session", s.short(), "role", role.String(), "generation", gen)
	e.enter(s, StateIdle)
	return s, nil
}

// attachMedia acquires local media and hands it to the session. A capture
// failure aborts the session.
func (e *Engine) attachMedia(ctx context.Context, s *PeerSession) error {
	if e.capture == nil {
		return nil
	}

	tracks, err := e.capture.Acquire(ctx, e.cfg.Constraints)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrCapture, err)
		e.fail(s, KindCapture, err)
		return err
	}
	if err := s.AttachLocalTracks(tracks); err != nil {
		e.capture.Release(tracks)
		e.fail(s, KindNegotiation, err)
		return err
	}

	e.sink.OnLocalTracksReady(tracks)
	return nil
}

func (e *Engine) onRemoteTrack(s *PeerSession, t Track) {
	util.LogInfo("remote %s track %s arrived", t.Kind(), t.ID())
	if s.markConnected() {
		e.stopTimer()
		e.enter(s, StateConnected)
	}
	e.sink.OnRemoteTracksReady(s.RemoteTracks())
}

func (e *Engine) onConnectionState(s *PeerSession, st webrtc.PeerConnectionState) {
	util.LogDebug("[%s] peer connection %s", s.short(), st)
	switch st {
	case webrtc.PeerConnectionStateFailed:
		e.fail(s, KindNegotiation, fmt.Errorf("%w: peer connection failed", ErrNegotiationFailure))
	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("peer connection interrupted, waiting for ICE to recover")
	}
}

func (e *Engine) armTimeout(s *PeerSession) {
	e.stopTimer()
	if e.cfg.NegotiationTimeout < 0 {
		return
	}

	gen, d := s.Generation(), e.cfg.NegotiationTimeout
	e.timer = time.AfterFunc(d, func() {
		e.complete(gen, "negotiation timeout", func(s *PeerSession) {
			if s.State() == StateNegotiating {
				e.fail(s, KindNegotiation, fmt.Errorf("%w: no connection after %s", ErrNegotiationFailure, d))
			}
		})
	})
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// closeSession tears s down. Media is released before the sink hears about
// the state change.
func (e *Engine) closeSession(s *PeerSession, reason string) {
	if !s.Live() {
		return
	}
	e.stopTimer()

	tracks := s.LocalTracks()
	if err := s.Close(); err != nil {
		util.LogWarning("[%s] closing peer connection: %v", s.short(), err)
	}
	if e.capture != nil && tracks.Len() > 0 {
		e.capture.Release(tracks)
	}

	util.LogInfo("call ended: %s", reason)
	e.enter(s, StateClosed)
}

// fail closes s and surfaces err to the sink. A peer that is already waiting
// on us (we sent an offer, or received one) is told to hang up.
func (e *Engine) fail(s *PeerSession, kind Kind, err error) {
	util.LogError("%s: %v", kind, err)
	if s.Live() && (s.Role() == RoleCallee || s.LocalDescriptionSet()) {
		e.transport.Send(signaling.NewLeave(e.cfg.DisplayName))
	}
	e.closeSession(s, kind.String())
	e.report(kind, err.Error())
}

func (e *Engine) enter(s *PeerSession, st State) {
	if s != e.session {
		return
	}
	e.state.Store(int32(st))
	e.sink.OnSessionStateChanged(st)
}

// report counts kind and shows it to the user.
func (e *Engine) report(kind Kind, msg string) {
	e.counts[kind].Add(1)
	e.sink.OnError(kind, msg)
}

// drop counts and logs a non-fatal problem; the session is left untouched.
func (e *Engine) drop(kind Kind, format string, args ...any) {
	e.counts[kind].Add(1)
	util.LogWarning(format, args...)
}

func (e *Engine) shutdown() {
	if s := e.live(); s != nil {
		e.transport.Send(signaling.NewLeave(e.cfg.DisplayName))
		e.closeSession(s, "shutting down")
	}
}

type nopSink struct{}

func (nopSink) OnLocalTracksReady(TrackSet)  {}
func (nopSink) OnRemoteTracksReady(TrackSet) {}
func (nopSink) OnSessionStateChanged(State)  {}
func (nopSink) OnError(Kind, string)         {}
