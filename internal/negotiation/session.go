package negotiation

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/util"
)

// PeerSession is one negotiation attempt over one Resource. Its role is fixed
// at creation; the description flags only move from false to true. Once
// closed the resource is gone and every call fails with ErrInvalidState.
//
// A PeerSession is not safe for concurrent use; the Engine serializes it.
type PeerSession struct {
	id         string
	generation uint64
	role       Role
	state      State

	res       Resource
	localSet  bool
	remoteSet bool
	pending   *CandidateQueue

	local   TrackSet
	remote  TrackSet
	onTrack func(Track)
}

// newPeerSession wraps res. generation tags the resource callbacks so the
// engine can ignore completions from superseded sessions.
func newPeerSession(res Resource, role Role, generation uint64, retries int, onDrop func(CandidateRecord, error)) *PeerSession {
	util.Stats.AddSession()
	return &PeerSession{
		id:         uuid.NewString(),
		generation: generation,
		role:       role,
		state:      StateIdle,
		res:        res,
		pending:    NewCandidateQueue(retries, onDrop),
	}
}

func (s *PeerSession) ID() string                 { return s.id }
func (s *PeerSession) Generation() uint64         { return s.generation }
func (s *PeerSession) Role() Role                 { return s.role }
func (s *PeerSession) State() State               { return s.state }
func (s *PeerSession) LocalDescriptionSet() bool  { return s.localSet }
func (s *PeerSession) RemoteDescriptionSet() bool { return s.remoteSet }

// PendingCandidates returns how many remote candidates wait for a remote description.
func (s *PeerSession) PendingCandidates() int { return s.pending.Len() }

// Live reports whether the session still owns its resource.
func (s *PeerSession) Live() bool { return s.state != StateClosed }

// CreateOffer produces the local offer, installs it, and returns it for
// transmission.
func (s *PeerSession) CreateOffer() (webrtc.SessionDescription, error) {
	if s.state != StateIdle || s.role != RoleCaller || s.localSet {
		return webrtc.SessionDescription{}, invalidState("createOffer", s.state)
	}

	offer, err := s.res.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailure, err)
	}
	if err := s.res.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailure, err)
	}

	s.localSet = true
	s.state = StateNegotiating
	return offer, nil
}

// CreateAnswer installs the remote offer, produces and installs the local
// answer, and returns it. Candidates queued before the offer are applied.
func (s *PeerSession) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	switch {
	case s.role != RoleCallee:
		return webrtc.SessionDescription{}, invalidState("createAnswer as "+s.role.String(), s.state)
	case s.state == StateIdle:
	case s.state == StateNegotiating && !s.remoteSet && !s.localSet:
	default:
		return webrtc.SessionDescription{}, invalidState("createAnswer", s.state)
	}

	if err := s.res.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailure, err)
	}
	s.remoteSet = true
	s.state = StateNegotiating

	answer, err := s.res.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailure, err)
	}
	if err := s.res.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailure, err)
	}
	s.localSet = true

	s.drain()
	return answer, nil
}

// ApplyRemoteDescription installs the callee's answer and applies every
// candidate that arrived before it.
func (s *PeerSession) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	if s.state != StateNegotiating || s.role != RoleCaller || !s.localSet || s.remoteSet {
		return invalidState("applyRemoteDescription", s.state)
	}

	if err := s.res.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailure, err)
	}
	s.remoteSet = true

	s.drain()
	return nil
}

// AddRemoteCandidate applies c now if the remote description is installed,
// otherwise queues it.
func (s *PeerSession) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if s.state == StateClosed {
		return invalidState("addRemoteCandidate", s.state)
	}

	s.pending.Enqueue(c)
	if s.remoteSet {
		s.drain()
	}
	return nil
}

func (s *PeerSession) drain() {
	if n := s.pending.DrainInto(s.res.AddICECandidate); n > 0 {
		util.LogDebug("[%s] applied %d remote candidate(s)", s.short(), n)
	}
}

// AttachLocalTracks hands the captured tracks to the resource.
func (s *PeerSession) AttachLocalTracks(ts TrackSet) error {
	if s.state == StateClosed {
		return invalidState("attachLocalTracks", s.state)
	}
	if err := s.res.AddTracks(ts); err != nil {
		return fmt.Errorf("%w: add local tracks: %v", ErrNegotiationFailure, err)
	}
	s.local = ts
	return nil
}

// LocalTracks returns the tracks attached to this session.
func (s *PeerSession) LocalTracks() TrackSet { return s.local }

// OnRemoteTrack sets the handler invoked by deliverRemoteTrack.
func (s *PeerSession) OnRemoteTrack(fn func(Track)) {
	s.onTrack = fn
}

// deliverRemoteTrack records an arrived remote track and forwards it to the
// OnRemoteTrack handler. The engine calls it once the resource callback has
// been serialized.
func (s *PeerSession) deliverRemoteTrack(t Track) bool {
	if s.state == StateClosed {
		return false
	}
	s.remote.Tracks = append(s.remote.Tracks, t)
	if s.onTrack != nil {
		s.onTrack(t)
	}
	return true
}

// RemoteTracks returns a copy of every remote track received so far.
func (s *PeerSession) RemoteTracks() TrackSet {
	return TrackSet{Tracks: append([]Track(nil), s.remote.Tracks...)}
}

// markConnected moves a negotiating session to Connected.
func (s *PeerSession) markConnected() bool {
	if s.state != StateNegotiating {
		return false
	}
	s.state = StateConnected
	return true
}

// Close releases the resource and drops pending candidates. Further calls
// are no-ops.
func (s *PeerSession) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.pending.Clear()
	s.onTrack = nil

	res := s.res
	s.res = nil

	res.OnICECandidate(nil)
	res.OnTrack(nil)
	res.OnConnectionStateChange(nil)
	return res.Close()
}

func (s *PeerSession) short() string {
	if len(s.id) > 8 {
		return s.id[:8]
	}
	return s.id
}
