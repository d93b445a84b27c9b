// Package negotiation implements the two-party call handshake: a single live
// PeerSession driven through offer/answer/candidate exchange by an Engine
// that serializes inbound envelopes, local calls, and resource callbacks.
package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/signaling"
)

// Role is a participant's part in the handshake.
type Role int

const (
	RoleUnassigned Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleUnassigned:
		return "unassigned"
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is a session's lifecycle position. Closed is terminal.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Track is the part of a media track the engine looks at. Both
// webrtc.TrackLocal implementations and *webrtc.TrackRemote satisfy it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// TrackSet is an opaque bundle of tracks handed between capture, the
// negotiation resource, and the render sink.
type TrackSet struct {
	Tracks []Track
}

func (ts TrackSet) Len() int { return len(ts.Tracks) }

// Resource is the connectivity engine a PeerSession drives. The pion-backed
// implementation lives in internal/webrtc.
type Resource interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTracks(TrackSet) error

	// Callbacks may fire on any goroutine.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(Track))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// ResourceFactory creates a fresh Resource for each session.
type ResourceFactory func() (Resource, error)

// Constraints select which local media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaCapture acquires and releases local media.
type MediaCapture interface {
	Acquire(ctx context.Context, c Constraints) (TrackSet, error)
	Release(TrackSet)
}

// RenderSink is the UI side of the engine. Calls are made from the engine
// goroutine, one at a time.
type RenderSink interface {
	OnLocalTracksReady(TrackSet)
	OnRemoteTracksReady(TrackSet)
	OnSessionStateChanged(State)
	OnError(kind Kind, message string)
}

// Transport is the signaling channel as the engine sees it.
// *signaling.Channel satisfies it.
type Transport interface {
	Send(signaling.Envelope)
	Subscribe(signaling.Subscriber) error
}
