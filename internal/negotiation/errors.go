package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState reports a valid request that does not apply to the
	// session's current state. It never affects the session.
	ErrInvalidState = errors.New("invalid state")

	// ErrNegotiationFailure reports that the negotiation resource rejected a
	// description. The session is closed when it is returned.
	ErrNegotiationFailure = errors.New("negotiation failed")

	// ErrCapture reports that local media could not be acquired.
	ErrCapture = errors.New("media capture failed")

	// ErrGlare reports an inbound offer that collided with a live session.
	ErrGlare = errors.New("glare")

	// ErrStopped is returned by engine calls made after Run has returned.
	ErrStopped = errors.New("engine stopped")
)

// Kind is the failure taxonomy surfaced to the render sink and counted by
// the engine.
type Kind int

const (
	KindDecode Kind = iota
	KindInvalidState
	KindTransport
	KindCapture
	KindNegotiation
	KindGlare
	KindCandidateDropped
	KindBackpressureDropped

	numKinds
)

var kindNames = [numKinds]string{
	KindDecode:              "DecodeError",
	KindInvalidState:        "InvalidState",
	KindTransport:           "TransportError",
	KindCapture:             "CaptureError",
	KindNegotiation:         "NegotiationFailure",
	KindGlare:               "Glare",
	KindCandidateDropped:    "CandidateDropped",
	KindBackpressureDropped: "BackpressureDropped",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func invalidState(op string, st State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, st)
}
