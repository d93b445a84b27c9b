// Package signaling carries offer/answer/candidate/leave envelopes between two
// call participants through a WebSocket relay.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling envelope.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
	MsgTypeLeave     MessageType = "leave"
)

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("malformed signaling envelope")

// message is the JSON structure exchanged over the WebSocket.
type message struct {
	Type      MessageType                `json:"type"`
	Username  string                     `json:"username,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Envelope is a validated signaling message. Its kind is fixed by the
// constructor; the payload accessors return zero values for other kinds.
type Envelope struct {
	kind      MessageType
	sender    string
	desc      webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
}

// NewOffer wraps a local offer description.
func NewOffer(sender string, sd webrtc.SessionDescription) Envelope {
	return Envelope{kind: MsgTypeOffer, sender: sender, desc: sd}
}

// NewAnswer wraps a local answer description.
func NewAnswer(sender string, sd webrtc.SessionDescription) Envelope {
	return Envelope{kind: MsgTypeAnswer, sender: sender, desc: sd}
}

// NewCandidate wraps a trickled ICE candidate.
func NewCandidate(sender string, c webrtc.ICECandidateInit) Envelope {
	return Envelope{kind: MsgTypeCandidate, sender: sender, candidate: c}
}

// NewLeave announces that sender hung up.
func NewLeave(sender string) Envelope {
	return Envelope{kind: MsgTypeLeave, sender: sender}
}

func (e Envelope) Kind() MessageType                      { return e.kind }
func (e Envelope) Sender() string                         { return e.sender }
func (e Envelope) Description() webrtc.SessionDescription { return e.desc }
func (e Envelope) Candidate() webrtc.ICECandidateInit     { return e.candidate }

func (e Envelope) String() string {
	if e.sender == "" {
		return string(e.kind)
	}
	return fmt.Sprintf("%s from %q", e.kind, e.sender)
}

// Encode serializes an envelope into its wire form.
func Encode(e Envelope) ([]byte, error) {
	msg := message{Type: e.kind, Username: e.sender}

	switch e.kind {
	case MsgTypeOffer:
		sd := e.desc
		msg.Offer = &sd
	case MsgTypeAnswer:
		sd := e.desc
		msg.Answer = &sd
	case MsgTypeCandidate:
		c := e.candidate
		msg.Candidate = &c
	case MsgTypeLeave:
	default:
		return nil, fmt.Errorf("cannot encode envelope of type %q", e.kind)
	}

	return json.Marshal(msg)
}

// Decode parses and validates a wire message. The payload must match the
// declared type exactly; anything else is reported as ErrDecode.
func Decode(data []byte) (Envelope, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	env := Envelope{kind: msg.Type, sender: msg.Username}

	switch msg.Type {
	case MsgTypeOffer:
		if msg.Answer != nil || msg.Candidate != nil {
			return Envelope{}, fmt.Errorf("%w: offer carries a foreign payload", ErrDecode)
		}
		sd, err := checkDescription(msg.Offer, webrtc.SDPTypeOffer)
		if err != nil {
			return Envelope{}, err
		}
		env.desc = sd

	case MsgTypeAnswer:
		if msg.Offer != nil || msg.Candidate != nil {
			return Envelope{}, fmt.Errorf("%w: answer carries a foreign payload", ErrDecode)
		}
		sd, err := checkDescription(msg.Answer, webrtc.SDPTypeAnswer)
		if err != nil {
			return Envelope{}, err
		}
		env.desc = sd

	case MsgTypeCandidate:
		if msg.Offer != nil || msg.Answer != nil {
			return Envelope{}, fmt.Errorf("%w: candidate carries a foreign payload", ErrDecode)
		}
		if msg.Candidate == nil || msg.Candidate.Candidate == "" {
			return Envelope{}, fmt.Errorf("%w: missing candidate", ErrDecode)
		}
		env.candidate = *msg.Candidate

	case MsgTypeLeave:
		if msg.Offer != nil || msg.Answer != nil || msg.Candidate != nil {
			return Envelope{}, fmt.Errorf("%w: leave carries a payload", ErrDecode)
		}

	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrDecode, msg.Type)
	}

	return env, nil
}

// checkDescription accepts a description without an explicit type (some
// clients send only the SDP) but rejects one that contradicts the envelope.
func checkDescription(sd *webrtc.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if sd == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: missing %s description", ErrDecode, want)
	}
	if sd.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty %s SDP", ErrDecode, want)
	}

	out := webrtc.SessionDescription{Type: sd.Type, SDP: sd.SDP}
	switch out.Type {
	case webrtc.SDPTypeUnknown:
		out.Type = want
	case want:
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s description inside %s envelope", ErrDecode, sd.Type, want)
	}
	return out, nil
}
