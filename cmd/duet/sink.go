package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/duet/internal/negotiation"
)

// terminalSink renders engine events to the terminal and reports when the
// call is over.
type terminalSink struct {
	ended     chan struct{}
	endedOnce sync.Once
	started   bool
}

func newTerminalSink() *terminalSink {
	return &terminalSink{ended: make(chan struct{})}
}

// Ended is closed once a call that got underway reaches Closed.
func (s *terminalSink) Ended() <-chan struct{} {
	return s.ended
}

func (s *terminalSink) OnLocalTracksReady(ts negotiation.TrackSet) {
	pterm.Info.Println("Local media ready: " + describeTracks(ts))
}

func (s *terminalSink) OnRemoteTracksReady(ts negotiation.TrackSet) {
	pterm.Success.Println("Receiving remote media: " + describeTracks(ts))
}

func (s *terminalSink) OnSessionStateChanged(st negotiation.State) {
	switch st {
	case negotiation.StateNegotiating:
		s.started = true
		pterm.Info.Println("Negotiating...")
	case negotiation.StateConnected:
		pterm.Success.Println("Call connected")
	case negotiation.StateClosed:
		pterm.Info.Println("Call ended")
		if s.started {
			s.endedOnce.Do(func() { close(s.ended) })
		}
	}
}

func (s *terminalSink) OnError(kind negotiation.Kind, message string) {
	switch kind {
	case negotiation.KindTransport:
		pterm.Warning.Println("Relay connection lost, reconnecting...")
	default:
		pterm.Error.Println(fmt.Sprintf("%s: %s", kind, message))
	}
}

func describeTracks(ts negotiation.TrackSet) string {
	if ts.Len() == 0 {
		return "none"
	}
	kinds := make([]string, 0, ts.Len())
	for _, t := range ts.Tracks {
		kinds = append(kinds, t.Kind().String())
	}
	return strings.Join(kinds, ", ")
}
