// Package webrtc provides the pion-backed negotiation resource and local
// media capture used by the negotiation engine.
package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/negotiation"
	"github.com/1ureka/duet/internal/util"
)

// DefaultSTUNServers is used when no ICE servers are configured. No TURN:
// the call is meant to be direct peer-to-peer.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
}

// NewAPI builds a pion API with the default codecs and interceptors, logging
// through the CLI logger.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// NewFactory returns a ResourceFactory creating one Peer per session.
func NewFactory(api *webrtc.API, stunServers []string) negotiation.ResourceFactory {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return func() (negotiation.Resource, error) {
		return NewPeer(api, config)
	}
}

// Peer wraps a single PeerConnection as a negotiation.Resource. Handlers may
// be replaced or cleared at any time; pion's callbacks are registered once
// and dispatch to whatever is currently installed.
type Peer struct {
	pc *webrtc.PeerConnection

	mu          sync.RWMutex
	pcState     webrtc.PeerConnectionState
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(negotiation.Track)
	onState     func(webrtc.PeerConnectionState)

	closeOnce sync.Once
	closeErr  error
}

var _ negotiation.Resource = (*Peer)(nil)

// NewPeer creates a PeerConnection from api (nil selects pion's default).
func NewPeer(api *webrtc.API, config webrtc.Configuration) (*Peer, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(config)
	} else {
		pc, err = webrtc.NewPeerConnection(config)
	}
	if err != nil {
		return nil, err
	}

	p := &Peer{pc: pc, pcState: webrtc.PeerConnectionStateNew}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		if fn := p.candidateHandler(); fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote track %s (%s, %s)", track.ID(), track.Kind(), track.Codec().MimeType)
		go drainRemote(track)
		if fn := p.trackHandler(); fn != nil {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		p.pcState = state
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return p, nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTracks attaches local tracks. Every track must be a pion TrackLocal.
func (p *Peer) AddTracks(ts negotiation.TrackSet) error {
	for _, t := range ts.Tracks {
		local, ok := t.(webrtc.TrackLocal)
		if !ok {
			return fmt.Errorf("track %s is not a local track", t.ID())
		}
		sender, err := p.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainRemote consumes inbound RTP; this build has no renderer.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

// OnICECandidate registers a callback invoked for every gathered local candidate.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnTrack registers a callback invoked for every remote track.
func (p *Peer) OnTrack(fn func(negotiation.Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// OnConnectionStateChange registers a callback for PeerConnection state changes.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) candidateHandler() func(webrtc.ICECandidateInit) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onCandidate
}

func (p *Peer) trackHandler() func(negotiation.Track) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onTrack
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// Close shuts down the PeerConnection. Later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
		if errors.Is(p.closeErr, webrtc.ErrConnectionClosed) {
			p.closeErr = nil
		}
	})
	return p.closeErr
}
