package webrtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/negotiation"
)

// gatheredDescription waits for ICE gathering and returns the complete local
// description, so the test needs no candidate trickling.
func gatheredDescription(t *testing.T, p *Peer) webrtc.SessionDescription {
	t.Helper()
	select {
	case <-webrtc.GatheringCompletePromise(p.pc):
	case <-time.After(10 * time.Second):
		t.Fatal("ICE gathering did not complete")
	}
	return *p.pc.LocalDescription()
}

// TestPeerLoopback negotiates two local peers and checks every track the
// offerer captures arrives on the answerer, including a video-only call.
func TestPeerLoopback(t *testing.T) {
	testCases := []struct {
		name string
		cons negotiation.Constraints
		want webrtc.RTPCodecType
	}{
		{name: "audio only", cons: negotiation.Constraints{Audio: true}, want: webrtc.RTPCodecTypeAudio},
		{name: "video only", cons: negotiation.Constraints{Video: true}, want: webrtc.RTPCodecTypeVideo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			api, err := NewAPI()
			if err != nil {
				t.Fatalf("NewAPI failed: %v", err)
			}

			offerer, err := NewPeer(api, webrtc.Configuration{})
			if err != nil {
				t.Fatalf("NewPeer failed: %v", err)
			}
			defer offerer.Close()
			answerer, err := NewPeer(api, webrtc.Configuration{})
			if err != nil {
				t.Fatalf("NewPeer failed: %v", err)
			}
			defer answerer.Close()

			capture := NewCapture()
			tracks, err := capture.Acquire(context.Background(), tc.cons)
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			defer capture.Release(tracks)
			if err := offerer.AddTracks(tracks); err != nil {
				t.Fatalf("AddTracks failed: %v", err)
			}

			got := make(chan negotiation.Track, 1)
			answerer.OnTrack(func(tr negotiation.Track) {
				select {
				case got <- tr:
				default:
				}
			})

			offer, err := offerer.CreateOffer()
			if err != nil {
				t.Fatalf("CreateOffer failed: %v", err)
			}
			if err := offerer.SetLocalDescription(offer); err != nil {
				t.Fatalf("SetLocalDescription failed: %v", err)
			}
			if err := answerer.SetRemoteDescription(gatheredDescription(t, offerer)); err != nil {
				t.Fatalf("SetRemoteDescription failed: %v", err)
			}

			answer, err := answerer.CreateAnswer()
			if err != nil {
				t.Fatalf("CreateAnswer failed: %v", err)
			}
			if err := answerer.SetLocalDescription(answer); err != nil {
				t.Fatalf("SetLocalDescription failed: %v", err)
			}
			if err := offerer.SetRemoteDescription(gatheredDescription(t, answerer)); err != nil {
				t.Fatalf("SetRemoteDescription failed: %v", err)
			}

			select {
			case tr := <-got:
				if tr.Kind() != tc.want {
					t.Errorf("remote track kind: got %s, want %s", tr.Kind(), tc.want)
				}
				if tr.StreamID() != tracks.Tracks[0].StreamID() {
					t.Errorf("remote stream: got %q, want %q", tr.StreamID(), tracks.Tracks[0].StreamID())
				}
			case <-time.After(15 * time.Second):
				t.Fatalf("no remote track (offerer state %s)", offerer.ConnectionState())
			}
		})
	}
}

// TestPeerCloseIdempotent verifies Close can be called repeatedly and that
// cleared handlers are not invoked.
func TestPeerCloseIdempotent(t *testing.T) {
	p, err := NewPeer(nil, webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	p.OnICECandidate(func(webrtc.ICECandidateInit) {})
	p.OnICECandidate(nil)

	if err := p.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := p.CreateOffer(); err == nil {
		t.Errorf("CreateOffer succeeded on a closed peer")
	}
}

// TestCaptureAcquireRelease verifies the tracks produced per constraint set
// and the bookkeeping behind Release.
func TestCaptureAcquireRelease(t *testing.T) {
	testCases := []struct {
		name      string
		cons      negotiation.Constraints
		wantKinds []webrtc.RTPCodecType
		wantErr   error
	}{
		{
			name:      "audio and video",
			cons:      negotiation.Constraints{Audio: true, Video: true},
			wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo},
		},
		{
			name:      "audio only",
			cons:      negotiation.Constraints{Audio: true},
			wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio},
		},
		{
			name:      "video only",
			cons:      negotiation.Constraints{Video: true},
			wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo},
		},
		{
			name:    "nothing",
			cons:    negotiation.Constraints{},
			wantErr: ErrNoMedia,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCapture()
			ts, err := c.Acquire(context.Background(), tc.cons)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}

			if ts.Len() != len(tc.wantKinds) {
				t.Fatalf("tracks: got %d, want %d", ts.Len(), len(tc.wantKinds))
			}
			for i, want := range tc.wantKinds {
				if got := ts.Tracks[i].Kind(); got != want {
					t.Errorf("track %d kind: got %s, want %s", i, got, want)
				}
				if ts.Tracks[i].StreamID() != ts.Tracks[0].StreamID() {
					t.Errorf("track %d on a different stream", i)
				}
			}

			if c.Active() != 1 {
				t.Errorf("active after acquire: got %d, want 1", c.Active())
			}
			c.Release(ts)
			c.Release(ts)
			if c.Active() != 0 {
				t.Errorf("active after release: got %d, want 0", c.Active())
			}
		})
	}
}

// TestCaptureCancelledContext verifies Acquire honours cancellation.
func TestCaptureCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCapture()
	if _, err := c.Acquire(ctx, negotiation.Constraints{Audio: true}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if c.Active() != 0 {
		t.Errorf("active: got %d, want 0", c.Active())
	}
}

// TestNewFactoryDefaults verifies the factory produces independent peers.
func TestNewFactoryDefaults(t *testing.T) {
	newResource := NewFactory(nil, nil)

	a, err := newResource()
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer a.Close()
	b, err := newResource()
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer b.Close()

	if a == b {
		t.Error("factory returned the same resource twice")
	}
}
