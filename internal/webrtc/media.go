package webrtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/duet/internal/negotiation"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8KeyFrame is a 16x16 VP8 key frame header (frame tag, start code,
// dimensions) followed by filler partition bytes. Remote tracks only surface
// once RTP flows, so the idle video track repeats it.
var vp8KeyFrame = []byte{
	0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00,
	0x00, 0x47, 0x08, 0x85, 0x85, 0x88, 0x85, 0x84, 0x88, 0x02,
	0x02, 0x00, 0x0c, 0x0d, 0x60, 0x00, 0xfe, 0xff, 0xab, 0x50, 0x80,
}

const (
	audioInterval = 20 * time.Millisecond
	videoInterval = 100 * time.Millisecond
)

// ErrNoMedia is returned when neither audio nor video is requested.
var ErrNoMedia = errors.New("no media requested")

// Capture produces local tracks without touching real devices: the audio
// track carries Opus silence and the video track repeats a tiny key frame at
// a low rate, so the remote side sees media on every negotiated track. Device
// capture belongs to the UI layer.
type Capture struct {
	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

var _ negotiation.MediaCapture = (*Capture)(nil)

// NewCapture creates an idle capture source.
func NewCapture() *Capture {
	return &Capture{streams: make(map[string]context.CancelFunc)}
}

// Acquire creates one track per requested kind under a fresh stream ID.
func (c *Capture) Acquire(ctx context.Context, cons negotiation.Constraints) (negotiation.TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return negotiation.TrackSet{}, err
	}
	if !cons.Audio && !cons.Video {
		return negotiation.TrackSet{}, ErrNoMedia
	}

	streamID := "duet-" + uuid.NewString()
	var ts negotiation.TrackSet

	var audio, video *webrtc.TrackLocalStaticSample
	if cons.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return negotiation.TrackSet{}, err
		}
		audio = t
		ts.Tracks = append(ts.Tracks, t)
	}
	if cons.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return negotiation.TrackSet{}, err
		}
		video = t
		ts.Tracks = append(ts.Tracks, t)
	}

	genCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.streams[streamID] = cancel
	c.mu.Unlock()

	if audio != nil {
		go writeFrames(genCtx, audio, opusSilence, audioInterval)
	}
	if video != nil {
		go writeFrames(genCtx, video, vp8KeyFrame, videoInterval)
	}
	return ts, nil
}

// Release stops the generators behind ts. Unknown sets are ignored.
func (c *Capture) Release(ts negotiation.TrackSet) {
	if ts.Len() == 0 {
		return
	}
	streamID := ts.Tracks[0].StreamID()

	c.mu.Lock()
	cancel, ok := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

// Active returns the number of acquired, unreleased streams.
func (c *Capture) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// writeFrames repeats frame on track every interval until ctx is done.
func writeFrames(ctx context.Context, track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Fails harmlessly until the track is bound to a sender.
			_ = track.WriteSample(media.Sample{Data: frame, Duration: interval})
		case <-ctx.Done():
			return
		}
	}
}
