package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling counter.
var Stats = &stats{}

type stats struct {
	EnvelopesSent atomic.Int64 // envelopes written to the relay
	EnvelopesRecv atomic.Int64 // envelopes decoded from the relay
	Dropped       atomic.Int64 // envelopes evicted from a full outbox
	DecodeErrors  atomic.Int64 // inbound frames that failed validation
	Sessions      atomic.Int64 // peer sessions created since process start
}

func (s *stats) AddSent()        { s.EnvelopesSent.Add(1) }
func (s *stats) AddRecv()        { s.EnvelopesRecv.Add(1) }
func (s *stats) AddDropped()     { s.Dropped.Add(1) }
func (s *stats) AddDecodeError() { s.DecodeErrors.Add(1) }
func (s *stats) AddSession()     { s.Sessions.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	sent, recv, dropped, decode, sessions int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		sent:     s.EnvelopesSent.Load(),
		recv:     s.EnvelopesRecv.Load(),
		dropped:  s.Dropped.Load(),
		decode:   s.DecodeErrors.Load(),
		sessions: s.Sessions.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter runs RunStatsReporter in its own goroutine.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go RunStatsReporter(ctx, interval)
}

// RunStatsReporter logs signaling statistics every interval when something
// changed. It blocks until ctx is cancelled.
func RunStatsReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev snapshot
	for {
		select {
		case <-ticker.C:
			cur := Stats.snapshot()
			if cur != prev {
				pterm.DefaultLogger.Info(formatStats(cur.sub(prev)))
			}
			prev = cur

		case <-ctx.Done():
			return
		}
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		sent:     s.sent - o.sent,
		recv:     s.recv - o.recv,
		dropped:  s.dropped - o.dropped,
		decode:   s.decode - o.decode,
		sessions: s.sessions - o.sessions,
	}
}

// formatStats returns a fixed-width summary of one reporting window.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Sent: %3d | Recv: %3d | Dropped: %2d | Malformed: %2d | Sessions: %2d",
		d.sent,
		d.recv,
		d.dropped,
		d.decode,
		d.sessions,
	)
}
