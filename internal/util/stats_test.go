package util

import (
	"context"
	"strings"
	"testing"
	"time"
)

// TestSnapshotDelta verifies a reporting window only counts what happened
// since the previous snapshot.
func TestSnapshotDelta(t *testing.T) {
	s := &stats{}
	s.AddSent()
	s.AddSent()
	s.AddRecv()
	prev := s.snapshot()

	s.AddSent()
	s.AddDropped()
	s.AddDecodeError()
	s.AddSession()

	got := s.snapshot().sub(prev)
	want := snapshot{sent: 1, recv: 0, dropped: 1, decode: 1, sessions: 1}
	if got != want {
		t.Errorf("delta: got %+v, want %+v", got, want)
	}
}

// TestFormatStats verifies every counter appears in the report line.
func TestFormatStats(t *testing.T) {
	line := formatStats(snapshot{sent: 12, recv: 7, dropped: 2, decode: 1, sessions: 3})

	for _, want := range []string{"Sent:  12", "Recv:   7", "Dropped:  2", "Malformed:  1", "Sessions:  3"} {
		if !strings.Contains(line, want) {
			t.Errorf("%q missing %q", line, want)
		}
	}
}

// TestPionLoggerFactory verifies every pion scope gets a usable logger.
func TestPionLoggerFactory(t *testing.T) {
	l := PionLoggerFactory{}.NewLogger("ice")
	l.Trace("trace")
	l.Debugf("debug %d", 1)
	l.Info("info")
	l.Warnf("warn %s", "x")
	l.Error("error")
}

// TestRunStatsReporterStops verifies the reporter returns once its context
// is cancelled, so it can be supervised like any other worker.
func TestRunStatsReporterStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunStatsReporter(ctx, time.Millisecond)
	}()

	Stats.AddSent()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter still running after cancel")
	}
}
