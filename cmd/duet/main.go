// Duet — CLI entry point.
//
// Duet places or answers a direct two-party WebRTC call. The session
// descriptions and ICE candidates are exchanged through a WebSocket relay
// (see duet-relay); media then flows peer to peer.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -name, -relay, -room, -pin, ...).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/negotiation"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
	"github.com/1ureka/duet/internal/webrtc"
)

var version = "dev"

// flushTimeout bounds how long a final Leave may wait for the relay link.
const flushTimeout = 2 * time.Second

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	role := flag.String("role", "", "Role: call or answer")
	flag.StringVar(&cfg.DisplayName, "name", "", "Display name shown to the other side")
	relay := flag.String("relay", "", "Relay URL (e.g. wss://relay.example.com/ws)")
	flag.StringVar(&cfg.Room, "room", cfg.Room, "Relay room shared with the other side")
	flag.StringVar(&cfg.PIN, "pin", "", "Relay PIN, if the relay requires one")
	flag.StringVar(&cfg.Glare, "glare", cfg.Glare, "On simultaneous offers: reject (keep ours) or yield (answer theirs)")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Give up if the call does not connect within this time (negative disables)")
	flag.IntVar(&cfg.CandidateRetries, "retries", cfg.CandidateRetries, "Attempts per remote ICE candidate")
	flag.BoolVar(&cfg.StrictCandidates, "strict-candidates", false, "End the call when a remote ICE candidate keeps failing")
	flag.IntVar(&cfg.OutboxCapacity, "outbox", cfg.OutboxCapacity, "Envelopes buffered while the relay is unreachable")
	stun := flag.String("stun", strings.Join(webrtc.DefaultSTUNServers, ","), "Comma-separated STUN server URLs")
	flag.BoolVar(&cfg.Audio, "audio", cfg.Audio, "Send audio")
	flag.BoolVar(&cfg.Video, "video", cfg.Video, "Send video")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Duet — v%s", version))
	pterm.Println()

	cfg.STUNServers = config.SplitList(*stun)
	if *role != "" {
		cfg.Role = config.Role(*role)
	}
	if *relay != "" {
		u, err := config.NormalizeRelayURL(*relay)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.RelayURL = u
	}

	// Missing essentials → interactive mode.
	if *role == "" || cfg.DisplayName == "" || cfg.RelayURL == "" {
		askMissing(&cfg, *role == "")
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("goodbye")
}

// run wires the relay channel, the peer connection factory, and the engine,
// then waits for the call to end or for Ctrl+C.
func run(ctx context.Context, cfg config.Config) error {
	glare, err := negotiation.ParseGlarePolicy(cfg.Glare)
	if err != nil {
		return err
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return err
	}

	api, err := webrtc.NewAPI()
	if err != nil {
		return fmt.Errorf("failed to set up WebRTC: %w", err)
	}

	ch := signaling.NewChannel(signaling.ChannelConfig{
		OutboxCapacity: cfg.OutboxCapacity,
		Reconnect:      true,
	})
	sink := newTerminalSink()

	engine, err := negotiation.NewEngine(negotiation.Config{
		DisplayName:        strings.TrimSpace(cfg.DisplayName),
		Glare:              glare,
		NegotiationTimeout: cfg.Timeout,
		CandidateRetries:   cfg.CandidateRetries,
		StrictCandidates:   cfg.StrictCandidates,
		Constraints:        negotiation.Constraints{Audio: cfg.Audio, Video: cfg.Video},
	}, ch, webrtc.NewFactory(api, cfg.STUNServers), webrtc.NewCapture(), sink)
	if err != nil {
		return err
	}

	// Ctrl+C must not tear the link down before the Leave is written.
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		if err := engine.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := ch.Connect(gctx, endpoint); err != nil {
			return err
		}
		<-gctx.Done()
		ch.Disconnect()
		return nil
	})
	g.Go(func() error {
		util.RunStatsReporter(gctx, config.DefaultStatsInterval)
		return nil
	})

	switch cfg.Role {
	case config.RoleCall:
		util.LogInfo("calling room %q as %q", cfg.Room, cfg.DisplayName)
		if err := engine.StartCall(gctx); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("failed to start call: %w", err)
		}
	case config.RoleAnswer:
		util.LogInfo("waiting for a call in room %q as %q", cfg.Room, cfg.DisplayName)
	}

	select {
	case <-sink.Ended():
	case <-gctx.Done():
	case <-ctx.Done():
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), flushTimeout)
		engine.LeaveMeeting(leaveCtx)
		leaveCancel()
	}

	waitFlushed(ch, flushTimeout)
	cancel()
	return g.Wait()
}

// waitFlushed gives the writer a moment to deliver a final Leave.
func waitFlushed(ch *signaling.Channel, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for ch.Pending() > 0 && ch.Connected() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askMissing prompts for whatever the flags did not provide.
func askMissing(cfg *config.Config, askRole bool) {
	if askRole {
		role, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{"Call   — Place a call", "Answer — Wait for a call"}).
			WithDefaultText("Select your role").
			Show()
		pterm.Println()

		cfg.Role = config.RoleAnswer
		if strings.HasPrefix(role, "Call") {
			cfg.Role = config.RoleCall
		}
	}

	for strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Display name").
			Show()
		pterm.Println()
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = askURL()
	}
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		relayURL, err := config.NormalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
