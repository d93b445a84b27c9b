// Duet relay: forwards signaling envelopes between the two participants of
// a room. It never sees media.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port := flag.Int("port", 0, "Port to listen on (0 picks a free port)")
	listenAll := flag.Bool("listen", false, "Listen on all network interfaces (for LAN access)")
	pin := flag.String("pin", "", "PIN required from participants (empty disables)")
	genPIN := flag.Bool("genpin", false, "Generate a random 6-digit PIN")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *port < 0 || *port > 65535 {
		util.LogError("invalid -port (must be 0~65535)")
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Duet relay — v%s", version))
	pterm.Println()

	if *genPIN {
		*pin = signaling.GeneratePIN(6)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	if *listenAll {
		addr = fmt.Sprintf(":%d", *port)
	}

	relay := signaling.NewRelay(*pin)
	actual, err := relay.Start(addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer relay.Close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling Relay").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nPath : /ws?room=%s", actual, pinOrNone(*pin), config.DefaultRoom))
	pterm.Println()

	util.StartStatsReporter(ctx, config.DefaultStatsInterval)
	<-ctx.Done()
	util.LogInfo("relay stopped")
}

func pinOrNone(pin string) string {
	if pin == "" {
		return "(none)"
	}
	return pin
}
