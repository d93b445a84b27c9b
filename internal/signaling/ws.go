package signaling

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 10 * time.Second

// Envelopes are small JSON documents; 4 KiB buffers cover a typical SDP.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: defaultHandshakeTimeout,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
}

// connect is the default Dialer. A rejected handshake (wrong PIN, full room
// behind a proxy) reports the HTTP status.
func connect(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay refused connection (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return conn, nil
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		b.WriteByte(byte('0') + byte(n.Int64()))
	}
	return b.String()
}
