package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/util"
)

// readLoop decodes inbound frames and hands them to the subscriber one at a
// time. Malformed frames are reported and skipped; only a socket error ends
// the loop.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if kind != websocket.TextMessage {
			util.LogDebug("ignoring non-text frame (type=%d)", kind)
			continue
		}

		env, err := Decode(data)
		if err != nil {
			util.Stats.AddDecodeError()
			util.LogWarning("dropping inbound frame: %v", err)
			c.emit(Event{Type: EventDecodeError, Err: err})
			continue
		}

		util.Stats.AddRecv()
		if s := c.subscriber(); s != nil {
			s.OnEnvelope(env)
		}
	}
}
