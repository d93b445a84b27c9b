package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/util"
)

// DefaultOutboxCapacity bounds how many envelopes are held while the link is down.
const DefaultOutboxCapacity = 32

// frame is an encoded envelope waiting for the writer.
type frame struct {
	env  Envelope
	data []byte
}

// outbox is a count-bounded FIFO shared by every link of a Channel. When it
// is full the oldest frame is evicted so the newest intent always survives.
type outbox struct {
	mu       sync.Mutex
	capacity int
	frames   []frame
	notify   chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &outbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends f and returns the evicted frame, if any. It never blocks.
func (o *outbox) push(f frame) (evicted frame, dropped bool) {
	o.mu.Lock()
	if len(o.frames) >= o.capacity {
		evicted, dropped = o.frames[0], true
		copy(o.frames, o.frames[1:])
		o.frames = o.frames[:len(o.frames)-1]
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return evicted, dropped
}

// pushFront returns a frame the writer failed to send to the head of the
// queue so ordering is preserved across a reconnect. If the outbox filled up
// meanwhile, f is the oldest frame and is the one dropped; dropped reports it.
func (o *outbox) pushFront(f frame) (dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) >= o.capacity {
		return true
	}
	o.frames = append(o.frames, frame{})
	copy(o.frames[1:], o.frames)
	o.frames[0] = f
	return false
}

// pop removes the head frame without blocking.
func (o *outbox) pop() (frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return frame{}, false
	}
	f := o.frames[0]
	o.frames[0] = frame{}
	o.frames = o.frames[1:]
	return f, true
}

// ready is signalled after every push.
func (o *outbox) ready() <-chan struct{} {
	return o.notify
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// clear discards everything still buffered and returns how many were lost.
func (o *outbox) clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.frames)
	o.frames = nil
	return n
}

// writeLoop is the single writer of a link. It drains the outbox, keeps the
// link alive with pings, and hands a frame back to the outbox if the write
// fails so the next link resends it.
func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		for {
			f, ok := c.out.pop()
			if !ok {
				break
			}
			conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				if c.out.pushFront(f) {
					c.dropped(f.env)
				}
				return err
			}
			util.Stats.AddSent()
		}

		select {
		case <-c.out.ready():
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
