package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/util"
)

var (
	// ErrTransport is wrapped by every link failure reported through EventLinkDown.
	ErrTransport = errors.New("signaling transport failure")

	// ErrAlreadySubscribed is returned when a second subscriber tries to attach.
	ErrAlreadySubscribed = errors.New("signaling channel already has a subscriber")
)

const (
	defaultPingInterval    = 15 * time.Second
	defaultReadTimeout     = 45 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultRedialMin       = 500 * time.Millisecond
	defaultRedialMax       = 10 * time.Second
)

// EventType classifies out-of-band channel notifications.
type EventType int

const (
	EventLinkUp EventType = iota
	EventLinkDown
	EventBackpressureDropped
	EventDecodeError
)

func (t EventType) String() string {
	switch t {
	case EventLinkUp:
		return "link-up"
	case EventLinkDown:
		return "link-down"
	case EventBackpressureDropped:
		return "backpressure-dropped"
	case EventDecodeError:
		return "decode-error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered to the subscriber alongside envelopes. Envelope is set
// for EventBackpressureDropped; Err is set for EventLinkDown and EventDecodeError.
type Event struct {
	Type     EventType
	Err      error
	Envelope Envelope
}

// Subscriber receives everything a Channel produces. OnEnvelope is never
// invoked concurrently with itself.
type Subscriber interface {
	OnEnvelope(Envelope)
	OnEvent(Event)
}

// Dialer opens one WebSocket link to the relay.
type Dialer func(ctx context.Context, endpoint string) (*websocket.Conn, error)

// ChannelConfig tunes a Channel. Zero values select defaults.
type ChannelConfig struct {
	OutboxCapacity  int
	Reconnect       bool
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	RedialMin       time.Duration
	RedialMax       time.Duration
	Dial            Dialer
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = DefaultOutboxCapacity
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.RedialMin <= 0 {
		c.RedialMin = defaultRedialMin
	}
	if c.RedialMax <= 0 {
		c.RedialMax = defaultRedialMax
	}
	if c.Dial == nil {
		c.Dial = connect
	}
	return c
}

// run is one Connect..Disconnect lifetime.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Channel is the duplex link to the relay. It survives link loss: outbound
// envelopes are buffered in a bounded outbox and flushed in order once a new
// link comes up.
type Channel struct {
	cfg ChannelConfig
	out *outbox

	mu  sync.Mutex
	sub Subscriber
	cur *run
	up  bool
}

// NewChannel creates a disconnected Channel.
func NewChannel(cfg ChannelConfig) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg: cfg,
		out: newOutbox(cfg.OutboxCapacity),
	}
}

// Subscribe attaches the single consumer of this channel.
func (c *Channel) Subscribe(s Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return ErrAlreadySubscribed
	}
	c.sub = s
	return nil
}

// Connect starts maintaining a link to endpoint. It returns immediately;
// success and failure are reported as EventLinkUp / EventLinkDown. Calling it
// while a link is already maintained is a no-op.
func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: empty endpoint", ErrTransport)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.cur = r

	go c.supervise(runCtx, r, endpoint)
	return nil
}

// Disconnect closes the link, stops delivery, and discards buffered
// envelopes. It is idempotent and must not be called from the subscriber.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	r := c.cur
	c.cur = nil
	c.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}

	if n := c.out.clear(); n > 0 {
		util.LogDebug("discarded %d buffered envelope(s) on disconnect", n)
	}
}

// Connected reports whether a link is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

// Send queues env for transmission. It never blocks; while the link is down
// the envelope waits in the outbox.
func (c *Channel) Send(env Envelope) {
	data, err := Encode(env)
	if err != nil {
		util.LogError("failed to encode %s: %v", env, err)
		return
	}

	if evicted, dropped := c.out.push(frame{env: env, data: data}); dropped {
		c.dropped(evicted.env)
	}
}

// dropped reports an envelope evicted from the full outbox.
func (c *Channel) dropped(env Envelope) {
	util.Stats.AddDropped()
	util.LogWarning("outbox full, dropped oldest envelope (%s)", env)
	c.emit(Event{Type: EventBackpressureDropped, Envelope: env})
}

// Pending returns the number of envelopes waiting to be written.
func (c *Channel) Pending() int {
	return c.out.len()
}

// supervise dials, serves, and redials until the run is cancelled.
func (c *Channel) supervise(ctx context.Context, r *run, endpoint string) {
	defer close(r.done)
	defer func() {
		c.mu.Lock()
		if c.cur == r {
			c.cur = nil
		}
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RedialMin
	b.MaxInterval = c.cfg.RedialMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := c.cfg.Dial(ctx, endpoint)
		if err == nil {
			b.Reset()
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		util.LogWarning("signaling link down: %v", err)
		c.emit(Event{Type: EventLinkDown, Err: fmt.Errorf("%w: %v", ErrTransport, err)})

		if !c.cfg.Reconnect {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		util.LogDebug("redialing %s in %s", endpoint, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// serve runs one link until it fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setUp(true)
	defer c.setUp(false)

	util.LogDebug("signaling link up: %s", conn.RemoteAddr())
	c.emit(Event{Type: EventLinkUp})

	// Closing the socket is what unblocks the reader.
	go func() {
		<-linkCtx.Done()
		conn.Close()
	}()

	writeErr := make(chan error, 1)
	go func() {
		err := c.writeLoop(linkCtx, conn)
		cancel()
		writeErr <- err
	}()

	err := c.readLoop(linkCtx, conn)
	cancel()
	if werr := <-writeErr; werr != nil {
		err = werr
	}
	return err
}

func (c *Channel) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

func (c *Channel) subscriber() Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Channel) emit(ev Event) {
	if s := c.subscriber(); s != nil {
		s.OnEvent(ev)
	}
}
