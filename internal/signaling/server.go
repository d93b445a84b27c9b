package signaling

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/util"
)

const (
	// backlogSize bounds frames held for a participant who has not joined yet.
	backlogSize = 32

	// defaultBacklogGrace is how long an empty room keeps its backlog, so an
	// offer survives its sender's link blipping before the callee arrives.
	defaultBacklogGrace = 30 * time.Second
)

// relayPeer is one participant's socket. Writes are serialized by mu.
type relayPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *relayPeer) write(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(kind, data)
}

func (p *relayPeer) writeLocked(kind int, data []byte) error {
	p.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return p.conn.WriteMessage(kind, data)
}

// room pairs at most two participants. Frames sent while alone are kept in
// backlog and delivered to whoever joins next.
type room struct {
	peers   []*relayPeer
	backlog [][]byte
}

// Relay forwards signaling frames between the two participants of a room. It
// never inspects or rewrites the envelopes it carries.
type Relay struct {
	pin          string
	backlogGrace time.Duration

	mu       sync.Mutex
	rooms    map[string]*room
	listener net.Listener
}

// NewRelay creates a relay. An empty pin admits anyone.
func NewRelay(pin string) *Relay {
	return &Relay{
		pin:          pin,
		backlogGrace: defaultBacklogGrace,
		rooms:        make(map[string]*room),
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	return mux
}

// Start begins listening on addr (":0" picks a free port). Returns the
// assigned port number.
func (r *Relay) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay: %w", err)
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	go func() {
		if err := http.Serve(listener, r.Handler()); err != nil && !errors.Is(err, net.ErrClosed) {
			util.LogError("relay stopped: %v", err)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Close shuts down the listener, preventing new connections.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener != nil {
		r.listener.Close()
		r.listener = nil
	}
}

// Occupancy returns how many participants are in the named room.
func (r *Relay) Occupancy(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return len(rm.peers)
	}
	return 0
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if r.pin != "" && subtle.ConstantTimeCompare([]byte(q.Get("pin")), []byte(r.pin)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	name := q.Get("room")
	p := &relayPeer{id: uuid.NewString(), conn: conn}

	// Hold the write lock until the backlog is out so frames forwarded
	// concurrently cannot overtake it.
	p.mu.Lock()
	backlog, ok := r.join(name, p)
	if !ok {
		p.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room is full"))
		conn.Close()
		util.LogWarning("[%s] rejected third participant for room %q", p.id, name)
		return
	}
	util.LogInfo("[%s] joined room %q", p.id, name)

	defer func() {
		r.leave(name, p)
		conn.Close()
		util.LogInfo("[%s] left room %q", p.id, name)
	}()

	var werr error
	for _, data := range backlog {
		if werr = p.writeLocked(websocket.TextMessage, data); werr != nil {
			break
		}
		util.Stats.AddSent()
	}
	p.mu.Unlock()
	if werr != nil {
		return
	}

	conn.SetReadLimit(defaultMaxMessageBytes)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		util.Stats.AddRecv()
		r.forward(name, p, data)
	}
}

// join admits p into the room and returns frames that were waiting for it.
func (r *Relay) join(name string, p *relayPeer) ([][]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{}
		r.rooms[name] = rm
	}
	if len(rm.peers) >= 2 {
		return nil, false
	}
	rm.peers = append(rm.peers, p)

	backlog := rm.backlog
	rm.backlog = nil
	return backlog, true
}

func (r *Relay) leave(name string, p *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return
	}
	for i, other := range rm.peers {
		if other == p {
			rm.peers = append(rm.peers[:i], rm.peers[i+1:]...)
			break
		}
	}
	if len(rm.peers) > 0 {
		return
	}
	if len(rm.backlog) == 0 {
		delete(r.rooms, name)
		return
	}

	time.AfterFunc(r.backlogGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.rooms[name] == rm && len(rm.peers) == 0 {
			delete(r.rooms, name)
			util.LogDebug("room %q expired with %d undelivered frame(s)", name, len(rm.backlog))
		}
	})
}

// pending returns how many frames the named room holds for its next joiner.
func (r *Relay) pending(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return len(rm.backlog)
	}
	return 0
}

// forward delivers data to the other participant, or parks it in the backlog.
func (r *Relay) forward(name string, from *relayPeer, data []byte) {
	r.mu.Lock()
	rm := r.rooms[name]
	var to *relayPeer
	if rm != nil {
		for _, other := range rm.peers {
			if other != from {
				to = other
			}
		}
		if to == nil {
			if len(rm.backlog) >= backlogSize {
				rm.backlog = rm.backlog[1:]
				util.Stats.AddDropped()
			}
			rm.backlog = append(rm.backlog, data)
		}
	}
	r.mu.Unlock()

	if to == nil {
		return
	}
	if err := to.write(websocket.TextMessage, data); err != nil {
		util.LogWarning("[%s] forward to %s failed: %v", from.id, to.id, err)
		return
	}
	util.Stats.AddSent()
}
