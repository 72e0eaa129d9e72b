package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrdemiurgic/blitz-chat-signaler/internal/metrics"
)

const writeWait = 1 * time.Second

// peerConn is one registered WebSocket connection. Writes are serialized by
// a mutex; reads happen only on the connection's own read loop.
type peerConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (p *peerConn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peerConn) closeWith(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// hub is the transport adapter: it owns the id->connection table and the
// per-room delivery sets. Registration happens on upgrade, removal on
// disconnect; Join/Leave only move a known connection between rooms.
type hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*peerConn
	rooms map[string]map[string]struct{}
}

func newHub(logger *slog.Logger, m *metrics.Metrics) *hub {
	return &hub{
		log:     logger,
		metrics: m,
		conns:   make(map[string]*peerConn),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *hub) register(p *peerConn) {
	h.mu.Lock()
	h.conns[p.id] = p
	h.mu.Unlock()
}

func (h *hub) unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	for room, set := range h.rooms {
		delete(set, id)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func (h *hub) Join(id, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return fmt.Errorf("unknown connection %q", id)
	}
	set := h.rooms[room]
	if set == nil {
		set = make(map[string]struct{})
		h.rooms[room] = set
	}
	set[id] = struct{}{}
	return nil
}

func (h *hub) Leave(id, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[room]
	if !ok {
		return fmt.Errorf("unknown room %q", room)
	}
	if _, ok := set[id]; !ok {
		return fmt.Errorf("connection %q is not in room %q", id, room)
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.rooms, room)
	}
	return nil
}

// ToConn delivers to a single connection. Unknown or departed targets are
// dropped without error.
func (h *hub) ToConn(id string, msg any) {
	h.mu.RLock()
	p, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		h.metrics.Inc(metrics.DropUnknownTarget)
		h.log.Debug("dropping message for unknown connection", "target", id)
		return
	}
	if err := p.send(msg); err != nil {
		h.log.Debug("write to peer failed", "peer", id, "err", err)
	}
}

// ToRoom delivers to every member of room except the given connection.
func (h *hub) ToRoom(room, except string, msg any) {
	h.mu.RLock()
	targets := make([]*peerConn, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if id == except {
			continue
		}
		if p, ok := h.conns[id]; ok {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(msg); err != nil {
			h.log.Debug("write to peer failed", "peer", p.id, "err", err)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*peerConn, 0, len(h.conns))
	for _, p := range h.conns {
		conns = append(conns, p)
	}
	h.conns = make(map[string]*peerConn)
	h.rooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, p := range conns {
		_ = p.conn.Close()
	}
}
