package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mrdemiurgic/blitz-chat-signaler/internal/metrics"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/rooms"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/xirsys"
)

// ICEFetcher provides a fresh relay credential set per call.
type ICEFetcher interface {
	Fetch(ctx context.Context) (xirsys.ICEConfig, error)
}

// Transport is the connection layer the router emits through. Join/Leave
// maintain the transport's own per-room delivery bookkeeping; the rooms
// registry stays the authoritative membership model and the router keeps the
// two in lockstep.
//
// Delivery to an unknown or departed connection id is a silent no-op: the
// relay makes no guarantee once a target has disconnected.
type Transport interface {
	Join(id, room string) error
	Leave(id, room string) error
	ToConn(id string, msg any)
	ToRoom(room, except string, msg any)
}

// Error messages surfaced to peers.
const (
	errRoomFull       = "room is full"
	errCannotJoin     = "cannot join room"
	errCannotLeave    = "cannot leave room"
	errCannotFetchICE = "cannot fetch ice config"
)

// Router is the signaling state machine. It owns no persistent state of its
// own: every handler is a reaction over (registry, event) producing outbound
// messages through the transport.
//
// The caller must process events for one connection serially; handlers for
// different connections may run concurrently.
type Router struct {
	registry  *rooms.Registry
	transport Transport
	ice       ICEFetcher
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewRouter(registry *rooms.Registry, transport Transport, ice ICEFetcher, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		transport: transport,
		ice:       ice,
		log:       logger,
		metrics:   m,
	}
}

// HandleJoin moves the connection into roomName, leaving its current room
// first if it has one. On acceptance the joining peer receives welcome with
// the pre-existing peer list and, when that list is non-empty, a fresh relay
// credential. A full room is reported as an error without mutating anything.
func (rt *Router) HandleJoin(ctx context.Context, id, roomName string) {
	if _, ok := rt.registry.CurrentRoom(id); ok {
		if !rt.leaveCurrentRoom(id) {
			return
		}
		rt.transport.ToConn(id, newByeMessage())
		rt.metrics.Inc(metrics.ImplicitLeave)
	}

	peers, err := rt.registry.Join(id, roomName)
	if errors.Is(err, rooms.ErrRoomFull) {
		rt.metrics.Inc(metrics.JoinRoomFull)
		rt.log.Info("room is full, peer turned away", "peer", id, "room", roomName)
		rt.transport.ToConn(id, newErrorMessage(errRoomFull))
		return
	}
	if err != nil {
		rt.log.Error("registry join failed", "peer", id, "room", roomName, "err", err)
		rt.transport.ToConn(id, newErrorMessage(errCannotJoin))
		return
	}

	if err := rt.transport.Join(id, roomName); err != nil {
		// Roll the registry back so the model never claims membership the
		// transport cannot deliver to.
		rt.registry.Leave(id)
		rt.log.Error("transport join failed", "peer", id, "room", roomName, "err", err)
		rt.transport.ToConn(id, newErrorMessage(errCannotJoin))
		return
	}

	var iceConfig *xirsys.ICEConfig
	if len(peers) > 0 {
		cfg, err := rt.fetchICE(ctx)
		if err != nil {
			// The join stands; the peer is in the room without a credential
			// and may retry with ready.
			rt.transport.ToConn(id, newErrorMessage(errCannotFetchICE))
			return
		}
		iceConfig = &cfg
	}

	rt.metrics.Inc(metrics.JoinAccepted)
	rt.log.Info("peer joined room", "peer", id, "room", roomName, "peers", len(peers))
	rt.transport.ToConn(id, newWelcomeMessage(roomName, id, peers, iceConfig))
}

// HandleReady announces the connection to the rest of its room with a fresh
// credential, so existing peers can start generating offers for it. Ignored
// when the connection is not in a room.
func (rt *Router) HandleReady(ctx context.Context, id string) {
	room, ok := rt.registry.CurrentRoom(id)
	if !ok {
		return
	}

	cfg, err := rt.fetchICE(ctx)
	if err != nil {
		rt.transport.ToConn(id, newErrorMessage(errCannotFetchICE))
		return
	}

	rt.log.Debug("peer ready", "peer", id, "room", room)
	rt.transport.ToRoom(room, id, newNewPeerMessage(id, cfg))
}

// HandleSDP relays an opaque session description to the target connection.
// Offers carry a fresh credential so the receiving side can build its answer
// against an authenticated relay.
func (rt *Router) HandleSDP(ctx context.Context, id, to string, payload json.RawMessage) {
	var iceConfig *xirsys.ICEConfig
	if sdpPayloadType(payload) == "offer" {
		cfg, err := rt.fetchICE(ctx)
		if err != nil {
			rt.transport.ToConn(id, newErrorMessage(errCannotFetchICE))
			return
		}
		iceConfig = &cfg
	}

	rt.metrics.Inc(metrics.SDPRelayed)
	rt.log.Debug("sdp exchange", "type", sdpPayloadType(payload), "from", id, "to", to)
	rt.transport.ToConn(to, newSDPMessage(id, payload, iceConfig))
}

// HandleCandidate relays an opaque ICE candidate to the target connection.
func (rt *Router) HandleCandidate(id, to string, payload json.RawMessage) {
	rt.metrics.Inc(metrics.CandidateRelayed)
	rt.log.Debug("iceCandidate exchange", "from", id, "to", to)
	rt.transport.ToConn(to, newCandidateMessage(id, payload))
}

// HandleLeave removes the connection from its room, notifying the remaining
// peers with byePeer and confirming to the leaver with bye. A connection that
// is not in a room leaves nothing and receives nothing.
func (rt *Router) HandleLeave(id string) {
	if _, ok := rt.registry.CurrentRoom(id); !ok {
		return
	}
	if rt.leaveCurrentRoom(id) {
		rt.transport.ToConn(id, newByeMessage())
	}
}

// HandleDisconnect runs the leave sequence as the transport connection is
// going away. Unlike HandleLeave it cannot surface transport errors to
// anyone, so the membership cleanup always completes; the bye confirmation
// is best-effort and usually lost with the socket.
func (rt *Router) HandleDisconnect(id string) {
	room, ok := rt.registry.CurrentRoom(id)
	if !ok {
		return
	}

	_ = rt.transport.Leave(id, room)
	_, remaining, _ := rt.registry.Leave(id)
	rt.metrics.Inc(metrics.PeerLeft)
	rt.log.Info("peer left room", "peer", id, "room", room)
	if len(remaining) > 0 {
		rt.transport.ToRoom(room, id, newByePeerMessage(id))
	}
	rt.transport.ToConn(id, newByeMessage())
}

// leaveCurrentRoom performs the acknowledgment-gated leave: the transport
// must drop its room bookkeeping before the registry mutates and the
// departure is announced. Reports whether membership actually changed.
func (rt *Router) leaveCurrentRoom(id string) bool {
	room, ok := rt.registry.CurrentRoom(id)
	if !ok {
		return true
	}

	if err := rt.transport.Leave(id, room); err != nil {
		rt.log.Error("transport leave failed", "peer", id, "room", room, "err", err)
		rt.transport.ToConn(id, newErrorMessage(errCannotLeave))
		return false
	}

	_, remaining, _ := rt.registry.Leave(id)
	rt.metrics.Inc(metrics.PeerLeft)
	rt.log.Info("peer left room", "peer", id, "room", room)
	// The departure is only announced to peers that remain; an emptied room
	// has nobody left to tell.
	if len(remaining) > 0 {
		rt.transport.ToRoom(room, id, newByePeerMessage(id))
	}
	return true
}

func (rt *Router) fetchICE(ctx context.Context) (xirsys.ICEConfig, error) {
	cfg, err := rt.ice.Fetch(ctx)
	if err != nil {
		rt.metrics.Inc(metrics.ICEFetchFailure)
		rt.log.Error("ice config fetch failed", "err", err)
		return xirsys.ICEConfig{}, err
	}
	rt.metrics.Inc(metrics.ICEFetchOK)
	return cfg, nil
}
