package signaling

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mrdemiurgic/blitz-chat-signaler/internal/metrics"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/rooms"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *rooms.Registry
	ICE      ICEFetcher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// CheckOrigin overrides the WebSocket origin check. When nil all origins
	// are accepted; deployments behind httpserver get the allowlist check
	// from there.
	CheckOrigin func(r *http.Request) bool

	// Inbound hardening. Zero values fall back to the defaults below.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

const (
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
)

// Server exposes the signaling protocol over a WebSocket endpoint.
//
// Each accepted connection gets a server-assigned id and a dedicated read
// loop. Events from one connection are handled to completion in arrival
// order, including any awaited credential fetch; connections do not block
// each other.
type Server struct {
	registry *rooms.Registry
	router   *Router
	hub      *hub
	metrics  *metrics.Metrics
	log      *slog.Logger

	checkOrigin          func(r *http.Request) bool
	maxMessageBytes      int64
	maxMessagesPerSecond int
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	maxPerSecond := cfg.MaxMessagesPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = defaultMaxMessagesPerSecond
	}

	h := newHub(logger, cfg.Metrics)
	return &Server{
		registry: cfg.Registry,
		router:   NewRouter(cfg.Registry, h, cfg.ICE, logger, cfg.Metrics),
		hub:      h,
		metrics:  cfg.Metrics,
		log:      logger,

		checkOrigin:          cfg.CheckOrigin,
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxPerSecond,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Close disconnects every registered peer. Used on shutdown.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	checkOrigin := s.checkOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peerConn{
		id:   uuid.NewString(),
		conn: conn,
	}
	s.hub.register(p)
	s.log.Info("peer connected", "peer", p.id, "remote_addr", r.RemoteAddr)

	s.readLoop(p)
}

func (s *Server) readLoop(p *peerConn) {
	defer func() {
		// Best-effort leave: remaining peers get byePeer; the bye to self may
		// be lost since the transport is going away.
		s.router.HandleDisconnect(p.id)
		s.hub.unregister(p.id)
		_ = p.conn.Close()
		s.log.Info("peer disconnected", "peer", p.id)
	}()

	p.conn.SetReadLimit(s.maxMessageBytes)
	limiter := rate.NewLimiter(rate.Limit(s.maxMessagesPerSecond), s.maxMessagesPerSecond)

	ctx := context.Background()
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			s.metrics.Inc(metrics.DropRateLimited)
			_ = p.send(newErrorMessage("rate limit exceeded"))
			p.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			_ = p.send(newErrorMessage("expected text message"))
			p.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.DropBadMessage)
			_ = p.send(newErrorMessage(err.Error()))
			p.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case messageTypeJoin:
			s.router.HandleJoin(ctx, p.id, msg.RoomName)
		case messageTypeReady:
			s.router.HandleReady(ctx, p.id)
		case messageTypeSDP:
			s.router.HandleSDP(ctx, p.id, msg.To, msg.SDP)
		case messageTypeCandidate:
			s.router.HandleCandidate(p.id, msg.To, msg.Candidate)
		case messageTypeLeave:
			s.router.HandleLeave(p.id)
		}
	}
}
