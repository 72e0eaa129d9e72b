package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrdemiurgic/blitz-chat-signaler/internal/metrics"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/rooms"
	"github.com/mrdemiurgic/blitz-chat-signaler/internal/xirsys"
)

type staticICE struct{}

func (staticICE) Fetch(ctx context.Context) (xirsys.ICEConfig, error) {
	return xirsys.GoogleSTUN(), nil
}

func newWSTestServer(t *testing.T, cfg Config) string {
	t.Helper()

	if cfg.Registry == nil {
		cfg.Registry = rooms.NewRegistry(100)
	}
	if cfg.ICE == nil {
		cfg.ICE = staticICE{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendWS(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type wireMessage struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	RoomName  string          `json:"roomName"`
	SelfID    string          `json:"selfId"`
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Peers     []string        `json:"peers"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"iceCandidate"`
	ICEConfig json.RawMessage `json:"iceConfig"`
}

func readWS(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func joinRoom(t *testing.T, ws *websocket.Conn, room string) wireMessage {
	t.Helper()
	sendWS(t, ws, `{"type":"join","roomName":"`+room+`"}`)
	welcome := readWS(t, ws)
	if welcome.Type != "welcome" {
		t.Fatalf("expected welcome, got %#v", welcome)
	}
	return welcome
}

func TestWS_JoinWelcomeAndRoomFull(t *testing.T) {
	url := newWSTestServer(t, Config{Registry: rooms.NewRegistry(2)})

	wsA := dialWS(t, url)
	welcomeA := joinRoom(t, wsA, "r1")
	if welcomeA.SelfID == "" || welcomeA.RoomName != "r1" {
		t.Fatalf("welcome = %#v", welcomeA)
	}
	if len(welcomeA.Peers) != 0 {
		t.Fatalf("first peer should see an empty room, got %v", welcomeA.Peers)
	}
	if welcomeA.ICEConfig != nil {
		t.Fatalf("sole occupant must not get iceConfig")
	}

	wsB := dialWS(t, url)
	welcomeB := joinRoom(t, wsB, "r1")
	if len(welcomeB.Peers) != 1 || welcomeB.Peers[0] != welcomeA.SelfID {
		t.Fatalf("peers = %v, want [%s]", welcomeB.Peers, welcomeA.SelfID)
	}
	if welcomeB.ICEConfig == nil {
		t.Fatalf("second peer must get iceConfig")
	}

	wsC := dialWS(t, url)
	sendWS(t, wsC, `{"type":"join","roomName":"r1"}`)
	errMsg := readWS(t, wsC)
	if errMsg.Type != "error" || errMsg.Message != "room is full" {
		t.Fatalf("expected room-is-full error, got %#v", errMsg)
	}

	// The rejected connection stays usable and can join another room.
	welcomeC := joinRoom(t, wsC, "r2")
	if len(welcomeC.Peers) != 0 {
		t.Fatalf("r2 should be empty, got %v", welcomeC.Peers)
	}
}

func TestWS_SDPAndCandidateRelay(t *testing.T) {
	url := newWSTestServer(t, Config{})

	wsA := dialWS(t, url)
	idA := joinRoom(t, wsA, "r1").SelfID
	wsB := dialWS(t, url)
	idB := joinRoom(t, wsB, "r1").SelfID

	sendWS(t, wsA, `{"type":"sdp","to":"`+idB+`","sdp":{"type":"offer","sdp":"v=0"}}`)
	relayed := readWS(t, wsB)
	if relayed.Type != "sdp" || relayed.From != idA {
		t.Fatalf("relayed = %#v", relayed)
	}
	if relayed.ICEConfig == nil {
		t.Fatalf("offer relay must carry iceConfig")
	}
	var sdpPayload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(relayed.SDP, &sdpPayload); err != nil || sdpPayload.SDP != "v=0" {
		t.Fatalf("payload altered: %s (%v)", relayed.SDP, err)
	}

	sendWS(t, wsB, `{"type":"sdp","to":"`+idA+`","sdp":{"type":"answer","sdp":"v=0"}}`)
	answer := readWS(t, wsA)
	if answer.Type != "sdp" || answer.From != idB {
		t.Fatalf("answer = %#v", answer)
	}
	if answer.ICEConfig != nil {
		t.Fatalf("answer relay must not carry iceConfig")
	}

	sendWS(t, wsA, `{"type":"iceCandidate","to":"`+idB+`","iceCandidate":{"candidate":"candidate:1"}}`)
	cand := readWS(t, wsB)
	if cand.Type != "iceCandidate" || cand.From != idA || cand.Candidate == nil {
		t.Fatalf("candidate = %#v", cand)
	}
}

func TestWS_ReadyBroadcastsNewPeer(t *testing.T) {
	url := newWSTestServer(t, Config{})

	wsA := dialWS(t, url)
	idA := joinRoom(t, wsA, "r1").SelfID
	wsB := dialWS(t, url)
	idB := joinRoom(t, wsB, "r1").SelfID
	_ = idA

	sendWS(t, wsB, `{"type":"ready"}`)
	newPeer := readWS(t, wsA)
	if newPeer.Type != "newPeer" || newPeer.ID != idB {
		t.Fatalf("newPeer = %#v", newPeer)
	}
	if newPeer.ICEConfig == nil {
		t.Fatalf("newPeer must carry iceConfig")
	}
}

func TestWS_LeaveNotifiesRoomAndConfirms(t *testing.T) {
	url := newWSTestServer(t, Config{})

	wsA := dialWS(t, url)
	_ = joinRoom(t, wsA, "r1")
	wsB := dialWS(t, url)
	idB := joinRoom(t, wsB, "r1").SelfID

	sendWS(t, wsB, `{"type":"leave"}`)
	bye := readWS(t, wsB)
	if bye.Type != "bye" {
		t.Fatalf("expected bye, got %#v", bye)
	}
	byePeer := readWS(t, wsA)
	if byePeer.Type != "byePeer" || byePeer.ID != idB {
		t.Fatalf("expected byePeer for %s, got %#v", idB, byePeer)
	}
}

func TestWS_DisconnectNotifiesRoom(t *testing.T) {
	url := newWSTestServer(t, Config{})

	wsA := dialWS(t, url)
	_ = joinRoom(t, wsA, "r1")
	wsB := dialWS(t, url)
	idB := joinRoom(t, wsB, "r1").SelfID

	_ = wsB.Close()

	byePeer := readWS(t, wsA)
	if byePeer.Type != "byePeer" || byePeer.ID != idB {
		t.Fatalf("expected byePeer for %s, got %#v", idB, byePeer)
	}
}

func TestWS_BadMessageCloses(t *testing.T) {
	m := metrics.New()
	url := newWSTestServer(t, Config{Metrics: m})

	ws := dialWS(t, url)
	sendWS(t, ws, `{"type":"nonsense"}`)

	errMsg := readWS(t, ws)
	if errMsg.Type != "error" {
		t.Fatalf("expected error, got %#v", errMsg)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the connection")
	}
	if m.Get(metrics.DropBadMessage) == 0 {
		t.Fatalf("expected drop_bad_message to be counted")
	}
}

func TestWS_RateLimitCloses(t *testing.T) {
	m := metrics.New()
	url := newWSTestServer(t, Config{Metrics: m, MaxMessagesPerSecond: 1})

	ws := dialWS(t, url)
	sendWS(t, ws, `{"type":"ready"}`)
	sendWS(t, ws, `{"type":"ready"}`)

	errMsg := readWS(t, ws)
	if errMsg.Type != "error" || errMsg.Message != "rate limit exceeded" {
		t.Fatalf("expected rate limit error, got %#v", errMsg)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the connection")
	}
}

func TestWS_MessageToDepartedPeerIsDropped(t *testing.T) {
	m := metrics.New()
	url := newWSTestServer(t, Config{Metrics: m})

	wsA := dialWS(t, url)
	_ = joinRoom(t, wsA, "r1")
	wsB := dialWS(t, url)
	idB := joinRoom(t, wsB, "r1").SelfID

	_ = wsB.Close()
	byePeer := readWS(t, wsA)
	if byePeer.Type != "byePeer" {
		t.Fatalf("expected byePeer, got %#v", byePeer)
	}

	// Deliveries addressed to the departed peer are dropped without an error
	// to the sender. The disconnect may still be settling server-side, so
	// resend until the drop is observed.
	deadline := time.Now().Add(2 * time.Second)
	for m.Get(metrics.DropUnknownTarget) == 0 && time.Now().Before(deadline) {
		sendWS(t, wsA, `{"type":"iceCandidate","to":"`+idB+`","iceCandidate":{"candidate":"late"}}`)
		time.Sleep(20 * time.Millisecond)
	}
	if m.Get(metrics.DropUnknownTarget) == 0 {
		t.Fatalf("expected drop_unknown_target to be counted")
	}

	// And the sender heard nothing back.
	_ = wsA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := wsA.ReadMessage(); err == nil {
		t.Fatalf("sender must not receive anything for a departed target")
	}
}
