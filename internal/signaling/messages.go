package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mrdemiurgic/blitz-chat-signaler/internal/xirsys"
)

type messageType string

// Peer -> relay.
const (
	messageTypeJoin      messageType = "join"
	messageTypeReady     messageType = "ready"
	messageTypeSDP       messageType = "sdp"
	messageTypeCandidate messageType = "iceCandidate"
	messageTypeLeave     messageType = "leave"
)

// Relay -> peer.
const (
	messageTypeWelcome messageType = "welcome"
	messageTypeNewPeer messageType = "newPeer"
	messageTypeByePeer messageType = "byePeer"
	messageTypeBye     messageType = "bye"
	messageTypeError   messageType = "error"
)

// clientMessage is the inbound envelope. SDP and candidate payloads are kept
// opaque; the relay forwards them without interpretation.
type clientMessage struct {
	Type      messageType     `json:"type"`
	RoomName  string          `json:"roomName,omitempty"`
	To        string          `json:"to,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"iceCandidate,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.RoomName == "" {
			return fmt.Errorf("join message missing roomName")
		}
		if m.To != "" || m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeReady:
		if m.RoomName != "" || m.To != "" || m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("ready message has unexpected fields")
		}
	case messageTypeSDP:
		if m.To == "" {
			return fmt.Errorf("sdp message missing to")
		}
		if len(m.SDP) == 0 {
			return fmt.Errorf("sdp message missing sdp")
		}
		if m.RoomName != "" || m.Candidate != nil {
			return fmt.Errorf("sdp message has unexpected fields")
		}
	case messageTypeCandidate:
		if m.To == "" {
			return fmt.Errorf("iceCandidate message missing to")
		}
		if len(m.Candidate) == 0 {
			return fmt.Errorf("iceCandidate message missing iceCandidate")
		}
		if m.RoomName != "" || m.SDP != nil {
			return fmt.Errorf("iceCandidate message has unexpected fields")
		}
	case messageTypeLeave:
		if m.RoomName != "" || m.To != "" || m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("leave message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// sdpPayloadType peeks at the "type" field of an opaque session description
// so the router can tell offers from answers. Anything unreadable is treated
// as not-an-offer.
func sdpPayloadType(raw json.RawMessage) string {
	var peek struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &peek)
	return peek.Type
}

// Outbound messages. Each kind has its own wire shape: the point-to-point
// relays replace the sender-supplied "to" with "from" on the way out.

type welcomeMessage struct {
	Type      messageType       `json:"type"`
	RoomName  string            `json:"roomName"`
	SelfID    string            `json:"selfId"`
	Peers     []string          `json:"peers"`
	ICEConfig *xirsys.ICEConfig `json:"iceConfig,omitempty"`
}

func newWelcomeMessage(roomName, selfID string, peers []string, iceConfig *xirsys.ICEConfig) welcomeMessage {
	if peers == nil {
		peers = []string{}
	}
	return welcomeMessage{
		Type:      messageTypeWelcome,
		RoomName:  roomName,
		SelfID:    selfID,
		Peers:     peers,
		ICEConfig: iceConfig,
	}
}

type newPeerMessage struct {
	Type      messageType      `json:"type"`
	ID        string           `json:"id"`
	ICEConfig xirsys.ICEConfig `json:"iceConfig"`
}

func newNewPeerMessage(id string, iceConfig xirsys.ICEConfig) newPeerMessage {
	return newPeerMessage{Type: messageTypeNewPeer, ID: id, ICEConfig: iceConfig}
}

type sdpMessage struct {
	Type      messageType       `json:"type"`
	From      string            `json:"from"`
	SDP       json.RawMessage   `json:"sdp"`
	ICEConfig *xirsys.ICEConfig `json:"iceConfig,omitempty"`
}

func newSDPMessage(from string, sdp json.RawMessage, iceConfig *xirsys.ICEConfig) sdpMessage {
	return sdpMessage{Type: messageTypeSDP, From: from, SDP: sdp, ICEConfig: iceConfig}
}

type candidateMessage struct {
	Type      messageType     `json:"type"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"iceCandidate"`
}

func newCandidateMessage(from string, candidate json.RawMessage) candidateMessage {
	return candidateMessage{Type: messageTypeCandidate, From: from, Candidate: candidate}
}

type byePeerMessage struct {
	Type messageType `json:"type"`
	ID   string      `json:"id"`
}

func newByePeerMessage(id string) byePeerMessage {
	return byePeerMessage{Type: messageTypeByePeer, ID: id}
}

type byeMessage struct {
	Type messageType `json:"type"`
}

func newByeMessage() byeMessage {
	return byeMessage{Type: messageTypeBye}
}

type errorMessage struct {
	Type    messageType `json:"type"`
	Message string      `json:"message"`
}

func newErrorMessage(message string) errorMessage {
	return errorMessage{Type: messageTypeError, Message: message}
}
