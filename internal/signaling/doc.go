// Package signaling implements the WebSocket signaling protocol for
// multi-peer WebRTC rooms.
//
// The server relays handshake metadata (session descriptions, ICE candidates,
// room membership, relay credentials) between peers; it never carries media
// and never inspects the payloads it relays.
package signaling
