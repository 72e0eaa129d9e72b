package metrics

import "sync"

// Event names incremented by the signaling router and transport.
const (
	JoinAccepted     = "join_accepted"
	JoinRoomFull     = "join_room_full"
	ImplicitLeave    = "implicit_leave"
	PeerLeft         = "peer_left"
	SDPRelayed       = "sdp_relayed"
	CandidateRelayed = "candidate_relayed"

	ICEFetchOK       = "ice_fetch_ok"
	ICEFetchFallback = "ice_fetch_fallback"
	ICEFetchFailure  = "ice_fetch_failure"

	DropUnknownTarget = "drop_unknown_target"
	DropRateLimited   = "drop_rate_limited"
	DropBadMessage    = "drop_bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the protocol logic observable without dragging a metrics SDK into
// the router; counters are scraped via PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters for export.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
