package metrics

import "sync"

// Counter names used across the relay. Plain strings so the signaling hub can
// also record ad hoc drop reasons without pre-registration.
const (
	RoomsJoined        = "rooms_joined"
	RoomsLeft          = "rooms_left"
	RoomsSwitched      = "rooms_switched"
	Disconnects        = "disconnects"
	RelayedUnicast     = "relayed_unicast"
	RelayedChat        = "relayed_chat"
	JoinRejected       = "join_rejected"
	RelayRejected      = "relay_rejected"
	DropTargetGone     = "drop_target_gone"
	DropSendBufferFull = "drop_send_buffer_full"
	DropRateLimited    = "drop_rate_limited"
	UpgradeRejected    = "upgrade_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the room
// and relay logic observable and testable without binding the relay to a
// particular metrics backend; the /metrics endpoint exposes it in Prometheus'
// text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
