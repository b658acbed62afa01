package metrics

import "sync"

// Counter names. Names are intentionally simple; a follow-up metrics task can
// standardize and export these via Prometheus/OTel.
const (
	StaleEventDropped    = "stale_event_dropped"
	TransportRateLimited = "transport_rate_limited"
	TransportSendDropped = "transport_send_dropped"
	NotificationDropped  = "notification_dropped"

	NegotiationFailure = "negotiation_failure"
	MediaAcquireFailed = "media_acquire_failed"
	Renegotiation      = "renegotiation"
	RingTimeout        = "ring_timeout"
	PeerGraceExpired   = "peer_grace_expired"
	CallRejectedBusy   = "call_rejected_busy"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production client is expected to plug into a real metrics backend; this
// type exists to keep the call core's failure paths testable.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
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

// Snapshot returns a copy of every counter, for logging on shutdown.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
