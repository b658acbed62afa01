// Package notify fans call-state updates out to the embedding UI. Delivery
// is fire-and-forget: a slow consumer loses updates instead of stalling the
// call event loop, and every update carries a full snapshot so a dropped one
// is superseded by the next.
package notify

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/quillchat/call-core/internal/media"
	"github.com/quillchat/call-core/internal/metrics"
	"github.com/quillchat/call-core/internal/session"
)

// Update is one published state change. Links carries the last reported
// connection state per remote participant; nil while no links exist.
type Update struct {
	Session session.Snapshot
	Media   media.State
	Links   map[string]webrtc.PeerConnectionState
}

type Notifier struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	ch     chan Update
	closed bool
}

func New(buffer int, log *slog.Logger, met *metrics.Metrics) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{log: log, metrics: met, ch: make(chan Update, buffer)}
}

// Updates is the consumer side. The channel closes on Close.
func (n *Notifier) Updates() <-chan Update { return n.ch }

// Publish delivers u unless the buffer is full, in which case the update is
// dropped and counted.
func (n *Notifier) Publish(u Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- u:
	default:
		n.metrics.Inc(metrics.NotificationDropped)
		n.log.Warn("notification dropped", "session_id", u.Session.ID, "state", u.Session.State)
	}
}

// Close ends delivery. Publish after Close is a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.ch)
}
