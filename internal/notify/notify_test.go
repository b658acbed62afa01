package notify

import (
	"testing"

	"github.com/quillchat/call-core/internal/metrics"
	"github.com/quillchat/call-core/internal/session"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	n := New(4, nil, metrics.New())

	n.Publish(Update{Session: session.Snapshot{State: session.StateOutgoing}})
	n.Publish(Update{Session: session.Snapshot{State: session.StateConnecting}})

	if got := (<-n.Updates()).Session.State; got != session.StateOutgoing {
		t.Fatalf("first update state = %s", got)
	}
	if got := (<-n.Updates()).Session.State; got != session.StateConnecting {
		t.Fatalf("second update state = %s", got)
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	met := metrics.New()
	n := New(1, nil, met)

	n.Publish(Update{Session: session.Snapshot{ID: "kept"}})
	n.Publish(Update{Session: session.Snapshot{ID: "dropped"}})

	if met.Get(metrics.NotificationDropped) != 1 {
		t.Fatalf("drop counter = %d", met.Get(metrics.NotificationDropped))
	}
	if got := (<-n.Updates()).Session.ID; got != "kept" {
		t.Fatalf("delivered = %s", got)
	}
}

func TestClose_EndsDelivery(t *testing.T) {
	n := New(4, nil, metrics.New())
	n.Close()
	n.Close()
	n.Publish(Update{}) // no-op, must not panic

	if _, ok := <-n.Updates(); ok {
		t.Fatalf("channel not closed")
	}
}
