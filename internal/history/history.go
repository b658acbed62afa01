// Package history persists a local call log: one row per call with its
// outcome and participant roster, queryable for a recent-calls view.
package history

import (
	"time"

	"github.com/quillchat/call-core/internal/session"
)

// Recorder receives call lifecycle records. The orchestrator calls it from
// the session event loop, so implementations must return quickly.
type Recorder interface {
	// CallStarted records a call entering its ringing phase.
	CallStarted(snap session.Snapshot) error
	// CallEnded finalizes the record with the outcome and duration.
	CallEnded(snap session.Snapshot, duration time.Duration) error
	Close() error
}

// Entry is one call-log row.
type Entry struct {
	ID        string
	Kind      session.Kind
	Initiator string
	EndReason session.EndReason
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	Participants []EntryParticipant
}

// EntryParticipant is one roster row of a logged call.
type EntryParticipant struct {
	UserID      string
	DisplayName string
	Role        session.Role
	JoinStatus  session.JoinStatus
}

// NopRecorder discards all records. Used when no history path is configured.
type NopRecorder struct{}

func (NopRecorder) CallStarted(session.Snapshot) error              { return nil }
func (NopRecorder) CallEnded(session.Snapshot, time.Duration) error { return nil }
func (NopRecorder) Close() error                                    { return nil }
