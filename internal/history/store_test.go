package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/quillchat/call-core/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordsFullLifecycle(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := session.Snapshot{
		ID:        "call-1",
		Kind:      session.KindOneToOne,
		Initiator: "alice",
		StartedAt: started,
		Participants: []session.Participant{
			{UserID: "bob", DisplayName: "Bob", Role: session.RoleInvitee, JoinStatus: session.JoinRinging},
		},
	}
	if err := s.CallStarted(snap); err != nil {
		t.Fatalf("CallStarted: %v", err)
	}

	snap.EndReason = session.EndCompleted
	snap.EndedAt = started.Add(3 * time.Minute)
	snap.Participants[0].JoinStatus = session.JoinLeft
	if err := s.CallEnded(snap, 3*time.Minute); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}

	entries, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != "call-1" || e.EndReason != session.EndCompleted || e.Duration != 3*time.Minute {
		t.Fatalf("entry = %+v", e)
	}
	if !e.StartedAt.Equal(started) {
		t.Fatalf("startedAt = %v", e.StartedAt)
	}
	if len(e.Participants) != 1 || e.Participants[0].JoinStatus != session.JoinLeft {
		t.Fatalf("participants = %+v", e.Participants)
	}
}

func TestStore_EndWithoutStartStillRecorded(t *testing.T) {
	s := openTestStore(t)

	snap := session.Snapshot{
		ID:        "call-2",
		Kind:      session.KindOneToOne,
		Initiator: "carol",
		EndReason: session.EndRejected,
		StartedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 3, 2, 9, 0, 4, 0, time.UTC),
	}
	if err := s.CallEnded(snap, 0); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}

	entries, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].EndReason != session.EndRejected {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestStore_RecentOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		snap := session.Snapshot{
			ID:        id,
			Kind:      session.KindGroup,
			Initiator: "alice",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.CallStarted(snap); err != nil {
			t.Fatalf("CallStarted(%s): %v", id, err)
		}
	}

	entries, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "new" || entries[1].ID != "mid" {
		t.Fatalf("entries = %+v", entries)
	}
}
