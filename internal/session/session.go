package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle       State = "idle"
	StateOutgoing   State = "outgoing"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndRejected  EndReason = "rejected"
	EndMissed    EndReason = "missed"
	EndCancelled EndReason = "cancelled"
	EndError     EndReason = "error"
)

type Kind string

const (
	KindOneToOne Kind = "one_to_one"
	KindGroup    Kind = "group"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleInvitee   Role = "invitee"
)

type JoinStatus string

const (
	JoinInvited  JoinStatus = "invited"
	JoinRinging  JoinStatus = "ringing"
	JoinJoined   JoinStatus = "joined"
	JoinLeft     JoinStatus = "left"
	JoinRejected JoinStatus = "rejected"
	JoinMissed   JoinStatus = "missed"
)

// Participant is one remote identity in the session.
type Participant struct {
	UserID      string
	DisplayName string
	AvatarRef   string
	Role        Role
	JoinStatus  JoinStatus
}

var (
	ErrRingTimerActive = errors.New("session: ring timer already armed")
	errRingTimerState  = errors.New("session: ring timer only valid while ringing")
)

// Snapshot is the read-only view handed to observers and the UI layer.
type Snapshot struct {
	ID        string
	Kind      Kind
	Initiator string
	State     State
	EndReason EndReason

	Participants []Participant

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Session is the aggregate root for one call. All mutation goes through
// Apply and the participant helpers; reads go through Snapshot.
type Session struct {
	id        string
	kind      Kind
	initiator string

	mu           sync.Mutex
	state        State
	endReason    EndReason
	participants []Participant

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	ringTimer *time.Timer

	done  chan struct{}
	onEnd func()

	observers []func(Snapshot)

	now func() time.Time
}

// NewID allocates a fresh session identifier.
func NewID() string { return uuid.NewString() }

// New creates a session in Idle. id comes from NewID for outgoing calls and
// from the wire for incoming ones.
func New(id string, kind Kind, initiator string) *Session {
	return &Session{
		id:        id,
		kind:      kind,
		initiator: initiator,
		state:     StateIdle,
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Kind() Kind        { return s.kind }
func (s *Session) Initiator() string { return s.initiator }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Ended() bool { return s.State() == StateEnded }

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Done is closed when the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Duration reports connected airtime; zero if the call never connected.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.connectedAt)
}

// OnEnd registers fn to run once when the session reaches Ended. If the
// session already ended, fn runs synchronously. Callbacks chain in
// registration order.
func (s *Session) OnEnd(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		fn()
		return
	}
	prev := s.onEnd
	s.onEnd = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

// Subscribe registers an observer that is called after every state change.
// Observers run outside the session lock and must not block.
func (s *Session) Subscribe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Apply drives one event through the transition table. It reports whether the
// state changed; events not legal for the current state leave the session
// untouched. reason is honored only on transitions into Ended and falls back
// to the event's default when empty.
func (s *Session) Apply(ev Event, reason EndReason) bool {
	s.mu.Lock()

	next, ok := transition(s.state, ev)
	if !ok {
		s.mu.Unlock()
		return false
	}

	prev := s.state
	s.state = next
	now := s.now()

	// Leaving a ringing state always disarms the ring timer, so a late fire
	// can never end a call that already progressed.
	if prev == StateOutgoing || prev == StateIncoming {
		s.stopRingTimerLocked()
	}

	switch next {
	case StateOutgoing, StateIncoming:
		if s.startedAt.IsZero() {
			s.startedAt = now
		}
	case StateConnected:
		if s.connectedAt.IsZero() {
			s.connectedAt = now
		}
	case StateEnded:
		s.endedAt = now
		if reason == "" {
			reason = defaultEndReason(prev, ev)
		}
		s.endReason = reason
	}

	var onEnd func()
	if next == StateEnded {
		onEnd = s.onEnd
		s.onEnd = nil
		close(s.done)
	}

	observers := make([]func(Snapshot), len(s.observers))
	copy(observers, s.observers)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if onEnd != nil {
		onEnd()
	}
	for _, fn := range observers {
		fn(snap)
	}
	return true
}

// ArmRingTimer starts the single-shot ring timer. fire runs in a timer
// goroutine; callers route it back through their event queue. Arming twice,
// or outside a ringing state, is an error.
func (s *Session) ArmRingTimer(d time.Duration, fire func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOutgoing && s.state != StateIncoming {
		return fmt.Errorf("%w (state %s)", errRingTimerState, s.state)
	}
	if s.ringTimer != nil {
		return ErrRingTimerActive
	}
	s.ringTimer = time.AfterFunc(d, fire)
	return nil
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// AddParticipant appends p in join order. Participants are unique by user id;
// re-adding updates the join status only.
func (s *Session) AddParticipant(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.participants {
		if s.participants[i].UserID == p.UserID {
			s.participants[i].JoinStatus = p.JoinStatus
			return
		}
	}
	s.participants = append(s.participants, p)
}

// SetJoinStatus updates one participant's join status. Unknown user ids are
// ignored.
func (s *Session) SetJoinStatus(userID string, status JoinStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.participants {
		if s.participants[i].UserID == userID {
			s.participants[i].JoinStatus = status
			return
		}
	}
}

// Participants returns the participant list in join order.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	participants := make([]Participant, len(s.participants))
	copy(participants, s.participants)
	return Snapshot{
		ID:           s.id,
		Kind:         s.kind,
		Initiator:    s.initiator,
		State:        s.state,
		EndReason:    s.endReason,
		Participants: participants,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      s.endedAt,
	}
}
