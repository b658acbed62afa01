package call

import "errors"

var (
	// ErrNoActiveCall is returned by intents that need a current session.
	ErrNoActiveCall = errors.New("call: no active call")
	// ErrInvalidState is returned when an intent is not legal for the current
	// session state, like accepting a call that is not ringing.
	ErrInvalidState = errors.New("call: not valid in current state")
	// ErrClosed is returned once the orchestrator has shut down.
	ErrClosed = errors.New("call: orchestrator closed")
)
