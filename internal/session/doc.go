// Package session holds the authoritative call-session state machine.
//
// A Session is the aggregate root for one call: its state, participants, and
// lifecycle timestamps. Transitions are a total function: events that are
// not legal for the current state are ignored and reported to the caller,
// never fatal. The Ended state is absorbing. The Registry enforces the
// single-current-call rule.
package session
