// Package signaling defines the call-signaling wire protocol and the
// websocket transport that carries it.
//
// The protocol is a flat JSON envelope correlated by session id. Exactly one
// payload shape exists per event; anything else is a decode error. The
// transport is a dumb pipe: reconnection/backoff policy belongs to the caller.
package signaling
