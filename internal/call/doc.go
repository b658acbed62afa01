// Package call wires signaling, session state, peer links, and local media
// into one call engine.
//
// The Orchestrator runs a single event loop. UI intents, inbound signaling
// events, timer fires, and peer callbacks are all funneled onto that loop,
// so session state never needs cross-goroutine coordination beyond posting.
// Events addressed to anything but the current session are dropped.
package call
