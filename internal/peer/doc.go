// Package peer manages one WebRTC peer connection per remote participant.
//
// The Manager owns the links, drives offer/answer negotiation, queues remote
// ICE candidates until a remote description is present, and applies the
// disconnect grace window before declaring a peer lost. Outbound signals and
// state changes surface through Hooks; the package never talks to the
// signaling transport itself.
package peer
