// Package media acquires and controls local capture: microphone, camera, and
// screen. The Controller owns the local tracks for the duration of a call;
// mute and camera toggles flip the track's enabled flag without touching
// negotiation, and screen share swaps the outbound video source.
//
// Capture hardware sits behind the Device interface. The real backend uses
// pion/mediadevices; tests substitute a fake.
package media
