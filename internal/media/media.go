package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the user or OS refused capture access.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceNotFound means no capture device of the requested kind exists.
	ErrDeviceNotFound = errors.New("media: device not found")
	// ErrDeviceBusy means another application holds the device.
	ErrDeviceBusy = errors.New("media: device busy")
	// ErrConstraint means the device cannot satisfy the requested format.
	ErrConstraint = errors.New("media: constraints not satisfiable")
	// ErrNoStream means no local stream is active.
	ErrNoStream = errors.New("media: no active stream")
)

// TrackKind distinguishes the three local sources.
type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// Track is one local capture source bound to an outbound WebRTC track.
// SetEnabled gates the source without stopping capture; Close stops it.
type Track interface {
	Kind() TrackKind
	SetEnabled(bool)
	Enabled() bool
	WebRTC() webrtc.TrackLocal
	// OnEnded registers a handler for the source stopping outside our
	// control, like the OS ending a screen capture.
	OnEnded(func())
	Close() error
}

// Constraints describe what Acquire should open. Width, Height and FrameRate
// are hints for the camera; zero means no preference.
type Constraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float32
}

// Relaxed drops the format hints, keeping only the kinds. Used for the single
// retry after a constraint failure.
func (c Constraints) Relaxed() Constraints {
	return Constraints{Audio: c.Audio, Video: c.Video}
}

// Device is the capture backend.
type Device interface {
	// OpenUserMedia opens microphone and/or camera per the constraints.
	OpenUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	// OpenDisplayMedia opens a screen capture source.
	OpenDisplayMedia(ctx context.Context) (Track, error)
}

// State is a snapshot of the local capture situation, shaped for the UI.
type State struct {
	HasAudio      bool
	HasVideo      bool
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	// AudioOnly marks a degraded acquisition: video was requested but the
	// camera was unavailable.
	AudioOnly bool
}
