package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quillchat/call-core/internal/metrics"
)

// Config carries the Controller's collaborators and tuning.
type Config struct {
	Device Device
	// AcquireTimeout bounds one acquisition attempt including retries.
	AcquireTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Controller owns the local tracks of the current call.
type Controller struct {
	device  Device
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	audio     Track
	video     Track
	screen    Track
	audioOnly bool
}

func NewController(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		device:  cfg.Device,
		timeout: cfg.AcquireTimeout,
		log:     log,
		metrics: cfg.Metrics,
	}
}

// Acquire opens microphone and, when wanted, camera. It is idempotent: a
// second call while a stream is active returns the current state. On a
// constraint failure it retries once with relaxed constraints; when the
// camera is denied, missing, or busy it degrades to audio-only. Only a
// failure to get any audio is fatal.
func (c *Controller) Acquire(ctx context.Context, constraints Constraints) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audio != nil || c.video != nil {
		return c.stateLocked(), nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tracks, err := c.device.OpenUserMedia(ctx, constraints)
	if err != nil && constraints.Video {
		if errors.Is(err, ErrConstraint) {
			c.log.Warn("capture constraints rejected, retrying relaxed", "err", err)
			tracks, err = c.device.OpenUserMedia(ctx, constraints.Relaxed())
		}
		if err != nil && cameraUnavailable(err) {
			c.log.Warn("camera unavailable, degrading to audio-only", "err", err)
			tracks, err = c.device.OpenUserMedia(ctx, Constraints{Audio: constraints.Audio})
			if err == nil {
				c.audioOnly = true
			}
		}
	}
	if err != nil {
		c.metrics.Inc(metrics.MediaAcquireFailed)
		return State{}, fmt.Errorf("media: acquire: %w", err)
	}

	for _, track := range tracks {
		switch track.Kind() {
		case TrackAudio:
			c.audio = track
		case TrackVideo:
			c.video = track
		}
		track.SetEnabled(true)
	}
	if constraints.Audio && c.audio == nil {
		c.releaseLocked()
		c.metrics.Inc(metrics.MediaAcquireFailed)
		return State{}, fmt.Errorf("media: acquire: %w", ErrDeviceNotFound)
	}

	c.log.Info("local media acquired", "audio", c.audio != nil, "video", c.video != nil, "audio_only", c.audioOnly)
	return c.stateLocked(), nil
}

func cameraUnavailable(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, ErrConstraint)
}

// Tracks returns the outbound WebRTC tracks to attach to peers: audio first,
// then the current video source (screen while sharing).
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []webrtc.TrackLocal
	if c.audio != nil {
		out = append(out, c.audio.WebRTC())
	}
	switch {
	case c.screen != nil:
		out = append(out, c.screen.WebRTC())
	case c.video != nil:
		out = append(out, c.video.WebRTC())
	}
	return out
}

// CameraTrack returns the camera's outbound track, or nil without one.
func (c *Controller) CameraTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return nil
	}
	return c.video.WebRTC()
}

// HasVideo reports whether a camera track is active.
func (c *Controller) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video != nil
}

// SetAudioEnabled flips the microphone's enabled flag. Without an active
// stream it is a no-op.
func (c *Controller) SetAudioEnabled(enabled bool) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		c.log.Warn("audio toggle without active stream")
		return c.stateLocked()
	}
	c.audio.SetEnabled(enabled)
	return c.stateLocked()
}

// SetVideoEnabled flips the camera's enabled flag. Without a camera track it
// is a no-op.
func (c *Controller) SetVideoEnabled(enabled bool) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		c.log.Warn("video toggle without camera track")
		return c.stateLocked()
	}
	c.video.SetEnabled(enabled)
	return c.stateLocked()
}

// StartScreenShare opens a screen capture source and returns its outbound
// track; the caller swaps it into the video senders. onEnded fires if the
// capture stops outside our control, after the controller has already
// cleared the share. Starting while already sharing is an error.
func (c *Controller) StartScreenShare(ctx context.Context, onEnded func()) (webrtc.TrackLocal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audio == nil && c.video == nil {
		return nil, ErrNoStream
	}
	if c.screen != nil {
		return nil, errors.New("media: screen share already active")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	track, err := c.device.OpenDisplayMedia(ctx)
	if err != nil {
		return nil, fmt.Errorf("media: screen share: %w", err)
	}
	c.screen = track
	track.SetEnabled(true)
	track.OnEnded(func() {
		c.mu.Lock()
		implicit := c.screen == track
		if implicit {
			c.screen = nil
		}
		c.mu.Unlock()
		if implicit {
			c.log.Info("screen share ended by capture source")
			if onEnded != nil {
				onEnded()
			}
		}
	})

	c.log.Info("screen share started")
	return track.WebRTC(), nil
}

// StopScreenShare closes the screen source and returns the camera track to
// restore, or nil when the call is audio-only. Stopping when not sharing is
// a no-op.
func (c *Controller) StopScreenShare() (webrtc.TrackLocal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.screen == nil {
		return nil, nil
	}
	track := c.screen
	c.screen = nil
	if err := track.Close(); err != nil {
		c.log.Warn("screen track close", "err", err)
	}
	c.log.Info("screen share stopped")
	if c.video != nil {
		return c.video.WebRTC(), nil
	}
	return nil, nil
}

// Release closes every local track. Idempotent; called on every call end.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	for _, track := range []Track{c.audio, c.video, c.screen} {
		if track == nil {
			continue
		}
		if err := track.Close(); err != nil {
			c.log.Warn("track close", "kind", track.Kind(), "err", err)
		}
	}
	c.audio, c.video, c.screen = nil, nil, nil
	c.audioOnly = false
}

// State snapshots the local capture situation.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	s := State{
		HasAudio:      c.audio != nil,
		HasVideo:      c.video != nil,
		ScreenSharing: c.screen != nil,
		AudioOnly:     c.audioOnly,
	}
	if c.audio != nil {
		s.AudioEnabled = c.audio.Enabled()
	}
	if c.video != nil {
		s.VideoEnabled = c.video.Enabled()
	}
	return s
}
