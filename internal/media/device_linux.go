//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

// captureDevice is the pion/mediadevices backend: V4L2 camera, malgo
// microphone, X11 screen capture, VP8+Opus encoding.
type captureDevice struct {
	selector *mediadevices.CodecSelector
}

// NewCaptureDevice builds the platform capture backend.
func NewCaptureDevice() (Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	return &captureDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateMediaEngine registers the capture codecs so the peer connection
// API accepts the encoded tracks.
func (d *captureDevice) PopulateMediaEngine(engine *webrtc.MediaEngine) {
	d.selector.Populate(engine)
}

func (d *captureDevice) OpenUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG camera nodes produce frames the VP8 encoder chokes on.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := openStreamWithin(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, err
	}

	var out []Track
	for _, t := range stream.GetTracks() {
		kind := TrackAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = TrackVideo
		}
		out = append(out, newDeviceTrack(t, kind))
	}
	return out, nil
}

func (d *captureDevice) OpenDisplayMedia(ctx context.Context) (Track, error) {
	stream, err := openStreamWithin(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: d.selector,
		})
	})
	if err != nil {
		return nil, err
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceNotFound
	}
	return newDeviceTrack(tracks[0], TrackScreen), nil
}

// openStreamWithin bounds a blocking capture call by the context so a hung
// driver cannot stall the caller past its deadline. A stream that completes
// after the deadline is closed instead of leaked.
func openStreamWithin(ctx context.Context, open func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := open()
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifyCaptureError(r.err)
		}
		return r.stream, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, fmt.Errorf("media: capture timed out: %w", ctx.Err())
	}
}

// classifyCaptureError maps mediadevices failures onto the package errors.
// The drivers do not expose structured causes, so this goes by message.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %s", ErrConstraint, err)
	}
}

// deviceTrack adapts a mediadevices track. The enabled flag is advisory at
// this layer; the encoder keeps running so re-enable is instant.
type deviceTrack struct {
	src     mediadevices.Track
	kind    TrackKind
	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()
}

func newDeviceTrack(src mediadevices.Track, kind TrackKind) *deviceTrack {
	t := &deviceTrack{src: src, kind: kind}
	src.OnEnded(func(error) {
		t.mu.Lock()
		fn := t.onEnded
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return t
}

func (t *deviceTrack) Kind() TrackKind           { return t.kind }
func (t *deviceTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *deviceTrack) Enabled() bool             { return t.enabled.Load() }
func (t *deviceTrack) WebRTC() webrtc.TrackLocal { return t.src }

func (t *deviceTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *deviceTrack) Close() error { return t.src.Close() }
