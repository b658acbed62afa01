//go:build linux

package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/mediadevices"
)

type fakeStream struct {
	tracksCalled chan struct{}
}

func (s *fakeStream) GetAudioTracks() []mediadevices.Track { return nil }
func (s *fakeStream) GetVideoTracks() []mediadevices.Track { return nil }
func (s *fakeStream) GetTracks() []mediadevices.Track {
	if s.tracksCalled != nil {
		close(s.tracksCalled)
		s.tracksCalled = nil
	}
	return nil
}
func (s *fakeStream) AddTrack(mediadevices.Track)    {}
func (s *fakeStream) RemoveTrack(mediadevices.Track) {}

func TestOpenStreamWithin_PassesThrough(t *testing.T) {
	want := &fakeStream{}
	got, err := openStreamWithin(context.Background(), func() (mediadevices.MediaStream, error) {
		return want, nil
	})
	if err != nil {
		t.Fatalf("openStreamWithin: %v", err)
	}
	if got != mediadevices.MediaStream(want) {
		t.Fatalf("stream = %v, want the opened one", got)
	}
}

func TestOpenStreamWithin_ClassifiesErrors(t *testing.T) {
	_, err := openStreamWithin(context.Background(), func() (mediadevices.MediaStream, error) {
		return nil, errors.New("failed to open: permission denied")
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestOpenStreamWithin_HungDriverHitsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	drained := make(chan struct{})
	late := &fakeStream{tracksCalled: drained}

	start := time.Now()
	_, err := openStreamWithin(ctx, func() (mediadevices.MediaStream, error) {
		<-release
		return late, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline not enforced, took %v", elapsed)
	}

	// The stream that completes late is drained and closed, not leaked.
	close(release)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatalf("late stream never cleaned up")
	}
}
