//go:build !linux

package media

import "fmt"

// NewCaptureDevice has a real backend only on Linux for now.
func NewCaptureDevice() (Device, error) {
	return nil, fmt.Errorf("%w: no capture backend on this platform", ErrDeviceNotFound)
}
