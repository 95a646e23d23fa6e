//go:build !linux

package gpio

import (
	"errors"

	"github.com/sweeney/sleepy-node/internal/device"
)

var errUnsupported = errors.New("gpio: not supported")

// RealBoard is not available on non-Linux platforms.
type RealBoard struct{}

// NewRealBoard returns an error on non-Linux platforms.
func NewRealBoard(chipName string, pins Pins) (*RealBoard, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Pressed is not implemented on non-Linux platforms.
func (b *RealBoard) Pressed(device.Button) (bool, error) { return false, errUnsupported }

// SetLED is not implemented on non-Linux platforms.
func (b *RealBoard) SetLED(device.LED, bool) error { return errUnsupported }

// SenseLED is not implemented on non-Linux platforms.
func (b *RealBoard) SenseLED(device.LED) (bool, error) { return false, errUnsupported }

// Edges never delivers on non-Linux platforms.
func (b *RealBoard) Edges() <-chan struct{} { return nil }

// Restart is not implemented on non-Linux platforms.
func (b *RealBoard) Restart() error { return errUnsupported }

// Close is not implemented on non-Linux platforms.
func (b *RealBoard) Close() error {
	return nil
}
