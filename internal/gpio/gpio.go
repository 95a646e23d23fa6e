// Package gpio provides button and LED access with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Board is the node's hardware: push buttons, indicator LEDs and restart.
type Board interface {
	// Pressed returns the logical state of a button.
	// Buttons are wired active-low: raw 0 = pressed.
	Pressed(id device.Button) (bool, error)

	// SetLED drives an LED output.
	SetLED(id device.LED, on bool) error

	// SenseLED reads back the current LED output.
	SenseLED(id device.LED) (bool, error)

	// Edges delivers a value whenever any button line changes level.
	// Sends never block; a pending value covers later edges.
	Edges() <-chan struct{}

	// Restart restarts the device. It does not return on success.
	Restart() error

	// Close releases GPIO resources.
	Close() error
}

// Pins holds line offsets for each button and LED.
type Pins struct {
	SwitchButton int
	ProgButton   int
	SwitchLED    int
	ProgLED      int
}

// Pin definitions (BCM numbering)
const (
	PinSwitchButton = 17
	PinProgButton   = 27
	PinSwitchLED    = 22
	PinProgLED      = 23
)

// DefaultPins returns the standard wiring.
func DefaultPins() Pins {
	return Pins{
		SwitchButton: PinSwitchButton,
		ProgButton:   PinProgButton,
		SwitchLED:    PinSwitchLED,
		ProgLED:      PinProgLED,
	}
}

type execFunc func(argv0 string, argv []string, envv []string) error

// restartInPlace releases the hardware, then replaces the process with exe.
// exec only returns on failure, in which case reopen reacquires the hardware
// and the exec error is returned.
func restartInPlace(exe string, release, reopen func() error, exec execFunc) error {
	if err := release(); err != nil {
		log.Warn().Err(err).Msg("gpio close before restart")
	}
	log.Info().Str("exe", exe).Msg("restarting")
	err := exec(exe, os.Args, os.Environ())
	if err == nil {
		return nil
	}
	err = fmt.Errorf("exec %s: %w", exe, err)
	if rerr := reopen(); rerr != nil {
		return errors.Join(err, fmt.Errorf("reopen gpio after failed restart: %w", rerr))
	}
	log.Error().Err(err).Msg("restart failed, gpio reacquired")
	return err
}
