//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/sleepy-node/internal/device"
)

// RealBoard drives actual hardware using Linux GPIO character device.
type RealBoard struct {
	chipName string
	pins     Pins

	chip    *gpiocdev.Chip
	buttons map[device.Button]*gpiocdev.Line
	leds    map[device.LED]*gpiocdev.Line
	edges   chan struct{}
}

// NewRealBoard opens chipName and requests the button and LED lines.
func NewRealBoard(chipName string, pins Pins) (*RealBoard, error) {
	b := &RealBoard{
		chipName: chipName,
		pins:     pins,
		edges:    make(chan struct{}, 1),
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// open requests every line. On failure the lines already taken are released.
func (b *RealBoard) open() error {
	chip, err := gpiocdev.NewChip(b.chipName)
	if err != nil {
		return fmt.Errorf("open gpio chip: %w", err)
	}
	b.chip = chip
	b.buttons = make(map[device.Button]*gpiocdev.Line)
	b.leds = make(map[device.LED]*gpiocdev.Line)

	buttons := []struct {
		id  device.Button
		pin int
	}{
		{device.ButtonSwitch, b.pins.SwitchButton},
		{device.ButtonProgReset, b.pins.ProgButton},
	}
	for _, bt := range buttons {
		// Buttons short to ground; pull-up keeps released lines high.
		// Edge events wake the main loop from sleep.
		line, err := chip.RequestLine(bt.pin,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(b.onEdge))
		if err != nil {
			b.Close()
			return fmt.Errorf("request %s button pin %d: %w", bt.id, bt.pin, err)
		}
		b.buttons[bt.id] = line
	}

	leds := []struct {
		id  device.LED
		pin int
	}{
		{device.LEDSwitch, b.pins.SwitchLED},
		{device.LEDProgramming, b.pins.ProgLED},
	}
	for _, l := range leds {
		line, err := chip.RequestLine(l.pin, gpiocdev.AsOutput(0))
		if err != nil {
			b.Close()
			return fmt.Errorf("request %s led pin %d: %w", l.id, l.pin, err)
		}
		b.leds[l.id] = line
	}
	return nil
}

func (b *RealBoard) onEdge(evt gpiocdev.LineEvent) {
	log.Debug().Int("offset", evt.Offset).Msg("button edge")
	select {
	case b.edges <- struct{}{}:
	default:
	}
}

// Pressed returns the logical state of a button.
// Inverts raw GPIO: raw 0 = pressed.
func (b *RealBoard) Pressed(id device.Button) (bool, error) {
	line, ok := b.buttons[id]
	if !ok {
		return false, fmt.Errorf("no line for %s button", id)
	}
	raw, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read %s button: %w", id, err)
	}
	return raw == 0, nil
}

// SetLED drives an LED output.
func (b *RealBoard) SetLED(id device.LED, on bool) error {
	line, ok := b.leds[id]
	if !ok {
		return fmt.Errorf("no line for %s led", id)
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set %s led: %w", id, err)
	}
	return nil
}

// SenseLED reads back the current LED output.
func (b *RealBoard) SenseLED(id device.LED) (bool, error) {
	line, ok := b.leds[id]
	if !ok {
		return false, fmt.Errorf("no line for %s led", id)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("sense %s led: %w", id, err)
	}
	return v == 1, nil
}

// Edges delivers a value whenever a button line changes level.
func (b *RealBoard) Edges() <-chan struct{} {
	return b.edges
}

// Restart releases the lines and re-executes the current binary in place.
// If the exec fails the lines are requested again so the board stays usable.
func (b *RealBoard) Restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	return restartInPlace(exe, b.Close, b.open, syscall.Exec)
}

// Close releases GPIO resources.
// Returns button lines to plain pulled-up inputs and LEDs to inputs so the
// board is left in a safe state for shutdown or restart.
func (b *RealBoard) Close() error {
	var errs []error

	for id, line := range b.buttons {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s button: %w", id, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s button: %w", id, err))
		}
	}
	b.buttons = map[device.Button]*gpiocdev.Line{}

	for id, line := range b.leds {
		if err := line.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s led: %w", id, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s led: %w", id, err))
		}
	}
	b.leds = map[device.LED]*gpiocdev.Line{}

	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		b.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
