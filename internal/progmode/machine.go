// Package progmode implements the programming-mode state machine. While
// active the node is reachable without waiting for a data poll and the
// programming LED flickers.
package progmode

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/tasklet"
)

// DefaultPeriod is the flicker period of the programming LED.
const DefaultPeriod = time.Second

// ErrAliasedPins is returned when the programming LED and the button that
// toggles programming mode are configured on the same line.
var ErrAliasedPins = errors.New("programming led and button share a pin")

// Config configures the machine.
type Config struct {
	// Period is the full flicker period; the LED toggles every Period/2.
	Period time.Duration
	// Slot is the scheduler slot owned by the flicker task.
	Slot tasklet.Slot
	// LED is the indicator driven while active.
	LED device.LED

	// LEDPin and ButtonPin are the hardware lines backing the LED and the
	// trigger button.
	LEDPin    int
	ButtonPin int
}

// Machine toggles the device's programming mode.
// It must only be driven from the node's main loop.
type Machine struct {
	cfg   Config
	dev   *device.Device
	sched *tasklet.Scheduler
	leds  device.Indicators
	net   device.Network
	pub   device.Publisher
}

// New creates a machine in the Inactive state.
func New(cfg Config, dev *device.Device, sched *tasklet.Scheduler, leds device.Indicators, net device.Network, pub device.Publisher) (*Machine, error) {
	if cfg.LEDPin == cfg.ButtonPin {
		return nil, fmt.Errorf("pin %d: %w", cfg.LEDPin, ErrAliasedPins)
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.LED == 0 {
		cfg.LED = device.LEDProgramming
	}
	return &Machine{
		cfg:   cfg,
		dev:   dev,
		sched: sched,
		leds:  leds,
		net:   net,
		pub:   pub,
	}, nil
}

// Active reports whether programming mode is on.
func (m *Machine) Active() bool {
	return m.dev.ProgrammingMode
}

// Enter switches programming mode on. It is a no-op when already active.
// The mode is entered even when the link mode or discovery update fails;
// those errors are returned for logging.
func (m *Machine) Enter() error {
	if m.dev.ProgrammingMode {
		return nil
	}

	var errs []error
	if err := m.net.SetLinkMode(device.LinkMode{RxOnWhenIdle: true}); err != nil {
		errs = append(errs, fmt.Errorf("widen link mode: %w", err))
	}
	m.dev.ProgrammingMode = true
	m.sched.Schedule(m.cfg.Slot, 0, flicker{m})
	log.Info().Msg("programming mode entered")

	if err := m.pub.RepublishDiscovery(m.dev.Record()); err != nil {
		errs = append(errs, fmt.Errorf("republish discovery: %w", err))
	}
	return errors.Join(errs...)
}

// Exit switches programming mode off and leaves the LED dark. It is a no-op
// when already inactive. The flicker task is cancelled before Exit returns.
func (m *Machine) Exit() error {
	if !m.dev.ProgrammingMode {
		return nil
	}

	var errs []error
	if err := m.net.SetLinkMode(device.LinkMode{}); err != nil {
		errs = append(errs, fmt.Errorf("restore link mode: %w", err))
	}
	m.dev.ProgrammingMode = false
	m.sched.Cancel(m.cfg.Slot)
	if err := m.leds.SetLED(m.cfg.LED, false); err != nil {
		errs = append(errs, fmt.Errorf("clear %s led: %w", m.cfg.LED, err))
	}
	log.Info().Msg("programming mode exited")

	if err := m.pub.RepublishDiscovery(m.dev.Record()); err != nil {
		errs = append(errs, fmt.Errorf("republish discovery: %w", err))
	}
	return errors.Join(errs...)
}

// Toggle enters or exits programming mode, whichever applies.
func (m *Machine) Toggle() error {
	return m.Set(!m.dev.ProgrammingMode)
}

// Set drives programming mode to on.
func (m *Machine) Set(on bool) error {
	if on {
		return m.Enter()
	}
	return m.Exit()
}

// flicker toggles the LED and re-arms itself while programming mode is on.
type flicker struct {
	m *Machine
}

func (f flicker) Run(time.Time) {
	m := f.m
	if !m.dev.ProgrammingMode {
		return
	}
	if err := device.Toggle(m.leds, m.cfg.LED); err != nil {
		log.Warn().Err(err).Msg("programming led flicker failed")
	}
	m.sched.Schedule(m.cfg.Slot, m.cfg.Period/2, f)
}
