// Package reset implements the button-driven reset sequence. Successive
// holds advance NetworkReset -> LinkReset -> Ignore; a long press re-arms the
// sequence at NetworkReset.
package reset

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/tasklet"
)

// Defaults for the feedback sequence and network reset level.
const (
	DefaultFlickerCount  = 5
	DefaultNetworkPeriod = 300 * time.Millisecond
	DefaultLinkPeriod    = 600 * time.Millisecond
	DefaultResetLevel    = 2
)

// ErrDisabled is returned by Hold when resets are disabled.
var ErrDisabled = errors.New("reset disabled")

// Stage is the action the next hold performs.
type Stage int

const (
	NetworkReset Stage = iota
	LinkReset
	Ignore
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case NetworkReset:
		return "network-reset"
	case LinkReset:
		return "link-reset"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Config configures the machine.
type Config struct {
	FlickerCount  int
	NetworkPeriod time.Duration
	LinkPeriod    time.Duration
	ResetLevel    int
	// Disabled makes Hold a logged no-op (demo units).
	Disabled bool

	Slot tasklet.Slot
	LED  device.LED
}

func (c *Config) applyDefaults() {
	if c.FlickerCount <= 0 {
		c.FlickerCount = DefaultFlickerCount
	}
	if c.NetworkPeriod <= 0 {
		c.NetworkPeriod = DefaultNetworkPeriod
	}
	if c.LinkPeriod <= 0 {
		c.LinkPeriod = DefaultLinkPeriod
	}
	if c.ResetLevel == 0 {
		c.ResetLevel = DefaultResetLevel
	}
	if c.LED == 0 {
		c.LED = device.LEDProgramming
	}
}

// ProgrammingMode is the part of the programming-mode machine a network
// reset needs.
type ProgrammingMode interface {
	Active() bool
	Exit() error
}

// Machine is the reset state machine.
// It must only be driven from the node's main loop.
type Machine struct {
	cfg       Config
	dev       *device.Device
	sched     *tasklet.Scheduler
	leds      device.Indicators
	net       device.Network
	pub       device.Publisher
	prog      ProgrammingMode
	restarter device.Restarter

	stage Stage
	// restartPending is set once link feedback is armed. The restart then
	// happens at the end of whatever feedback occupies the slot.
	restartPending bool
}

// New creates a machine armed at NetworkReset. prog may be nil when
// programming mode failed to install.
func New(cfg Config, dev *device.Device, sched *tasklet.Scheduler, leds device.Indicators,
	net device.Network, pub device.Publisher, prog ProgrammingMode, restarter device.Restarter) *Machine {
	cfg.applyDefaults()
	return &Machine{
		cfg:       cfg,
		dev:       dev,
		sched:     sched,
		leds:      leds,
		net:       net,
		pub:       pub,
		prog:      prog,
		restarter: restarter,
	}
}

// Stage returns the action the next hold will perform.
func (m *Machine) Stage() Stage {
	return m.stage
}

// RestartPending reports whether a link reset is waiting on its feedback
// to finish before restarting the device.
func (m *Machine) RestartPending() bool {
	return m.restartPending
}

// Hold performs the current stage's action and advances to the next stage.
// In the Ignore stage it does nothing. The stage advances even when the
// action reports an error.
func (m *Machine) Hold() error {
	if m.cfg.Disabled {
		log.Warn().Msg("reset requested but resets are disabled")
		return ErrDisabled
	}

	log.Info().Stringer("stage", m.stage).Msg("reset hold")

	var err error
	switch m.stage {
	case NetworkReset:
		err = m.networkReset()
	case LinkReset:
		err = m.linkReset()
	default:
		return nil
	}
	m.stage++
	return err
}

// LongPress re-arms the sequence at NetworkReset.
func (m *Machine) LongPress() {
	if m.stage != NetworkReset {
		log.Info().Stringer("from", m.stage).Msg("reset sequence re-armed")
	}
	m.stage = NetworkReset
}

// Remote handles a reset the network stack performed on request from the
// network: it shows network-reset feedback and leaves programming mode. The
// stage is unchanged.
func (m *Machine) Remote(level int) error {
	log.Info().Int("level", level).Msg("remote reset")
	var errs []error
	if err := m.exitProgrammingMode(); err != nil {
		errs = append(errs, err)
	}
	m.startFeedback(networkFeedback)
	return errors.Join(errs...)
}

func (m *Machine) networkReset() error {
	var errs []error
	if err := m.exitProgrammingMode(); err != nil {
		errs = append(errs, err)
	}
	if err := m.net.Reset(m.cfg.ResetLevel); err != nil {
		errs = append(errs, fmt.Errorf("network reset: %w", err))
	}
	m.startFeedback(networkFeedback)
	if err := m.pub.RepublishDiscovery(m.dev.Record()); err != nil {
		errs = append(errs, fmt.Errorf("republish discovery: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Machine) linkReset() error {
	var err error
	if e := m.net.EraseJoinCredentials(); e != nil {
		err = fmt.Errorf("erase join credentials: %w", e)
	}
	m.restartPending = true
	m.startFeedback(linkFeedback)
	return err
}

// exitProgrammingMode must run before any network reset so the flicker task
// no longer owns the shared LED.
func (m *Machine) exitProgrammingMode() error {
	if m.prog == nil || !m.prog.Active() {
		return nil
	}
	if err := m.prog.Exit(); err != nil {
		return fmt.Errorf("exit programming mode: %w", err)
	}
	return nil
}
