// Package device holds the node's device model and the interfaces of the
// collaborators the interaction core drives: the network stack, discovery
// publication, indicator LEDs and system restart.
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSerialNumber is used when storage holds no serial number.
const DefaultSerialNumber = "00FA10010710"

// Device is the per-node device record. It is owned by the node's main loop
// and passed explicitly to the state machines that mutate it.
type Device struct {
	ProgrammingMode bool
	SerialNumber    string
	IID             uint64 // installation identifier
	IA              uint16 // individual address
	Model           string
}

// New creates a device with the given serial number.
func New(serial string) *Device {
	if serial == "" {
		serial = DefaultSerialNumber
	}
	return &Device{SerialNumber: serial}
}

// Record returns the discovery record describing the device right now.
func (d *Device) Record() Record {
	return Record{
		Serial:          d.SerialNumber,
		IID:             d.IID,
		IA:              d.IA,
		ProgrammingMode: d.ProgrammingMode,
	}
}

// Record is the metadata republished whenever reachability changes.
type Record struct {
	Serial          string
	IID             uint64
	IA              uint16
	ProgrammingMode bool
}

// IAString formats the individual address as area.line.device.
func (r Record) IAString() string {
	return fmt.Sprintf("%d.%d.%d", r.IA>>12, (r.IA>>8)&0x0F, r.IA&0xFF)
}

// Credentials are what the node needs to join its network.
type Credentials struct {
	Broker   string
	Username string
	Password string
}

// Empty reports whether no credentials are provisioned.
func (c Credentials) Empty() bool {
	return c.Broker == ""
}

// Role is the node's attachment role in the network.
type Role int

const (
	RoleDisabled Role = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// LinkMode is the radio duty-cycle configuration.
type LinkMode struct {
	// RxOnWhenIdle keeps the receiver on between polls, making the node
	// reachable without waiting for its next data poll.
	RxOnWhenIdle bool
}

// Join errors.
var (
	// ErrAlreadyJoined is returned by TryJoin when the node is already
	// attached. Callers treat it as success.
	ErrAlreadyJoined = errors.New("already joined")

	// ErrJoinFatal marks a join failure that retrying cannot fix.
	ErrJoinFatal = errors.New("unrecoverable join error")
)

// Network is the protocol/network stack as seen by the interaction core.
type Network interface {
	TryJoin(ctx context.Context) error
	CanSleep() bool
	Role() Role
	SetLinkMode(LinkMode) error
	Reset(level int) error
	EraseJoinCredentials() error
	SendDataPoll() error
}

// Publisher republishes discovery records.
type Publisher interface {
	RepublishDiscovery(Record) error
}

// LED identifies an indicator output.
type LED int

const (
	// LEDSwitch is driven by the LED_1 data point.
	LEDSwitch LED = iota + 1
	// LEDProgramming shows programming mode and reset feedback.
	LEDProgramming
)

// String returns the LED name.
func (l LED) String() string {
	switch l {
	case LEDSwitch:
		return "switch"
	case LEDProgramming:
		return "programming"
	default:
		return fmt.Sprintf("led(%d)", int(l))
	}
}

// Button identifies a physical push button.
type Button int

const (
	// ButtonSwitch toggles the PB_1 data point.
	ButtonSwitch Button = iota + 1
	// ButtonProgReset triggers programming mode (short press) and the reset
	// sequence (hold).
	ButtonProgReset
)

// String returns the button name.
func (b Button) String() string {
	switch b {
	case ButtonSwitch:
		return "switch"
	case ButtonProgReset:
		return "prog-reset"
	default:
		return fmt.Sprintf("button(%d)", int(b))
	}
}

// Indicators sets and senses LED outputs.
type Indicators interface {
	SetLED(id LED, on bool) error
	SenseLED(id LED) (bool, error)
}

// Restarter performs a full device restart. On real hardware Restart does
// not return on success.
type Restarter interface {
	Restart() error
}

// Toggle inverts an LED using sense-then-set.
func Toggle(ind Indicators, id LED) error {
	on, err := ind.SenseLED(id)
	if err != nil {
		return fmt.Errorf("sense %s led: %w", id, err)
	}
	if err := ind.SetLED(id, !on); err != nil {
		return fmt.Errorf("set %s led: %w", id, err)
	}
	return nil
}

// Publishers fans a discovery record out to several publishers. Every
// publisher is attempted; the errors are joined.
type Publishers []Publisher

// RepublishDiscovery implements Publisher.
func (ps Publishers) RepublishDiscovery(r Record) error {
	var errs []error
	for _, p := range ps {
		if err := p.RepublishDiscovery(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Command is a maintenance command received over MQTT or HTTP.
type Command string

// Maintenance commands.
const (
	// CommandStorageReset resets stored device configuration.
	CommandStorageReset Command = "storage-reset"
	// CommandPower restarts the device.
	CommandPower Command = "power"
	// CommandFactory wipes all state, join credentials included, and restarts.
	CommandFactory Command = "factory"
	// CommandProgrammingOn and CommandProgrammingOff set programming mode.
	CommandProgrammingOn  Command = "programming-on"
	CommandProgrammingOff Command = "programming-off"
)

// ErrUnknownCommand is returned by ParseCommand for unsupported commands.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandStorageReset, CommandPower, CommandFactory, CommandProgrammingOn, CommandProgrammingOff:
		return c, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownCommand)
}

// ErrInvalidIA is returned by ParseIA for malformed individual addresses.
var ErrInvalidIA = errors.New("individual address must be area.line.device")

// ParseIA parses an individual address written as area.line.device, the
// inverse of Record.IAString.
func ParseIA(s string) (uint16, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidIA)
	}
	limits := []uint64{0x0F, 0x0F, 0xFF}
	var v [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil || n > limits[i] {
			return 0, fmt.Errorf("%q: %w", s, ErrInvalidIA)
		}
		v[i] = n
	}
	return uint16(v[0]<<12 | v[1]<<8 | v[2]), nil
}
