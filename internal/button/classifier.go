// Package button turns sampled button levels into short press, long press
// and hold events.
//
// Each (button, role) registration runs its own classifier state machine, so
// one physical button can drive several independent consumers.
package button

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Registration errors.
var (
	ErrRoleConflict     = errors.New("button role already registered")
	ErrInvalidThreshold = errors.New("hold threshold must be positive")
)

// LineReader samples physical buttons. Pressed reports the logical level
// (true = pressed), already corrected for wiring polarity.
type LineReader interface {
	Pressed(id device.Button) (bool, error)
}

// Registration binds callbacks to a button under a role name.
type Registration struct {
	Button device.Button
	Role   string

	// OnShort fires on release before HoldThreshold.
	OnShort func()
	// OnHold fires once when the button has been down for HoldThreshold.
	OnHold func()
	// OnLong fires once when the button has been down for LongThreshold,
	// independent of OnHold.
	OnLong func()

	HoldThreshold time.Duration
	// LongThreshold of zero disables OnLong.
	LongThreshold time.Duration
	// HoldRepeat re-fires OnHold every HoldThreshold while still down.
	HoldRepeat bool
}

type phase int

const (
	phaseReleased phase = iota
	phasePressed
	phaseHeld
)

func (p phase) String() string {
	switch p {
	case phaseReleased:
		return "released"
	case phasePressed:
		return "pressed"
	case phaseHeld:
		return "held"
	default:
		return "unknown"
	}
}

type roleState struct {
	reg       Registration
	phase     phase
	since     time.Time
	nextHold  time.Time
	longFired bool
}

type line struct {
	id    device.Button
	deb   debouncer
	roles []*roleState
}

// Classifier samples registered buttons once per Poll.
// Not safe for concurrent use; it belongs to the main loop.
type Classifier struct {
	reader   LineReader
	debounce time.Duration
	lines    []*line
}

// NewClassifier creates a classifier reading from reader. Level changes
// shorter than debounce are ignored.
func NewClassifier(reader LineReader, debounce time.Duration) *Classifier {
	return &Classifier{reader: reader, debounce: debounce}
}

// Register adds a role to a button.
func (c *Classifier) Register(reg Registration) error {
	if reg.HoldThreshold <= 0 {
		return fmt.Errorf("%s/%s: %w", reg.Button, reg.Role, ErrInvalidThreshold)
	}

	l := c.line(reg.Button)
	if l == nil {
		l = &line{id: reg.Button}
		c.lines = append(c.lines, l)
	}
	for _, rs := range l.roles {
		if rs.reg.Role == reg.Role {
			return fmt.Errorf("%s/%s: %w", reg.Button, reg.Role, ErrRoleConflict)
		}
	}
	l.roles = append(l.roles, &roleState{reg: reg})
	return nil
}

func (c *Classifier) line(id device.Button) *line {
	for _, l := range c.lines {
		if l.id == id {
			return l
		}
	}
	return nil
}

// Buttons returns the registered physical buttons in registration order.
func (c *Classifier) Buttons() []device.Button {
	ids := make([]device.Button, 0, len(c.lines))
	for _, l := range c.lines {
		ids = append(ids, l.id)
	}
	return ids
}

// Poll samples every registered button once and fires any callbacks that
// became due. A read error on one button does not stop the others.
func (c *Classifier) Poll(now time.Time) error {
	var errs []error
	for _, l := range c.lines {
		raw, err := c.reader.Pressed(l.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s button: %w", l.id, err))
			continue
		}
		edge := l.deb.update(raw, now, c.debounce)
		for _, rs := range l.roles {
			rs.step(l.deb.stable, edge, now)
		}
	}
	return errors.Join(errs...)
}

// Idle reports whether no registered button is currently down.
func (c *Classifier) Idle() bool {
	for _, l := range c.lines {
		if l.deb.stable || l.deb.hasPending {
			return false
		}
		for _, rs := range l.roles {
			if rs.phase != phaseReleased {
				return false
			}
		}
	}
	return true
}

// step advances the role's state machine. A press is only recognised on a
// debounced edge, never from a level that was already down at baseline.
func (rs *roleState) step(pressed, edge bool, now time.Time) {
	switch rs.phase {
	case phaseReleased:
		if !pressed || !edge {
			return
		}
		rs.phase = phasePressed
		rs.since = now
		rs.longFired = false
		log.Debug().Str("button", rs.reg.Button.String()).Str("role", rs.reg.Role).Msg("button pressed")
		rs.checkThresholds(now)

	case phasePressed:
		if !pressed {
			// Crossings missed between samples still count as hold/long.
			if now.Sub(rs.since) >= rs.reg.HoldThreshold {
				rs.checkThresholds(now)
				rs.phase = phaseReleased
				return
			}
			rs.phase = phaseReleased
			rs.fire("short", rs.reg.OnShort)
			return
		}
		rs.checkThresholds(now)

	case phaseHeld:
		if !pressed {
			rs.phase = phaseReleased
			return
		}
		rs.checkThresholds(now)
	}
}

// checkThresholds fires long before hold when both are due in one tick, so
// a long press re-arms a sequence that the same tick's hold then advances.
func (rs *roleState) checkThresholds(now time.Time) {
	held := now.Sub(rs.since)

	if rs.reg.LongThreshold > 0 && !rs.longFired && held >= rs.reg.LongThreshold {
		rs.longFired = true
		rs.fire("long", rs.reg.OnLong)
	}

	switch rs.phase {
	case phasePressed:
		if held >= rs.reg.HoldThreshold {
			rs.phase = phaseHeld
			rs.nextHold = rs.since.Add(2 * rs.reg.HoldThreshold)
			rs.fire("hold", rs.reg.OnHold)
		}
	case phaseHeld:
		if rs.reg.HoldRepeat && !now.Before(rs.nextHold) {
			rs.nextHold = rs.nextHold.Add(rs.reg.HoldThreshold)
			rs.fire("hold", rs.reg.OnHold)
		}
	}
}

func (rs *roleState) fire(kind string, cb func()) {
	if cb == nil {
		return
	}
	log.Debug().
		Str("button", rs.reg.Button.String()).
		Str("role", rs.reg.Role).
		Str("event", kind).
		Msg("button event")
	cb()
}
