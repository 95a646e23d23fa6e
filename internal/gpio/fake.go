package gpio

import (
	"errors"

	"github.com/sweeney/sleepy-node/internal/device"
)

// ErrRestarted is returned by FakeBoard.Restart in place of a real restart.
var ErrRestarted = errors.New("board restarted")

// FakeBoard is a test double holding button levels and LED states in memory.
type FakeBoard struct {
	// Levels holds the logical state of each button (true = pressed).
	Levels map[device.Button]bool

	// LEDs holds the state of each LED output.
	LEDs map[device.LED]bool

	// Restarts counts Restart calls.
	Restarts int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Pressed()
	ReadError error

	edges chan struct{}
}

// NewFakeBoard creates a FakeBoard with every button released and every LED off.
func NewFakeBoard() *FakeBoard {
	return &FakeBoard{
		Levels: make(map[device.Button]bool),
		LEDs:   make(map[device.LED]bool),
		edges:  make(chan struct{}, 1),
	}
}

// Pressed returns the scripted level of id.
func (f *FakeBoard) Pressed(id device.Button) (bool, error) {
	if f.ReadError != nil {
		return false, f.ReadError
	}
	return f.Levels[id], nil
}

// Set changes the level of a button and signals an edge if it changed.
func (f *FakeBoard) Set(id device.Button, pressed bool) {
	if f.Levels[id] == pressed {
		return
	}
	f.Levels[id] = pressed
	select {
	case f.edges <- struct{}{}:
	default:
	}
}

// SetLED records the LED state.
func (f *FakeBoard) SetLED(id device.LED, on bool) error {
	f.LEDs[id] = on
	return nil
}

// SenseLED returns the recorded LED state.
func (f *FakeBoard) SenseLED(id device.LED) (bool, error) {
	return f.LEDs[id], nil
}

// Edges delivers a value after each Set that changed a level.
func (f *FakeBoard) Edges() <-chan struct{} {
	return f.edges
}

// Restart counts the call and returns ErrRestarted.
func (f *FakeBoard) Restart() error {
	f.Restarts++
	return ErrRestarted
}

// Close marks the board as closed.
func (f *FakeBoard) Close() error {
	f.Closed = true
	return nil
}

// Reset releases every button, turns every LED off and clears counters.
func (f *FakeBoard) Reset() {
	f.Levels = make(map[device.Button]bool)
	f.LEDs = make(map[device.LED]bool)
	f.Restarts = 0
	f.Closed = false
	f.ReadError = nil
}
