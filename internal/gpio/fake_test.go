package gpio

import (
	"errors"
	"testing"

	"github.com/sweeney/sleepy-node/internal/device"
)

func TestFakeBoardPressed(t *testing.T) {
	f := NewFakeBoard()

	pressed, err := f.Pressed(device.ButtonProgReset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pressed {
		t.Error("buttons should start released")
	}

	f.Set(device.ButtonProgReset, true)

	pressed, err = f.Pressed(device.ButtonProgReset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pressed {
		t.Error("expected prog-reset button pressed")
	}

	pressed, _ = f.Pressed(device.ButtonSwitch)
	if pressed {
		t.Error("switch button should be unaffected")
	}
}

func TestFakeBoardEdges(t *testing.T) {
	f := NewFakeBoard()

	f.Set(device.ButtonSwitch, true)
	f.Set(device.ButtonSwitch, false)

	select {
	case <-f.Edges():
	default:
		t.Fatal("expected an edge after a level change")
	}

	select {
	case <-f.Edges():
		t.Error("edges should coalesce into one pending value")
	default:
	}

	f.Set(device.ButtonSwitch, false)
	select {
	case <-f.Edges():
		t.Error("no edge expected when the level is unchanged")
	default:
	}
}

func TestFakeBoardLEDs(t *testing.T) {
	f := NewFakeBoard()

	if err := f.SetLED(device.LEDSwitch, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	on, err := f.SenseLED(device.LEDSwitch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !on {
		t.Error("expected switch led on")
	}

	if err := device.Toggle(f, device.LEDSwitch); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if f.LEDs[device.LEDSwitch] {
		t.Error("expected switch led off after toggle")
	}
}

func TestFakeBoardError(t *testing.T) {
	f := NewFakeBoard()
	f.ReadError = errors.New("simulated error")

	_, err := f.Pressed(device.ButtonSwitch)
	if err == nil {
		t.Error("expected error to be returned")
	}
	if err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeBoardRestartAndClose(t *testing.T) {
	f := NewFakeBoard()

	if err := f.Restart(); !errors.Is(err, ErrRestarted) {
		t.Errorf("expected ErrRestarted, got %v", err)
	}
	if f.Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", f.Restarts)
	}

	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}

func TestFakeBoardReset(t *testing.T) {
	f := NewFakeBoard()
	f.Set(device.ButtonProgReset, true)
	f.SetLED(device.LEDProgramming, true)
	f.Restart()

	f.Reset()

	if f.Levels[device.ButtonProgReset] || f.LEDs[device.LEDProgramming] || f.Restarts != 0 {
		t.Errorf("after reset: expected clean board, got %+v", f)
	}
}

func TestDefaultPinsDistinct(t *testing.T) {
	p := DefaultPins()
	seen := map[int]bool{}
	for _, pin := range []int{p.SwitchButton, p.ProgButton, p.SwitchLED, p.ProgLED} {
		if seen[pin] {
			t.Errorf("pin %d used twice", pin)
		}
		seen[pin] = true
	}
}
