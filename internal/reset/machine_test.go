package reset

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/tasklet"
)

const slot tasklet.Slot = 2

type fakeProg struct {
	active bool
	exits  int
	onExit func()
}

func (p *fakeProg) Active() bool { return p.active }

func (p *fakeProg) Exit() error {
	p.exits++
	p.active = false
	if p.onExit != nil {
		p.onExit()
	}
	return nil
}

type fixture struct {
	now       time.Time
	dev       *device.Device
	sched     *tasklet.Scheduler
	leds      *device.FakeIndicators
	net       *device.FakeNetwork
	pub       *device.FakePublisher
	prog      *fakeProg
	restarter *device.FakeRestarter
	m         *Machine
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		dev:       device.New(""),
		leds:      device.NewFakeIndicators(),
		net:       &device.FakeNetwork{NodeRole: device.RoleChild},
		pub:       &device.FakePublisher{},
		prog:      &fakeProg{},
		restarter: &device.FakeRestarter{},
	}
	f.sched = tasklet.NewScheduler(func() time.Time { return f.now })
	cfg.Slot = slot
	f.m = New(cfg, f.dev, f.sched, f.leds, f.net, f.pub, f.prog, f.restarter)
	return f
}

func (f *fixture) advance(d time.Duration) {
	for end := f.now.Add(d); f.now.Before(end); f.now = f.now.Add(10 * time.Millisecond) {
		f.sched.RunDue()
	}
}

func TestSequenceAdvancesForwardOnly(t *testing.T) {
	f := newFixture(Config{})
	assert.Equal(t, NetworkReset, f.m.Stage())

	require.NoError(t, f.m.Hold())
	assert.Equal(t, LinkReset, f.m.Stage())
	assert.Equal(t, []int{DefaultResetLevel}, f.net.Resets)

	require.NoError(t, f.m.Hold())
	assert.Equal(t, Ignore, f.m.Stage())
	assert.Equal(t, 1, f.net.Erased)

	require.NoError(t, f.m.Hold())
	assert.Equal(t, Ignore, f.m.Stage(), "ignore absorbs further holds")
	assert.Len(t, f.net.Resets, 1)
	assert.Equal(t, 1, f.net.Erased)
}

func TestLongPressReArms(t *testing.T) {
	for _, holds := range []int{0, 1, 2, 5} {
		f := newFixture(Config{})
		for i := 0; i < holds; i++ {
			_ = f.m.Hold()
		}
		f.m.LongPress()
		assert.Equal(t, NetworkReset, f.m.Stage(), "after %d holds", holds)
	}
}

func TestNetworkResetExitsProgrammingModeFirst(t *testing.T) {
	f := newFixture(Config{})
	f.prog.active = true
	resetsAtExit := -1
	f.prog.onExit = func() { resetsAtExit = len(f.net.Resets) }

	require.NoError(t, f.m.Hold())

	assert.Equal(t, 1, f.prog.exits)
	assert.Equal(t, 0, resetsAtExit, "programming mode exits before the network reset")
	assert.Len(t, f.pub.Records, 1)
}

func TestNetworkResetWithoutProgrammingMode(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.m.Hold())
	assert.Equal(t, 0, f.prog.exits)
}

func TestNilProgrammingMode(t *testing.T) {
	f := newFixture(Config{})
	f.m.prog = nil
	assert.NoError(t, f.m.Hold())
}

func TestNetworkFeedback(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.m.Hold())
	assert.True(t, f.sched.IsArmed(slot))

	// 5 toggles at 0, 150, 300, 450, 600ms then the final clear at 750ms.
	f.advance(700 * time.Millisecond)
	assert.Equal(t, 5, f.leds.Toggles[device.LEDProgramming])
	assert.True(t, f.leds.State[device.LEDProgramming], "odd number of toggles leaves the led on")

	f.advance(100 * time.Millisecond)
	assert.False(t, f.leds.State[device.LEDProgramming], "final iteration turns the led off")
	assert.False(t, f.sched.IsArmed(slot))
	assert.Equal(t, 0, f.restarter.Restarts)
}

func TestLinkFeedbackRestarts(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.m.Hold())
	f.advance(time.Second)

	require.NoError(t, f.m.Hold())
	f.advance(1400 * time.Millisecond)
	assert.Equal(t, 0, f.restarter.Restarts, "restart only after the last iteration")

	f.advance(200 * time.Millisecond)
	assert.Equal(t, 1, f.restarter.Restarts)
	assert.False(t, f.leds.State[device.LEDProgramming])
}

func TestHoldReplacesPendingFeedback(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.m.Hold())
	f.advance(200 * time.Millisecond)

	require.NoError(t, f.m.Hold())
	f.advance(3 * time.Second)

	assert.Equal(t, 1, f.restarter.Restarts, "link feedback replaces network feedback in the shared slot")
}

func TestRemoteDuringLinkFeedbackStillRestarts(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.m.Hold())
	require.NoError(t, f.m.Hold())
	assert.True(t, f.m.RestartPending())
	f.advance(500 * time.Millisecond)

	require.NoError(t, f.m.Remote(2))
	f.advance(1400 * time.Millisecond)
	assert.Equal(t, 0, f.restarter.Restarts, "remote reset restarts the link flicker")

	f.advance(200 * time.Millisecond)
	assert.Equal(t, 1, f.restarter.Restarts)
	assert.False(t, f.m.RestartPending())
	assert.False(t, f.leds.State[device.LEDProgramming])
}

func TestHoldAfterLinkResetKeepsRestart(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.m.Hold())
	require.NoError(t, f.m.Hold())
	f.advance(500 * time.Millisecond)

	f.m.LongPress()
	require.NoError(t, f.m.Hold())
	assert.Equal(t, LinkReset, f.m.Stage())
	f.advance(3 * time.Second)

	assert.Equal(t, 1, f.restarter.Restarts)
	assert.Len(t, f.net.Resets, 2)
}

func TestDisabled(t *testing.T) {
	f := newFixture(Config{Disabled: true})

	err := f.m.Hold()
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, NetworkReset, f.m.Stage())
	assert.Empty(t, f.net.Resets)
	assert.False(t, f.sched.IsArmed(slot))
}

func TestResetErrorStillAdvances(t *testing.T) {
	f := newFixture(Config{})
	f.net.ResetError = errors.New("stack busy")

	err := f.m.Hold()
	assert.Error(t, err)
	assert.Equal(t, LinkReset, f.m.Stage())
	assert.True(t, f.sched.IsArmed(slot), "feedback still shown")
}

func TestRemote(t *testing.T) {
	f := newFixture(Config{})
	f.prog.active = true

	require.NoError(t, f.m.Remote(2))

	assert.Equal(t, 1, f.prog.exits)
	assert.Equal(t, NetworkReset, f.m.Stage(), "remote reset does not advance the sequence")
	assert.Empty(t, f.net.Resets, "the stack already performed the reset")

	f.advance(time.Second)
	assert.Equal(t, 6, f.leds.Toggles[device.LEDProgramming], "five flickers plus the final clear")
	assert.False(t, f.leds.State[device.LEDProgramming])
	assert.Equal(t, 0, f.restarter.Restarts)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "network-reset", NetworkReset.String())
	assert.Equal(t, "link-reset", LinkReset.String())
	assert.Equal(t, "ignore", Ignore.String())
}
