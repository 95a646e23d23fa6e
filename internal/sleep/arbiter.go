// Package sleep decides when the node may suspend and performs the
// suspend/resume transition.
package sleep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/tasklet"
)

// Defaults for Config.
const (
	DefaultMinSleep   = 100 * time.Millisecond
	DefaultMinAwake   = 2 * time.Second
	DefaultPollPeriod = 10 * time.Second
	DefaultMaxSleep   = 0x7FFFFFFF * time.Millisecond
)

// Config configures the arbiter.
type Config struct {
	// MinSleep is the shortest suspension worth taking. Sleep is only
	// granted for durations strictly longer than this.
	MinSleep time.Duration
	// MinAwake is how long the node stays up after waking while detached.
	MinAwake time.Duration
	// PollPeriod is the keep-alive data poll interval.
	PollPeriod time.Duration
	// MaxSleep bounds any suspension.
	MaxSleep time.Duration

	// Slot is the scheduler slot owned by the keep-alive task.
	Slot tasklet.Slot
}

func (c *Config) applyDefaults() {
	if c.MinSleep <= 0 {
		c.MinSleep = DefaultMinSleep
	}
	if c.MinAwake < 0 {
		c.MinAwake = 0
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = DefaultPollPeriod
	}
	if c.MaxSleep <= 0 || c.MaxSleep > DefaultMaxSleep {
		c.MaxSleep = DefaultMaxSleep
	}
}

// Gate reports whether the hardware side allows sleeping: no button is
// down and programming mode is off.
type Gate interface {
	CanSleep() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// CanSleep calls f.
func (f GateFunc) CanSleep() bool { return f() }

// Suspender blocks for up to d. It returns early when a wake source fires or
// ctx is done.
type Suspender interface {
	Suspend(ctx context.Context, d time.Duration) error
}

// Stats summarises past suspensions.
type Stats struct {
	Sleeps   int
	Slept    time.Duration
	LastWake time.Time
}

// Arbiter owns the Awake/Asleep transition.
// It must only be driven from the node's main loop.
type Arbiter struct {
	cfg    Config
	net    device.Network
	gate   Gate
	sched  *tasklet.Scheduler
	susp   Suspender
	reinit func()
	now    func() time.Time

	lastWake time.Time
	stats    Stats
}

// New creates an arbiter. The node counts as having just woken. reinit runs
// after every wake and may be nil.
func New(cfg Config, net device.Network, gate Gate, sched *tasklet.Scheduler, susp Suspender, reinit func(), now func() time.Time) *Arbiter {
	cfg.applyDefaults()
	if reinit == nil {
		reinit = func() {}
	}
	a := &Arbiter{
		cfg:    cfg,
		net:    net,
		gate:   gate,
		sched:  sched,
		susp:   susp,
		reinit: reinit,
		now:    now,
	}
	a.lastWake = now()
	a.stats.LastWake = a.lastWake
	return a
}

// MaySleep reports whether the node may suspend now and for how long.
// nextAppEvent bounds the sleep; zero or anything above MaxSleep means
// unbounded. When both gates pass it arms the keep-alive poll, even if the
// sleep is then refused as too short.
func (a *Arbiter) MaySleep(now time.Time, nextAppEvent time.Duration) (time.Duration, bool) {
	bound := nextAppEvent
	if bound <= 0 || bound > a.cfg.MaxSleep {
		bound = a.cfg.MaxSleep
	}

	if !a.net.CanSleep() {
		return 0, false
	}
	if !a.gate.CanSleep() {
		return 0, false
	}

	if !a.sched.IsArmed(a.cfg.Slot) {
		a.sched.Schedule(a.cfg.Slot, a.cfg.PollPeriod, tasklet.TaskFunc(a.poll))
	}

	d := a.cfg.PollPeriod
	if next, ok := a.sched.TimeToNext(); ok {
		d = next
	}
	if d > bound {
		d = bound
	}

	// A detached node stays up for MinAwake after each wake so it can
	// retry attaching; once attached it may sleep straight away.
	awakeLongEnough := !now.Before(a.lastWake.Add(a.cfg.MinAwake))
	if !awakeLongEnough && a.net.Role() == device.RoleDetached {
		return 0, false
	}

	if d <= a.cfg.MinSleep {
		return 0, false
	}
	return d, true
}

// Sleep suspends for up to d, then records the wake and re-initialises the
// hardware. The returned error is the Suspender's; the wake is recorded
// either way.
func (a *Arbiter) Sleep(ctx context.Context, d time.Duration) error {
	start := a.now()
	log.Debug().Dur("duration", d).Msg("sleeping")

	err := a.susp.Suspend(ctx, d)

	a.lastWake = a.now()
	slept := a.lastWake.Sub(start)
	a.stats.Sleeps++
	a.stats.Slept += slept
	a.stats.LastWake = a.lastWake
	log.Debug().Dur("slept", slept).Msg("woke")

	a.reinit()
	return err
}

// MaybeSleep sleeps if MaySleep allows it and reports whether it did.
func (a *Arbiter) MaybeSleep(ctx context.Context, nextAppEvent time.Duration) bool {
	d, ok := a.MaySleep(a.now(), nextAppEvent)
	if !ok {
		return false
	}
	if err := a.Sleep(ctx, d); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("suspend failed")
	}
	return true
}

// Stats returns the suspension counters.
func (a *Arbiter) Stats() Stats {
	return a.stats
}

// poll is the keep-alive task. It is re-armed by the next MaySleep.
func (a *Arbiter) poll(time.Time) {
	if err := a.net.SendDataPoll(); err != nil {
		log.Warn().Err(err).Msg("data poll failed")
	}
}
