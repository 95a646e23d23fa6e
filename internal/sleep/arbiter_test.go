package sleep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/tasklet"
)

const (
	keepAlive tasklet.Slot = 3
	other     tasklet.Slot = 4
)

// clockSuspender advances the fake clock by the requested duration.
type clockSuspender struct {
	now   *time.Time
	calls []time.Duration
}

func (s *clockSuspender) Suspend(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	*s.now = s.now.Add(d)
	return nil
}

type fixture struct {
	now     time.Time
	net     *device.FakeNetwork
	gate    bool
	sched   *tasklet.Scheduler
	susp    *clockSuspender
	reinits int
	a       *Arbiter
}

func newFixture() *fixture {
	f := &fixture{
		now:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		net:  &device.FakeNetwork{Sleepable: true, NodeRole: device.RoleChild},
		gate: true,
	}
	clock := func() time.Time { return f.now }
	f.sched = tasklet.NewScheduler(clock)
	f.susp = &clockSuspender{now: &f.now}
	cfg := Config{
		MinSleep:   100 * time.Millisecond,
		MinAwake:   2 * time.Second,
		PollPeriod: 5 * time.Second,
		Slot:       keepAlive,
	}
	f.a = New(cfg, f.net, GateFunc(func() bool { return f.gate }), f.sched, f.susp, func() { f.reinits++ }, clock)
	return f
}

func TestRefusesWhenNetworkBusy(t *testing.T) {
	for _, armed := range []time.Duration{-1, 0, 50 * time.Millisecond, time.Hour} {
		f := newFixture()
		f.net.Sleepable = false
		if armed >= 0 {
			f.sched.Schedule(other, armed, tasklet.TaskFunc(func(time.Time) {}))
		}
		f.now = f.now.Add(time.Minute)

		_, ok := f.a.MaySleep(f.now, 0)
		assert.False(t, ok, "scheduler state %v", armed)
		assert.False(t, f.sched.IsArmed(keepAlive), "keep-alive only armed once sleep is possible")
	}
}

func TestRefusesWhenHardwareBusy(t *testing.T) {
	f := newFixture()
	f.gate = false

	_, ok := f.a.MaySleep(f.now.Add(time.Minute), 0)
	assert.False(t, ok)
}

func TestKeepAliveBoundsSleep(t *testing.T) {
	f := newFixture()

	d, ok := f.a.MaySleep(f.now, 0)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	assert.True(t, f.sched.IsArmed(keepAlive))
}

func TestNearerTaskBoundsSleep(t *testing.T) {
	f := newFixture()
	f.sched.Schedule(other, 700*time.Millisecond, tasklet.TaskFunc(func(time.Time) {}))

	d, ok := f.a.MaySleep(f.now, 0)
	require.True(t, ok)
	assert.Equal(t, 700*time.Millisecond, d)
}

func TestAppEventBoundsSleep(t *testing.T) {
	f := newFixture()

	d, ok := f.a.MaySleep(f.now, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	d, ok = f.a.MaySleep(f.now, DefaultMaxSleep+time.Hour)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d, "oversized bound is treated as unbounded")
}

func TestMinimumUsefulSleep(t *testing.T) {
	tests := []struct {
		due  time.Duration
		want bool
	}{
		{0, false},
		{50 * time.Millisecond, false},
		{100 * time.Millisecond, false},
		{101 * time.Millisecond, true},
	}
	for _, tt := range tests {
		f := newFixture()
		f.sched.Schedule(other, tt.due, tasklet.TaskFunc(func(time.Time) {}))
		_, ok := f.a.MaySleep(f.now, 0)
		assert.Equal(t, tt.want, ok, "task due in %v", tt.due)
	}
}

func TestMinAwakeOnlyGatesDetachedNode(t *testing.T) {
	tests := []struct {
		name  string
		role  device.Role
		awake time.Duration
		want  bool
	}{
		{"detached just woke", device.RoleDetached, 500 * time.Millisecond, false},
		{"detached awake long enough", device.RoleDetached, 2 * time.Second, true},
		{"attached just woke", device.RoleChild, 0, true},
		{"disabled just woke", device.RoleDisabled, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.net.NodeRole = tt.role
			f.now = f.now.Add(tt.awake)

			_, ok := f.a.MaySleep(f.now, 0)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestSleepRecordsWakeAndReinitialises(t *testing.T) {
	f := newFixture()
	f.net.NodeRole = device.RoleDetached
	f.now = f.now.Add(3 * time.Second)

	require.True(t, f.a.MaybeSleep(context.Background(), 0))
	assert.Equal(t, []time.Duration{5 * time.Second}, f.susp.calls)
	assert.Equal(t, 1, f.reinits)

	st := f.a.Stats()
	assert.Equal(t, 1, st.Sleeps)
	assert.Equal(t, 5*time.Second, st.Slept)
	assert.Equal(t, f.now, st.LastWake)

	assert.False(t, f.a.MaybeSleep(context.Background(), 0), "detached node stays awake after waking")
}

func TestKeepAliveSendsDataPoll(t *testing.T) {
	f := newFixture()

	require.True(t, f.a.MaybeSleep(context.Background(), 0))
	f.sched.RunDue()

	assert.Equal(t, 1, f.net.Polls)
	assert.False(t, f.sched.IsArmed(keepAlive))

	_, ok := f.a.MaySleep(f.now, 0)
	assert.True(t, ok)
	assert.True(t, f.sched.IsArmed(keepAlive), "re-armed before the next sleep")
}

func TestChannelSuspender(t *testing.T) {
	t.Run("timer", func(t *testing.T) {
		s := ChannelSuspender{}
		start := time.Now()
		require.NoError(t, s.Suspend(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("wake", func(t *testing.T) {
		wake := make(chan struct{}, 1)
		wake <- struct{}{}
		s := ChannelSuspender{Wake: wake}
		start := time.Now()
		require.NoError(t, s.Suspend(context.Background(), time.Hour))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ChannelSuspender{}.Suspend(ctx, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
