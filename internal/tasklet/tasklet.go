// Package tasklet provides a single-threaded cooperative scheduler for
// deferred work. Each slot holds at most one outstanding task; re-scheduling
// a slot replaces its pending entry instead of queueing a second one.
//
// The scheduler never blocks and only writes debug logs. Callers drive it from their
// main loop with RunDue and size blocking waits with TimeToNext.
package tasklet

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Slot identifies the purpose a task is scheduled for.
type Slot int

// Task is a unit of deferred work. Any context a task needs travels inside
// the task value itself.
type Task interface {
	Run(now time.Time)
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(now time.Time)

// Run calls f(now).
func (f TaskFunc) Run(now time.Time) { f(now) }

type entry struct {
	name  string
	order int // registration order, used to break due-time ties
	armed bool
	due   time.Time
	tick  uint64 // tick counter value when armed
	task  Task
}

// Scheduler runs tasks once their due time has elapsed.
// Table access is guarded by a mutex; tasks always run without it held,
// so a task may schedule or cancel any slot, including its own.
type Scheduler struct {
	mu    sync.Mutex
	now   func() time.Time
	slots map[Slot]*entry
	tick  uint64
}

// NewScheduler creates a scheduler reading time from now.
// now should be monotonic (time.Now is).
func NewScheduler(now func() time.Time) *Scheduler {
	return &Scheduler{
		now:   now,
		slots: make(map[Slot]*entry),
	}
}

// Register fixes the tie-break order of a slot and gives it a name for
// diagnostics. Registering an existing slot only updates its name.
func (s *Scheduler) Register(slot Slot, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookup(slot).name = name
}

// lookup returns the entry for slot, registering it if needed.
// Caller must hold s.mu.
func (s *Scheduler) lookup(slot Slot) *entry {
	e, ok := s.slots[slot]
	if !ok {
		e = &entry{order: len(s.slots)}
		s.slots[slot] = e
	}
	return e
}

// Schedule arms slot to run task once delay has elapsed. A delay <= 0 means
// "at the next tick". Re-scheduling an armed slot replaces its due time and
// task without running the previous one.
func (s *Scheduler) Schedule(slot Slot, delay time.Duration, task Task) {
	if delay < 0 {
		delay = 0
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(slot)
	e.armed = true
	e.due = now.Add(delay)
	e.tick = s.tick
	e.task = task
}

// Cancel disarms slot. Cancelling a slot that is not armed is a no-op.
func (s *Scheduler) Cancel(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.slots[slot]; ok {
		e.armed = false
		e.task = nil
	}
}

// IsArmed reports whether slot has an outstanding task.
func (s *Scheduler) IsArmed(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slots[slot]
	return ok && e.armed
}

// TimeToNext returns the time until the nearest armed slot is due, clamped
// at zero. The boolean is false when nothing is armed.
func (s *Scheduler) TimeToNext() (time.Duration, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		next  time.Time
		found bool
	)
	for _, e := range s.slots {
		if !e.armed {
			continue
		}
		if !found || e.due.Before(next) {
			next = e.due
			found = true
		}
	}
	if !found {
		return 0, false
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// RunDue runs every slot that is due at the start of this tick, in
// non-decreasing due order, ties broken by registration order. Each slot is
// disarmed before its task runs. Slots armed while the tick is in progress
// wait for the next tick. Returns the number of tasks run.
func (s *Scheduler) RunDue() int {
	now := s.now()

	s.mu.Lock()
	tick := s.tick
	s.tick++
	type candidate struct {
		slot Slot
		e    *entry
	}
	var due []candidate
	for slot, e := range s.slots {
		if e.armed && !e.due.After(now) {
			due = append(due, candidate{slot, e})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].e, due[j].e
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		return a.order < b.order
	})

	ran := 0
	for _, c := range due {
		s.mu.Lock()
		// An earlier task this tick may have cancelled or re-armed the slot.
		if !c.e.armed || c.e.tick > tick || c.e.due.After(now) {
			s.mu.Unlock()
			continue
		}
		task, name := c.e.task, c.e.name
		c.e.armed = false
		c.e.task = nil
		s.mu.Unlock()

		if task != nil {
			log.Debug().Int("slot", int(c.slot)).Str("name", name).Msg("tasklet run")
			task.Run(now)
			ran++
		}
	}
	return ran
}
