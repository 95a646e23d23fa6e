package device

import (
	"context"
	"errors"
)

// FakeNetwork is a test double recording calls made by the core.
type FakeNetwork struct {
	// JoinErrors are returned by successive TryJoin calls; once exhausted
	// TryJoin succeeds.
	JoinErrors []error
	JoinCalls  int

	Sleepable  bool
	NodeRole   Role
	LinkModes  []LinkMode
	Resets     []int
	Erased     int
	Polls      int
	ResetError error
}

// TryJoin returns the next scripted join error.
func (f *FakeNetwork) TryJoin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.JoinCalls++
	if len(f.JoinErrors) > 0 {
		err := f.JoinErrors[0]
		f.JoinErrors = f.JoinErrors[1:]
		if err != nil {
			return err
		}
	}
	f.NodeRole = RoleChild
	return nil
}

// CanSleep returns Sleepable.
func (f *FakeNetwork) CanSleep() bool { return f.Sleepable }

// Role returns NodeRole.
func (f *FakeNetwork) Role() Role { return f.NodeRole }

// SetLinkMode records the mode.
func (f *FakeNetwork) SetLinkMode(m LinkMode) error {
	f.LinkModes = append(f.LinkModes, m)
	return nil
}

// Reset records the level.
func (f *FakeNetwork) Reset(level int) error {
	if f.ResetError != nil {
		return f.ResetError
	}
	f.Resets = append(f.Resets, level)
	return nil
}

// EraseJoinCredentials counts erasures and detaches the node.
func (f *FakeNetwork) EraseJoinCredentials() error {
	f.Erased++
	f.NodeRole = RoleDetached
	return nil
}

// SendDataPoll counts polls.
func (f *FakeNetwork) SendDataPoll() error {
	f.Polls++
	return nil
}

// LastLinkMode returns the most recent link mode, or the zero mode.
func (f *FakeNetwork) LastLinkMode() LinkMode {
	if len(f.LinkModes) == 0 {
		return LinkMode{}
	}
	return f.LinkModes[len(f.LinkModes)-1]
}

// FakePublisher records republished discovery records.
type FakePublisher struct {
	Records []Record
	Err     error
}

// RepublishDiscovery records r.
func (f *FakePublisher) RepublishDiscovery(r Record) error {
	if f.Err != nil {
		return f.Err
	}
	f.Records = append(f.Records, r)
	return nil
}

// Last returns the most recent record.
func (f *FakePublisher) Last() (Record, bool) {
	if len(f.Records) == 0 {
		return Record{}, false
	}
	return f.Records[len(f.Records)-1], true
}

// FakeIndicators is an in-memory LED bank.
type FakeIndicators struct {
	State map[LED]bool
	// Toggles counts SetLED calls that changed the state.
	Toggles map[LED]int
	// Writes counts all SetLED calls.
	Writes map[LED]int
}

// NewFakeIndicators creates an LED bank with every LED off.
func NewFakeIndicators() *FakeIndicators {
	return &FakeIndicators{
		State:   make(map[LED]bool),
		Toggles: make(map[LED]int),
		Writes:  make(map[LED]int),
	}
}

// SetLED sets id.
func (f *FakeIndicators) SetLED(id LED, on bool) error {
	if f.State[id] != on {
		f.Toggles[id]++
	}
	f.State[id] = on
	f.Writes[id]++
	return nil
}

// SenseLED returns the state of id.
func (f *FakeIndicators) SenseLED(id LED) (bool, error) {
	return f.State[id], nil
}

// ErrRestarted is returned by FakeRestarter.Restart.
var ErrRestarted = errors.New("restarted")

// FakeRestarter counts restarts.
type FakeRestarter struct {
	Restarts int
}

// Restart counts the call and returns ErrRestarted.
func (f *FakeRestarter) Restart() error {
	f.Restarts++
	return ErrRestarted
}
