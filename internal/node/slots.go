package node

import "github.com/sweeney/sleepy-node/internal/tasklet"

// Scheduler slots owned by the node. Registration order is the tie-break
// order when several slots fall due at the same instant.
const (
	SlotJoin tasklet.Slot = iota + 1
	SlotProgramming
	SlotResetFeedback
	SlotKeepAlive
)

var slotNames = []struct {
	slot tasklet.Slot
	name string
}{
	{SlotJoin, "join"},
	{SlotProgramming, "programming-flicker"},
	{SlotResetFeedback, "reset-feedback"},
	{SlotKeepAlive, "keep-alive"},
}

func registerSlots(s *tasklet.Scheduler) {
	for _, sn := range slotNames {
		s.Register(sn.slot, sn.name)
	}
}
