package node

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/store"
)

// Command validates a maintenance command and queues it for the main loop.
func (n *Node) Command(name string) error {
	cmd, err := device.ParseCommand(name)
	if err != nil {
		return err
	}
	n.Submit(func() {
		if err := n.HandleCommand(cmd); err != nil {
			log.Error().Err(err).Str("command", name).Msg("command failed")
		}
	})
	return nil
}

// SetProgrammingMode queues ProgrammingModeSet.
func (n *Node) SetProgrammingMode(on bool) {
	n.Submit(func() { n.ProgrammingModeSet(on) })
}

// TriggerReset queues RemoteReset.
func (n *Node) TriggerReset(level int) {
	n.Submit(func() {
		if err := n.RemoteReset(level); err != nil {
			log.Error().Err(err).Int("level", level).Msg("remote reset failed")
		}
	})
}

// HandleCommand executes a maintenance command.
func (n *Node) HandleCommand(cmd device.Command) error {
	log.Info().Str("command", string(cmd)).Msg("maintenance command")
	switch cmd {
	case device.CommandStorageReset:
		return n.RemoteReset(store.ResetFactory)
	case device.CommandPower:
		return n.restart("POWER")
	case device.CommandFactory:
		if err := n.store.Clear(); err != nil {
			return fmt.Errorf("clear storage: %w", err)
		}
		return n.restart("FACTORY")
	case device.CommandProgrammingOn:
		n.ProgrammingModeSet(true)
	case device.CommandProgrammingOff:
		n.ProgrammingModeSet(false)
	default:
		return fmt.Errorf("%q: %w", cmd, device.ErrUnknownCommand)
	}
	return nil
}

// RemoteReset performs a reset requested over the network, then shows the
// reset feedback. Level zero uses the configured level; the restart level
// only leaves programming mode.
func (n *Node) RemoteReset(level int) error {
	if level <= 0 {
		level = n.cfg.Reset.Level
	}
	if level == store.ResetRestart {
		n.RemoteRestart()
		return nil
	}

	err := resettingNetwork{Network: n.net, n: n}.Reset(level)
	n.ResetTrigger(level)
	n.republish()
	if err != nil {
		return fmt.Errorf("reset level %d: %w", level, err)
	}
	return nil
}

func (n *Node) restart(reason string) error {
	if err := n.PublishLifecycle("SHUTDOWN", reason); err != nil {
		log.Warn().Err(err).Msg("failed to publish shutdown event")
	}
	if err := n.board.Restart(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}
