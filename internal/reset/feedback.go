package reset

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

type feedbackKind int

const (
	networkFeedback feedbackKind = iota
	linkFeedback
)

func (k feedbackKind) String() string {
	if k == linkFeedback {
		return "link"
	}
	return "network"
}

// feedback flickers the LED FlickerCount times, then turns it off. After
// link feedback the device restarts. Link feedback is never downgraded to
// network feedback while a restart is pending.
type feedback struct {
	m         *Machine
	kind      feedbackKind
	remaining int
}

func (m *Machine) startFeedback(kind feedbackKind) {
	if m.restartPending {
		kind = linkFeedback
	}
	m.sched.Schedule(m.cfg.Slot, 0, &feedback{m: m, kind: kind, remaining: m.cfg.FlickerCount})
}

func (f *feedback) period() time.Duration {
	if f.kind == linkFeedback {
		return f.m.cfg.LinkPeriod
	}
	return f.m.cfg.NetworkPeriod
}

func (f *feedback) Run(time.Time) {
	m := f.m
	if f.remaining > 0 {
		f.remaining--
		if err := device.Toggle(m.leds, m.cfg.LED); err != nil {
			log.Warn().Err(err).Msg("reset feedback toggle failed")
		}
		m.sched.Schedule(m.cfg.Slot, f.period()/2, f)
		return
	}

	// Final iteration always leaves the LED off.
	if err := m.leds.SetLED(m.cfg.LED, false); err != nil {
		log.Warn().Err(err).Msg("reset feedback clear failed")
	}
	log.Info().Stringer("kind", f.kind).Msg("reset feedback done")

	if m.restartPending {
		m.restartPending = false
		log.Warn().Msg("restarting after link reset")
		if err := m.restarter.Restart(); err != nil {
			log.Error().Err(err).Msg("restart failed")
		}
	}
}
