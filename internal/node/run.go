package node

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/mqtt"
	"github.com/sweeney/sleepy-node/internal/status"
)

// Run drives the node until ctx is done. It republishes discovery, starts
// joining and then loops: inbox, network, buttons, due tasks, heartbeat,
// then sleep or a short idle wait.
func (n *Node) Run(ctx context.Context) error {
	go n.forwardEdges(ctx)

	n.republish()
	n.Join(ctx)

	for {
		n.Step()
		if ctx.Err() != nil {
			return nil
		}
		if n.cfg.Sleep.Enabled && n.HardwareSleep(ctx, n.nextAppEvent()) {
			continue
		}
		n.idle(ctx)
	}
}

// Step runs one loop iteration without blocking.
func (n *Node) Step() {
	n.drainInbox()
	if err := n.net.Poll(); err != nil {
		log.Warn().Err(err).Msg("network poll")
	}
	if err := n.HardwarePoll(); err != nil {
		log.Error().Err(err).Msg("gpio read error")
	}
	n.sched.RunDue()
	n.checkHeartbeat()
	n.updateStatus()
}

// idle waits one poll interval, less if a task is due sooner.
func (n *Node) idle(ctx context.Context) {
	d := n.cfg.GPIO.Poll
	if next, ok := n.sched.TimeToNext(); ok && next < d {
		d = next
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-n.wake:
	case <-ctx.Done():
	}
}

// forwardEdges wakes the loop on button edges.
func (n *Node) forwardEdges(ctx context.Context) {
	edges := n.board.Edges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-edges:
			n.notify()
		}
	}
}

func (n *Node) checkHeartbeat() {
	hb := n.cfg.Heartbeat
	if hb <= 0 {
		return
	}
	now := n.now()
	if now.Sub(n.lastHeartbeat) < hb {
		return
	}
	n.lastHeartbeat = now

	log.Info().
		Stringer("role", n.net.Role()).
		Bool("programming", n.dev.ProgrammingMode).
		Int("buffered", n.net.Buffered()).
		Msg("heartbeat")
	if err := n.PublishLifecycle("HEARTBEAT", ""); err != nil {
		log.Warn().Err(err).Msg("heartbeat publish error")
	}
}

// nextAppEvent is the time until the next heartbeat, or zero when
// heartbeats are disabled.
func (n *Node) nextAppEvent() time.Duration {
	hb := n.cfg.Heartbeat
	if hb <= 0 {
		return 0
	}
	d := n.lastHeartbeat.Add(hb).Sub(n.now())
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// PublishLifecycle publishes a system event carrying a status snapshot.
// Heartbeats are not retained.
func (n *Node) PublishLifecycle(event, reason string) error {
	n.updateStatus()
	ev := mqtt.SystemEvent{
		Timestamp: n.now(),
		Event:     event,
		Reason:    reason,
		Retained:  event != "HEARTBEAT",
	}
	if n.tracker != nil {
		ev.RawPayload = status.FormatStatusEvent(n.tracker.Snapshot(), event, reason)
	}
	return n.net.PublishSystem(ev)
}

func (n *Node) updateStatus() {
	if n.tracker == nil {
		return
	}
	stage := ""
	if n.reset != nil {
		stage = n.reset.Stage().String()
	}
	rec := n.dev.Record()
	n.tracker.Update(status.Node{
		Serial:          rec.Serial,
		Session:         n.session,
		IID:             rec.IID,
		IA:              rec.IAString(),
		Role:            n.net.Role().String(),
		RxOnWhenIdle:    n.net.LinkMode().RxOnWhenIdle,
		ProgrammingMode: rec.ProgrammingMode,
		ResetStage:      stage,
		DataPoints:      n.dataPoints,
		Buffered:        n.net.Buffered(),
	})
	n.tracker.SetMQTTConnected(n.net.IsConnected())
}
