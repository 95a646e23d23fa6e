package node

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Join starts joining the network: one attempt now, then one every join
// interval until it succeeds, fails fatally or ctx is done.
func (n *Node) Join(ctx context.Context) {
	n.sched.Schedule(SlotJoin, 0, joinTask{n: n, ctx: ctx})
}

// joinTask runs one join attempt off the main loop. The broker connect
// blocks, so the result comes back through the inbox.
type joinTask struct {
	n   *Node
	ctx context.Context
}

func (t joinTask) Run(time.Time) {
	n := t.n
	if n.joining || t.ctx.Err() != nil {
		return
	}
	n.joining = true
	n.spawn(func() {
		err := n.net.TryJoin(t.ctx)
		n.Submit(func() { n.joinDone(t.ctx, err) })
	})
}

func (n *Node) joinDone(ctx context.Context, err error) {
	n.joining = false
	switch {
	case err == nil:
		log.Info().Msg("joined network")
	case errors.Is(err, device.ErrAlreadyJoined):
		log.Debug().Msg("already joined")
	case errors.Is(err, device.ErrJoinFatal):
		log.Error().Err(err).Msg("join failed, not retrying")
	case ctx.Err() != nil:
	default:
		log.Warn().Err(err).Dur("retry", n.cfg.Join.Interval).Msg("join failed")
		n.sched.Schedule(SlotJoin, n.cfg.Join.Interval, joinTask{n: n, ctx: ctx})
	}
}
