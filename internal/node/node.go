// Package node wires the interaction core to hardware, storage and the
// network stack, and runs the single-threaded main loop that owns them.
//
// Everything in a Node is driven from the goroutine running Run. Callbacks
// arriving on other goroutines (broker traffic, GPIO edges, HTTP requests)
// are posted with Submit and executed at the start of the next iteration.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/button"
	"github.com/sweeney/sleepy-node/internal/config"
	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/gpio"
	"github.com/sweeney/sleepy-node/internal/mqtt"
	"github.com/sweeney/sleepy-node/internal/progmode"
	"github.com/sweeney/sleepy-node/internal/reset"
	"github.com/sweeney/sleepy-node/internal/sleep"
	"github.com/sweeney/sleepy-node/internal/status"
	"github.com/sweeney/sleepy-node/internal/store"
	"github.com/sweeney/sleepy-node/internal/tasklet"
)

// Network is the network stack as driven by the node.
type Network interface {
	device.Network
	device.Publisher

	// Poll services outbound traffic once per loop iteration.
	Poll() error
	IsConnected() bool
	Buffered() int
	LinkMode() device.LinkMode
	PublishDataPoint(url string, value bool) error
	GroupWrite(url string, value bool) error
	PublishSystem(event mqtt.SystemEvent) error
	SetHandlers(h mqtt.Handlers)
}

// Options holds a node's collaborators.
type Options struct {
	Config  *config.Config
	Store   *store.File
	Network Network
	Board   gpio.Board

	// Serial overrides the stored serial number.
	Serial string
	// Publishers receive discovery records in addition to Network.
	Publishers []device.Publisher
	// Tracker, if set, is updated every loop iteration.
	Tracker *status.Tracker
	// Suspender defaults to waiting on the node's wake channel.
	Suspender sleep.Suspender
	Now       func() time.Time
}

// Node is the sleepy end node.
type Node struct {
	cfg     *config.Config
	dev     *device.Device
	store   *store.File
	net     Network
	board   gpio.Board
	pub     device.Publisher
	tracker *status.Tracker
	now     func() time.Time
	session string

	sched   *tasklet.Scheduler
	buttons *button.Classifier
	prog    *progmode.Machine
	reset   *reset.Machine
	arbiter *sleep.Arbiter
	susp    sleep.Suspender

	dataPoints    map[string]bool
	lastHeartbeat time.Time
	joining       bool
	spawn         func(func())

	mu    sync.Mutex
	inbox []func()
	wake  chan struct{}
}

// LoadSerial returns the stored serial number, or the default serial when
// none is stored.
func LoadSerial(st *store.File) string {
	serial, err := st.SerialNumber()
	if err != nil {
		log.Error().Err(err).Str("default", device.DefaultSerialNumber).Msg("no serial number in storage")
		return device.DefaultSerialNumber
	}
	return serial
}

// New creates a node. Call HardwareInit before Run.
func New(opts Options) *Node {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Serial == "" {
		opts.Serial = LoadSerial(opts.Store)
	}

	dev := device.New(opts.Serial)
	dev.IID, dev.IA = opts.Store.DeviceConfig()

	pubs := append(device.Publishers{opts.Network}, opts.Publishers...)

	n := &Node{
		cfg:        opts.Config,
		dev:        dev,
		store:      opts.Store,
		net:        opts.Network,
		board:      opts.Board,
		pub:        pubs,
		tracker:    opts.Tracker,
		now:        opts.Now,
		session:    uuid.NewString(),
		sched:      tasklet.NewScheduler(opts.Now),
		buttons:    button.NewClassifier(opts.Board, opts.Config.GPIO.Debounce),
		dataPoints: make(map[string]bool),
		wake:       make(chan struct{}, 1),
		spawn:      func(f func()) { go f() },
	}
	n.susp = opts.Suspender
	if n.susp == nil {
		n.susp = sleep.ChannelSuspender{Wake: n.wake}
	}
	n.lastHeartbeat = n.now()
	return n
}

// Device returns the device record. Only the main loop may use it.
func (n *Node) Device() *device.Device {
	return n.dev
}

// Scheduler returns the node's deferred-task scheduler.
func (n *Node) Scheduler() *tasklet.Scheduler {
	return n.sched
}

// Session returns the per-boot session identifier.
func (n *Node) Session() string {
	return n.session
}

// HardwareInit installs the LEDs, buttons and state machines. Configuration
// errors are returned joined, but the node stays usable without the
// component that failed.
func (n *Node) HardwareInit() error {
	registerSlots(n.sched)

	var errs []error

	n.loadDataPoints()
	if err := n.board.SetLED(device.LEDProgramming, false); err != nil {
		errs = append(errs, fmt.Errorf("init programming led: %w", err))
	}
	n.PutCallback(URLSwitchLED)

	net := resettingNetwork{Network: n.net, n: n}

	prog, err := progmode.New(progmode.Config{
		Period:    n.cfg.Programming.Period,
		Slot:      SlotProgramming,
		LED:       device.LEDProgramming,
		LEDPin:    n.cfg.GPIO.ProgLED,
		ButtonPin: n.cfg.GPIO.ProgButton,
	}, n.dev, n.sched, n.board, net, n.pub)
	if err != nil {
		log.Error().Err(err).Msg("programming mode not installed")
		errs = append(errs, err)
	}
	n.prog = prog

	// A nil *progmode.Machine must not reach reset as a non-nil interface.
	var pm reset.ProgrammingMode
	if n.prog != nil {
		pm = n.prog
	}
	n.reset = reset.New(reset.Config{
		FlickerCount:  n.cfg.Reset.FlickerCount,
		NetworkPeriod: n.cfg.Reset.NetworkPeriod,
		LinkPeriod:    n.cfg.Reset.LinkPeriod,
		ResetLevel:    n.cfg.Reset.Level,
		Disabled:      n.cfg.Reset.Disabled,
		Slot:          SlotResetFeedback,
		LED:           device.LEDProgramming,
	}, n.dev, n.sched, n.board, net, n.pub, pm, n.board)

	for _, reg := range n.registrations() {
		if err := n.buttons.Register(reg); err != nil {
			log.Error().Err(err).Msg("button role not installed")
			errs = append(errs, err)
		}
	}

	n.arbiter = sleep.New(sleep.Config{
		MinSleep:   n.cfg.Sleep.MinSleep,
		MinAwake:   n.cfg.Sleep.MinAwake,
		PollPeriod: n.cfg.Sleep.PollPeriod,
		Slot:       SlotKeepAlive,
	}, n.net, sleep.GateFunc(n.HardwareCanSleep), n.sched, n.susp, n.HardwareReinitialise, n.now)

	n.net.SetHandlers(mqtt.Handlers{
		DataPoint: func(url string, value bool) {
			n.Submit(func() { n.SetDataPoint(url, value) })
		},
		Command: func(cmd string) {
			if err := n.Command(cmd); err != nil {
				log.Warn().Err(err).Msg("rejected mqtt command")
			}
		},
		RoleChanged: func(role device.Role) {
			n.Submit(func() { n.RoleChanged(role) })
		},
	})

	var buttons []string
	for _, b := range n.buttons.Buttons() {
		buttons = append(buttons, b.String())
	}
	log.Info().
		Str("serial", n.dev.SerialNumber).
		Strs("buttons", buttons).
		Str("ia", n.dev.Record().IAString()).
		Bool("programming", n.prog != nil).
		Bool("reset_disabled", n.cfg.Reset.Disabled).
		Msg("hardware initialised")
	return errors.Join(errs...)
}

func (n *Node) registrations() []button.Registration {
	regs := []button.Registration{{
		Button:        device.ButtonSwitch,
		Role:          "switch",
		OnShort:       n.toggleSwitch,
		HoldThreshold: n.cfg.Reset.Hold,
	}}
	if n.prog != nil {
		regs = append(regs, button.Registration{
			Button: device.ButtonProgReset,
			Role:   "programming",
			OnShort: func() {
				if err := n.prog.Toggle(); err != nil {
					log.Warn().Err(err).Msg("toggle programming mode")
				}
			},
			HoldThreshold: n.cfg.Programming.Hold,
		})
	}
	regs = append(regs, button.Registration{
		Button: device.ButtonProgReset,
		Role:   "reset",
		OnHold: func() {
			if err := n.reset.Hold(); err != nil && !errors.Is(err, reset.ErrDisabled) {
				log.Warn().Err(err).Msg("reset hold")
			}
		},
		OnLong:        n.reset.LongPress,
		HoldThreshold: n.cfg.Reset.Hold,
		LongThreshold: n.cfg.Reset.Long,
		HoldRepeat:    n.cfg.Reset.HoldRepeat,
	})
	return regs
}

// HardwarePoll samples the buttons once.
func (n *Node) HardwarePoll() error {
	return n.buttons.Poll(n.now())
}

// HardwareCanSleep reports whether no button is down and programming mode
// is off.
func (n *Node) HardwareCanSleep() bool {
	if !n.buttons.Idle() {
		return false
	}
	return n.prog == nil || !n.prog.Active()
}

// HardwareSleep suspends if the arbiter allows it, bounded by bound (zero
// means unbounded). It reports whether the node slept.
func (n *Node) HardwareSleep(ctx context.Context, bound time.Duration) bool {
	slept := n.arbiter.MaybeSleep(ctx, bound)
	if slept && n.tracker != nil {
		st := n.arbiter.Stats()
		n.tracker.SetSleep(status.Sleep{Sleeps: st.Sleeps, Slept: st.Slept, LastWake: st.LastWake})
	}
	return slept
}

// HardwareReinitialise restores outputs after a wake.
func (n *Node) HardwareReinitialise() {
	n.PutCallback(URLSwitchLED)
	log.Debug().Msg("hardware reinitialised")
}

// ProgrammingModeSet enters or exits programming mode on request from the
// network. Requesting the current mode is a no-op.
func (n *Node) ProgrammingModeSet(on bool) {
	if n.prog == nil {
		log.Warn().Bool("on", on).Msg("programming mode requested but not installed")
		return
	}
	if err := n.prog.Set(on); err != nil {
		log.Warn().Err(err).Bool("on", on).Msg("set programming mode")
	}
}

// ResetTrigger shows reset feedback after the network stack reset the
// device, and leaves programming mode.
func (n *Node) ResetTrigger(level int) {
	if err := n.reset.Remote(level); err != nil {
		log.Warn().Err(err).Msg("remote reset")
	}
	n.updateStatus()
}

// RemoteRestart handles a restart request from the network. The process
// keeps running; only programming mode is left.
func (n *Node) RemoteRestart() {
	log.Info().Msg("remote restart")
	n.ProgrammingModeSet(false)
}

// RoleChanged republishes discovery after the network attachment changed.
func (n *Node) RoleChanged(role device.Role) {
	log.Info().Stringer("role", role).Msg("network role changed")
	n.republish()
	n.updateStatus()
}

func (n *Node) republish() {
	if err := n.pub.RepublishDiscovery(n.dev.Record()); err != nil {
		log.Warn().Err(err).Msg("republish discovery")
	}
}

// reloadDevice re-reads device configuration after a storage reset.
func (n *Node) reloadDevice() {
	n.dev.IID, n.dev.IA = n.store.DeviceConfig()
	n.loadDataPoints()
	n.PutCallback(URLSwitchLED)
}

// resettingNetwork refreshes the device record after a network reset so the
// record republished afterwards reflects the cleared configuration.
type resettingNetwork struct {
	Network
	n *Node
}

func (r resettingNetwork) Reset(level int) error {
	err := r.Network.Reset(level)
	r.n.reloadDevice()
	return err
}

// Submit queues fn to run on the main loop and wakes the loop. It never
// blocks and is safe for concurrent use.
func (n *Node) Submit(fn func()) {
	n.mu.Lock()
	n.inbox = append(n.inbox, fn)
	n.mu.Unlock()
	n.notify()
}

func (n *Node) notify() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// drainInbox runs every queued function, including ones queued while
// draining.
func (n *Node) drainInbox() int {
	ran := 0
	for {
		n.mu.Lock()
		batch := n.inbox
		n.inbox = nil
		n.mu.Unlock()
		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}
