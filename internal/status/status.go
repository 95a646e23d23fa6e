// Package status provides a thread-safe status tracker for the node.
// It is read by HTTP handlers and the heartbeat publisher; only the main
// loop writes to it.
package status

import (
	"maps"
	"sync"
	"time"
)

// NetworkInfo contains host network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains node configuration for display.
type Config struct {
	PollMs      int64
	DebounceMs  int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	ResetDemo   bool
}

// Node is the application state owned by the main loop.
type Node struct {
	Serial          string
	Session         string
	IID             uint64
	IA              string
	Role            string
	RxOnWhenIdle    bool
	ProgrammingMode bool
	ResetStage      string
	DataPoints      map[string]bool
	Buffered        int
}

// Sleep contains sleep arbiter statistics.
type Sleep struct {
	Sleeps   int
	Slept    time.Duration
	LastWake time.Time
}

// Snapshot is a point-in-time view of node state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Node          Node
	Sleep         Sleep
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the node started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable node state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update sets the node state. The data point map is copied.
func (t *Tracker) Update(n Node) {
	n.DataPoints = maps.Clone(n.DataPoints)
	t.mu.Lock()
	t.snap.Node = n
	t.mu.Unlock()
}

// SetSleep sets the sleep statistics.
func (t *Tracker) SetSleep(s Sleep) {
	t.mu.Lock()
	t.snap.Sleep = s
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the node state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Node.DataPoints = maps.Clone(s.Node.DataPoints)
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
