package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/sleepy-node/internal/config"
	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/gpio"
	"github.com/sweeney/sleepy-node/internal/mqtt"
	"github.com/sweeney/sleepy-node/internal/node"
	"github.com/sweeney/sleepy-node/internal/status"
	"github.com/sweeney/sleepy-node/internal/store"
	"github.com/sweeney/sleepy-node/internal/web"
)

const pollInterval = 10 * time.Millisecond

// rig is a node wired to fakes the way cmd/knx-node wires the real thing.
type rig struct {
	now     time.Time
	path    string
	store   *store.File
	conn    *mqtt.FakeConn
	stack   *mqtt.Stack
	board   *gpio.FakeBoard
	tracker *status.Tracker
	node    *node.Node
}

func newRig(t *testing.T, path string) *rig {
	t.Helper()
	r := &rig{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), path: path}
	clock := func() time.Time { return r.now }

	cfg := config.Default()
	cfg.GPIO.Debounce = 0

	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if creds, _ := st.Credentials(); creds.Empty() {
		if err := st.SetCredentials(device.Credentials{Broker: "tcp://broker:1883"}); err != nil {
			t.Fatalf("set credentials: %v", err)
		}
	}
	r.store = st

	serial := node.LoadSerial(st)
	r.conn = mqtt.NewFakeConn()
	r.stack = mqtt.NewStack(r.conn, st, mqtt.StackOptions{
		Serial:   serial,
		Writable: node.WritableDataPoints,
		Now:      clock,
	})
	r.board = gpio.NewFakeBoard()
	r.tracker = status.NewTracker(r.now, status.Config{Broker: "tcp://broker:1883"})
	r.node = node.New(node.Options{
		Config:  cfg,
		Store:   st,
		Network: r.stack,
		Board:   r.board,
		Serial:  serial,
		Tracker: r.tracker,
		Now:     clock,
	})
	if err := r.node.HardwareInit(); err != nil {
		t.Fatalf("hardware init: %v", err)
	}
	r.node.Step()
	return r
}

// join connects synchronously and lets the loop observe the new role.
func (r *rig) join(t *testing.T) {
	t.Helper()
	if err := r.stack.TryJoin(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.advance(pollInterval)
}

func (r *rig) advance(d time.Duration) {
	for end := r.now.Add(d); r.now.Before(end); r.now = r.now.Add(pollInterval) {
		r.node.Step()
	}
}

func (r *rig) press(id device.Button, d time.Duration) {
	r.board.Set(id, true)
	r.advance(d)
	r.board.Set(id, false)
	r.advance(100 * time.Millisecond)
}

func decodeStatus(t *testing.T, payload []byte) status.StatusInner {
	t.Helper()
	var sj status.StatusJSON
	if err := json.Unmarshal(payload, &sj); err != nil {
		t.Fatalf("invalid status JSON: %v\n%s", err, payload)
	}
	return sj.Status
}

// TestIntegrationStartupBufferedUntilJoin checks the STARTUP event survives
// a boot without a broker and is replayed on attach.
func TestIntegrationStartupBufferedUntilJoin(t *testing.T) {
	r := newRig(t, filepath.Join(t.TempDir(), "state.cbor"))

	if err := r.node.PublishLifecycle("STARTUP", ""); err != nil {
		t.Fatalf("publish startup: %v", err)
	}
	if len(r.conn.Published) != 0 {
		t.Fatalf("expected nothing on the wire before join, got %d", len(r.conn.Published))
	}
	if r.stack.Buffered() != 1 {
		t.Fatalf("expected 1 buffered message, got %d", r.stack.Buffered())
	}

	r.join(t)

	msgs := r.conn.On(r.stack.Topics().System)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 system message, got %d", len(msgs))
	}
	if !msgs[0].Retained {
		t.Error("STARTUP should be retained")
	}
	st := decodeStatus(t, msgs[0].Payload)
	if st.Event != "STARTUP" {
		t.Errorf("event: got %q, want STARTUP", st.Event)
	}
	if st.Serial != device.DefaultSerialNumber {
		t.Errorf("serial: got %q, want %q", st.Serial, device.DefaultSerialNumber)
	}
	if st.Session != r.node.Session() {
		t.Errorf("session: got %q, want %q", st.Session, r.node.Session())
	}
}

// TestIntegrationButtonToGroupWrite follows a switch press from GPIO to the
// s-mode group topic and the status page.
func TestIntegrationButtonToGroupWrite(t *testing.T) {
	r := newRig(t, filepath.Join(t.TempDir(), "state.cbor"))
	r.join(t)

	r.press(device.ButtonSwitch, 100*time.Millisecond)

	group := r.conn.On(mqtt.TopicGroup)
	if len(group) != 1 {
		t.Fatalf("expected 1 group write, got %d", len(group))
	}
	var p mqtt.DataPointPayload
	if err := json.Unmarshal(group[0].Payload, &p); err != nil {
		t.Fatalf("invalid group payload: %v", err)
	}
	if p.URL != node.URLSwitchButton || !p.Value {
		t.Errorf("group write: got %+v", p)
	}

	snap := r.tracker.Snapshot()
	if !snap.Node.DataPoints[node.URLSwitchButton] {
		t.Error("status should show PB_1 on")
	}
}

// TestIntegrationStatePersistsAcrossRestart writes LED_1 over MQTT, then
// boots a second node on the same state file.
func TestIntegrationStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	r := newRig(t, path)
	r.join(t)

	r.conn.Deliver(r.stack.Topics().SetTopic(node.URLSwitchLED), []byte("ON"))
	r.advance(pollInterval)
	if !r.board.LEDs[device.LEDSwitch] {
		t.Fatal("LED_1 should be on after the write")
	}

	r2 := newRig(t, path)
	if !r2.board.LEDs[device.LEDSwitch] {
		t.Error("LED_1 should be restored on boot")
	}
	if !r2.node.DataPoint(node.URLSwitchLED) {
		t.Error("LED_1 data point should be restored on boot")
	}
}

// TestIntegrationResetPersists runs a button network reset and checks the
// state file after a reboot.
func TestIntegrationResetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.SetDeviceConfig(9, 0x1105); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newRig(t, path)
	r.join(t)
	r.press(device.ButtonProgReset, 3050*time.Millisecond)
	r.advance(time.Second)

	r2 := newRig(t, path)
	if r2.node.Device().IID != 0 {
		t.Errorf("IID: got %d, want 0 after network reset", r2.node.Device().IID)
	}
	if r2.node.Device().IA != 0x1105 {
		t.Errorf("IA: got %#x, want 0x1105", r2.node.Device().IA)
	}
}

// TestIntegrationWebControlsNode drives the node through the HTTP API and
// reads the result back from the JSON endpoint.
func TestIntegrationWebControlsNode(t *testing.T) {
	r := newRig(t, filepath.Join(t.TempDir(), "state.cbor"))
	r.join(t)
	h := web.New(":0", r.tracker, r.node).Handler()

	req := httptest.NewRequest(http.MethodPost, "/programming-mode", strings.NewReader("enabled=true"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("programming-mode: got %d, want 202", rec.Code)
	}

	r.advance(pollInterval)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.json", nil))
	st := decodeStatus(t, rec.Body.Bytes())
	if !st.ProgrammingMode {
		t.Error("status should report programming mode")
	}
	if !st.RxOnWhenIdle {
		t.Error("status should report rx-on-when-idle in programming mode")
	}
	if st.Role != "child" {
		t.Errorf("role: got %q, want child", st.Role)
	}
	if !st.MQTT.Connected {
		t.Error("status should report MQTT connected")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/command/power", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("command: got %d, want 202", rec.Code)
	}
	r.advance(pollInterval)
	if r.board.Restarts != 1 {
		t.Errorf("restarts: got %d, want 1", r.board.Restarts)
	}

	msgs := r.conn.On(r.stack.Topics().System)
	if len(msgs) == 0 {
		t.Fatal("expected a SHUTDOWN event before restart")
	}
	last := decodeStatus(t, msgs[len(msgs)-1].Payload)
	if last.Event != "SHUTDOWN" || last.Reason != "POWER" {
		t.Errorf("event: got %s/%s, want SHUTDOWN/POWER", last.Event, last.Reason)
	}
}

// TestIntegrationHeartbeatWithNetworkInfo checks the heartbeat carries the
// host network block.
func TestIntegrationHeartbeatWithNetworkInfo(t *testing.T) {
	r := newRig(t, filepath.Join(t.TempDir(), "state.cbor"))
	r.tracker.SetNetwork(&status.NetworkInfo{Type: "wifi", IP: "192.168.1.50", Status: "connected"})
	r.join(t)

	r.advance(15 * time.Minute)

	msgs := r.conn.On(r.stack.Topics().System)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 heartbeat, got %d", len(msgs))
	}
	if msgs[0].Retained {
		t.Error("heartbeat should not be retained")
	}
	st := decodeStatus(t, msgs[0].Payload)
	if st.Event != "HEARTBEAT" {
		t.Errorf("event: got %q, want HEARTBEAT", st.Event)
	}
	if st.Network == nil || st.Network.IP != "192.168.1.50" {
		t.Errorf("network: got %+v", st.Network)
	}
}
