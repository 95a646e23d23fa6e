package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/status"
)

// fakeController records queued actions.
type fakeController struct {
	prog     []bool
	resets   []int
	commands []string
	err      error
}

func (c *fakeController) SetProgrammingMode(on bool) { c.prog = append(c.prog, on) }
func (c *fakeController) TriggerReset(level int)     { c.resets = append(c.resets, level) }

func (c *fakeController) Command(name string) error {
	if c.err != nil {
		return c.err
	}
	if _, err := device.ParseCommand(name); err != nil {
		return err
	}
	c.commands = append(c.commands, name)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker, *fakeController) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		PollMs:      50,
		DebounceMs:  30,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPPort:    ":80",
	}
	tr := status.NewTracker(start, cfg)
	ctrl := &fakeController{}
	srv := New(":0", tr, ctrl)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr, ctrl
}

func getStatus(t *testing.T, ts *httptest.Server) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update(status.Node{
		Serial:          "00FA10010710",
		IA:              "1.1.1",
		Role:            "child",
		ProgrammingMode: true,
		DataPoints:      map[string]bool{"/p/o_1_1": true},
	})
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Serial != "00FA10010710" {
		t.Errorf("Serial: got %q", sj.Status.Serial)
	}
	if sj.Status.Role != "child" {
		t.Errorf("Role: got %q, want child", sj.Status.Role)
	}
	if !sj.Status.ProgrammingMode {
		t.Error("expected ProgrammingMode=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if !sj.Status.DataPoints["/p/o_1_1"] {
		t.Error("expected /p/o_1_1=true")
	}
	if sj.Status.Config.PollMs != 50 {
		t.Errorf("Config.PollMs: got %d, want 50", sj.Status.Config.PollMs)
	}
}

func TestJSONUnknownRoleBeforeUpdate(t *testing.T) {
	ts, _, _ := newTestServer(t)

	sj := getStatus(t, ts)
	if sj.Status.Role != "UNKNOWN" {
		t.Errorf("Role before update: got %q, want UNKNOWN", sj.Status.Role)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getStatus(t, ts)
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update(status.Node{Serial: "00FA10010710", ResetStage: "network-reset", DataPoints: map[string]bool{"/p/o_2_2": false}})
	tr.SetSleep(status.Sleep{Sleeps: 2, Slept: 3 * time.Second, LastWake: time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"00FA10010710", "/p/o_2_2", "network-reset", "2026-01-01T00:01:00Z"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr, _ := newTestServer(t)

	if getStatus(t, ts).Status.ProgrammingMode {
		t.Error("expected ProgrammingMode=false initially")
	}

	tr.Update(status.Node{ProgrammingMode: true, Role: "child"})
	tr.SetMQTTConnected(true)

	sj := getStatus(t, ts)
	if !sj.Status.ProgrammingMode {
		t.Error("expected ProgrammingMode=true after update")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}

func TestProgrammingModeEndpoint(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	tests := []struct {
		enabled  string
		wantCode int
	}{
		{"true", http.StatusAccepted},
		{"0", http.StatusAccepted},
		{"maybe", http.StatusBadRequest},
		{"", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.PostForm(ts.URL+"/programming-mode", url.Values{"enabled": {tt.enabled}})
		if err != nil {
			t.Fatalf("POST /programming-mode: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.wantCode {
			t.Errorf("enabled=%q: got %d, want %d", tt.enabled, resp.StatusCode, tt.wantCode)
		}
	}

	if fmt.Sprint(ctrl.prog) != "[true false]" {
		t.Errorf("queued: got %v, want [true false]", ctrl.prog)
	}
}

func TestResetEndpoint(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	resp, err := http.Post(ts.URL+"/reset", "", nil)
	if err != nil {
		t.Fatalf("POST /reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status: got %d, want 202", resp.StatusCode)
	}

	resp, _ = http.PostForm(ts.URL+"/reset", url.Values{"level": {"7"}})
	resp.Body.Close()
	resp, _ = http.PostForm(ts.URL+"/reset", url.Values{"level": {"-1"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative level: got %d, want 400", resp.StatusCode)
	}

	if fmt.Sprint(ctrl.resets) != "[0 7]" {
		t.Errorf("resets: got %v, want [0 7]", ctrl.resets)
	}
}

func TestResetRequiresPost(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	resp, err := http.Get(ts.URL + "/reset")
	if err != nil {
		t.Fatalf("GET /reset: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
	if len(ctrl.resets) != 0 {
		t.Error("GET must not trigger a reset")
	}
}

func TestCommandEndpoint(t *testing.T) {
	ts, _, ctrl := newTestServer(t)

	resp, _ := http.Post(ts.URL+"/command/storage-reset", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("storage-reset: got %d, want 202", resp.StatusCode)
	}

	resp, _ = http.Post(ts.URL+"/command/explode", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown command: got %d, want 404", resp.StatusCode)
	}

	ctrl.err = fmt.Errorf("queue full")
	resp, _ = http.Post(ts.URL+"/command/power", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing command: got %d, want 500", resp.StatusCode)
	}

	if fmt.Sprint(ctrl.commands) != "[storage-reset]" {
		t.Errorf("commands: got %v", ctrl.commands)
	}
}

func TestStatusOnlyWithoutController(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	ts := httptest.NewServer(New(":0", tr, nil).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/reset", "", nil)
	if err != nil {
		t.Fatalf("POST /reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		t.Error("control endpoints must not exist without a controller")
	}
}
