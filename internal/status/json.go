package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event           string          `json:"event,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Serial          string          `json:"serial"`
	Session         string          `json:"session,omitempty"`
	IID             uint64          `json:"iid"`
	IA              string          `json:"ia"`
	Role            string          `json:"role"`
	RxOnWhenIdle    bool            `json:"rx_on_when_idle"`
	ProgrammingMode bool            `json:"programming_mode"`
	ResetStage      string          `json:"reset_stage"`
	DataPoints      map[string]bool `json:"data_points"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	StartTime       string          `json:"start_time"`
	Timestamp       string          `json:"timestamp"`
	MQTT            MQTTStatus      `json:"mqtt"`
	Sleep           SleepJSON       `json:"sleep"`
	Network         *NetworkJSON    `json:"network,omitempty"`
	Config          ConfigJSON      `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Buffered  int    `json:"buffered"`
}

// SleepJSON is the JSON representation of sleep statistics.
type SleepJSON struct {
	Sleeps       int    `json:"sleeps"`
	SleptSeconds int64  `json:"slept_seconds"`
	LastWake     string `json:"last_wake,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of node config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	DebounceMs  int64  `json:"debounce_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	ResetDemo   bool   `json:"reset_demo,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	role := snap.Node.Role
	if role == "" {
		role = "UNKNOWN"
	}
	dps := snap.Node.DataPoints
	if dps == nil {
		dps = map[string]bool{}
	}

	inner := StatusInner{
		Serial:          snap.Node.Serial,
		Session:         snap.Node.Session,
		IID:             snap.Node.IID,
		IA:              snap.Node.IA,
		Role:            role,
		RxOnWhenIdle:    snap.Node.RxOnWhenIdle,
		ProgrammingMode: snap.Node.ProgrammingMode,
		ResetStage:      snap.Node.ResetStage,
		DataPoints:      dps,
		UptimeSeconds:   int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:       snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:       snap.Now.UTC().Format(time.RFC3339),
		MQTT: MQTTStatus{
			Connected: snap.MQTTConnected,
			Broker:    snap.Config.Broker,
			Buffered:  snap.Node.Buffered,
		},
		Sleep: SleepJSON{
			Sleeps:       snap.Sleep.Sleeps,
			SleptSeconds: int64(snap.Sleep.Slept.Truncate(time.Second).Seconds()),
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			DebounceMs:  snap.Config.DebounceMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			ResetDemo:   snap.Config.ResetDemo,
		},
	}
	if !snap.Sleep.LastWake.IsZero() {
		inner.Sleep.LastWake = snap.Sleep.LastWake.UTC().Format(time.RFC3339)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
