// Package mqtt provides the node's network stack over an MQTT broker:
// attachment, data point exchange, group writes, discovery records and
// system events, with an abstraction for testing.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Topic layout. Per-node topics live under TopicRoot/<serial>.
const (
	TopicRoot = "knx"
	// TopicGroup carries s-mode group writes from every node.
	TopicGroup = TopicRoot + "/smode"
)

// Topics holds the per-node topic names.
type Topics struct {
	Base      string
	Status    string // retained link status
	Discovery string // retained discovery record
	System    string // lifecycle and heartbeat events
	Poll      string // keep-alive data polls
	Command   string // maintenance commands
	State     string // prefix for data point values
	Set       string // prefix for data point writes
}

// TopicsFor returns the topics of the node with the given serial number.
func TopicsFor(serial string) Topics {
	base := TopicRoot + "/" + serial
	return Topics{
		Base:      base,
		Status:    base + "/status",
		Discovery: base + "/discovery",
		System:    base + "/system",
		Poll:      base + "/poll",
		Command:   base + "/cmd",
		State:     base + "/state",
		Set:       base + "/set",
	}
}

// StateTopic returns the topic a data point's value is published on.
// url is a resource path such as /p/o_1_1.
func (t Topics) StateTopic(url string) string {
	return t.State + url
}

// SetTopic returns the topic writes to a data point arrive on.
func (t Topics) SetTopic(url string) string {
	return t.Set + url
}

// URLFromSetTopic extracts the data point URL from a write topic.
func (t Topics) URLFromSetTopic(topic string) (string, bool) {
	url, ok := strings.CutPrefix(topic, t.Set)
	if !ok || !strings.HasPrefix(url, "/") || len(url) < 2 {
		return "", false
	}
	return url, true
}

// Conn is the broker connection the stack drives.
type Conn interface {
	// Connect blocks until connected to the broker named in creds, failed,
	// or ctx is done.
	Connect(ctx context.Context, creds device.Credentials) error
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Disconnect()
	// SetConnectionHandlers registers callbacks for (re)connection and
	// connection loss. They may run on any goroutine.
	SetConnectionHandlers(up func(), lost func(error))
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// DataPointPayload is published on a data point's state topic and on the
// group topic.
type DataPointPayload struct {
	Serial    string `json:"serial,omitempty"`
	URL       string `json:"url"`
	Value     bool   `json:"value"`
	Timestamp string `json:"timestamp"`
}

// FormatDataPoint creates the JSON payload for a data point value.
func FormatDataPoint(serial, url string, value bool, at time.Time) ([]byte, error) {
	return json.Marshal(DataPointPayload{
		Serial:    serial,
		URL:       url,
		Value:     value,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
}

// ParseValue parses a data point write. It accepts ON/OFF, true/false and
// 1/0 in any case, or a JSON DataPointPayload.
func ParseValue(payload []byte) (bool, bool) {
	s := strings.TrimSpace(string(payload))
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	if strings.HasPrefix(s, "{") {
		var p DataPointPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			return p.Value, true
		}
	}
	return false, false
}

// DiscoveryPayload is the retained discovery record.
type DiscoveryPayload struct {
	Serial          string `json:"serial"`
	IID             uint64 `json:"iid"`
	IA              string `json:"ia"`
	ProgrammingMode bool   `json:"programming_mode"`
}

// FormatDiscovery creates the JSON payload for a discovery record.
func FormatDiscovery(r device.Record) ([]byte, error) {
	return json.Marshal(DiscoveryPayload{
		Serial:          r.Serial,
		IID:             r.IID,
		IA:              r.IAString(),
		ProgrammingMode: r.ProgrammingMode,
	})
}

// LinkStatusPayload is the retained link status.
type LinkStatusPayload struct {
	Role         string `json:"role"`
	RxOnWhenIdle bool   `json:"rx_on_when_idle"`
}
