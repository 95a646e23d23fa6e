package mqtt

import (
	"context"
	"strings"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Message is a message recorded by FakeConn.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeConn records traffic for test assertions. It is not safe for
// concurrent use.
type FakeConn struct {
	// Connected controls the return value of IsConnected.
	Connected bool

	// ConnectErrors are returned by successive Connect calls; once exhausted
	// Connect succeeds.
	ConnectErrors []error
	ConnectCalls  int
	LastCreds     device.Credentials

	// Published contains every message handed to Publish while connected.
	Published []Message

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Disconnects counts Disconnect calls.
	Disconnects int

	subs   map[string]func(topic string, payload []byte)
	onUp   func()
	onLost func(error)
}

// NewFakeConn creates a disconnected FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{subs: make(map[string]func(string, []byte))}
}

// SetConnectionHandlers implements Conn.
func (f *FakeConn) SetConnectionHandlers(up func(), lost func(error)) {
	f.onUp, f.onLost = up, lost
}

// Connect returns the next scripted error or connects.
func (f *FakeConn) Connect(ctx context.Context, creds device.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.ConnectCalls++
	f.LastCreds = creds
	if len(f.ConnectErrors) > 0 {
		err := f.ConnectErrors[0]
		f.ConnectErrors = f.ConnectErrors[1:]
		if err != nil {
			return err
		}
	}
	f.Connected = true
	return nil
}

// IsConnected reports whether the fake is "connected".
func (f *FakeConn) IsConnected() bool {
	return f.Connected
}

// Publish records the message.
func (f *FakeConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Published = append(f.Published, Message{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

// Subscribe records the handler.
func (f *FakeConn) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	f.subs[topic] = handler
	return nil
}

// Disconnect marks the fake disconnected without calling the lost handler.
func (f *FakeConn) Disconnect() {
	f.Disconnects++
	f.Connected = false
}

// Drop simulates a connection loss.
func (f *FakeConn) Drop(err error) {
	f.Connected = false
	if f.onLost != nil {
		f.onLost(err)
	}
}

// Restore simulates an automatic reconnection.
func (f *FakeConn) Restore() {
	f.Connected = true
	if f.onUp != nil {
		f.onUp()
	}
}

// Deliver routes an inbound message to the matching subscription.
// Only exact topics and trailing "#" wildcards are supported.
func (f *FakeConn) Deliver(topic string, payload []byte) bool {
	for filter, h := range f.subs {
		if filter == topic || (strings.HasSuffix(filter, "/#") && strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))) {
			h(topic, payload)
			return true
		}
	}
	return false
}

// On returns the messages published to topic.
func (f *FakeConn) On(topic string) []Message {
	var out []Message
	for _, m := range f.Published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears recorded messages.
func (f *FakeConn) Reset() {
	f.Published = nil
	f.PublishError = nil
}
