package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/sleepy-node/internal/device"
)

// Options configures a PahoConn.
type Options struct {
	ClientID       string
	ConnectTimeout time.Duration
	// WillTopic and WillPayload set a retained last-will message.
	WillTopic   string
	WillPayload []byte
}

// PahoConn is a Conn backed by an actual MQTT broker.
type PahoConn struct {
	opts Options

	mu     sync.Mutex
	client paho.Client
	onUp   func()
	onLost func(error)
}

// NewPahoConn creates an unconnected broker connection.
func NewPahoConn(opts Options) *PahoConn {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &PahoConn{opts: opts}
}

// SetConnectionHandlers implements Conn.
func (c *PahoConn) SetConnectionHandlers(up func(), lost func(error)) {
	c.mu.Lock()
	c.onUp, c.onLost = up, lost
	c.mu.Unlock()
}

// Connect dials the broker named in creds. A previous client is replaced,
// so new credentials take effect.
func (c *PahoConn) Connect(ctx context.Context, creds device.Credentials) error {
	opts := paho.NewClientOptions().
		AddBroker(creds.Broker).
		SetClientID(c.opts.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) {
			c.mu.Lock()
			up := c.onUp
			c.mu.Unlock()
			if up != nil {
				up()
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.mu.Lock()
			lost := c.onLost
			c.mu.Unlock()
			if lost != nil {
				lost(err)
			}
		})
	if c.opts.WillTopic != "" {
		opts.SetBinaryWill(c.opts.WillTopic, c.opts.WillPayload, 1, true)
	}

	c.Disconnect()
	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(c.opts.ConnectTimeout):
		client.Disconnect(0)
		return errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *PahoConn) current() paho.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// IsConnected reports whether the connection is currently open.
func (c *PahoConn) IsConnected() bool {
	client := c.current()
	return client != nil && client.IsConnectionOpen()
}

// Publish sends a message and waits for it to be handed to the broker.
func (c *PahoConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	client := c.current()
	if client == nil {
		return errors.New("not connected")
	}
	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers handler for topic.
func (c *PahoConn) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	client := c.current()
	if client == nil {
		return errors.New("not connected")
	}
	token := client.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection, if any.
func (c *PahoConn) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(1000) // 1 second timeout
	}
}
