package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
)

// DefaultBufferSize is the number of messages held while disconnected.
const DefaultBufferSize = 100

// Store persists the state the stack resets and erases.
type Store interface {
	Credentials() (device.Credentials, error)
	EraseCredentials() error
	ResetDevice(level int) error
}

// Handlers receive inbound traffic. They are called on connection
// goroutines and must hand work to the main loop rather than run it.
type Handlers struct {
	DataPoint   func(url string, value bool)
	Command     func(cmd string)
	RoleChanged func(role device.Role)
}

// StackOptions configures a Stack.
type StackOptions struct {
	Serial string
	// Writable lists the data point URLs that accept writes.
	Writable   []string
	BufferSize int
	Now        func() time.Time
}

// Stack is the node's network stack. It implements device.Network and
// device.Publisher on top of a broker connection.
type Stack struct {
	conn     Conn
	store    Store
	topics   Topics
	serial   string
	writable map[string]bool
	now      func() time.Time

	mu       sync.Mutex
	role     device.Role
	link     device.LinkMode
	buf      *ringBuffer
	handlers Handlers
}

// NewStack creates a stack that is not yet joined.
func NewStack(conn Conn, store Store, opts StackOptions) *Stack {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Stack{
		conn:     conn,
		store:    store,
		topics:   TopicsFor(opts.Serial),
		serial:   opts.Serial,
		writable: make(map[string]bool),
		now:      opts.Now,
		role:     device.RoleDisabled,
		buf:      newRingBuffer(opts.BufferSize),
	}
	for _, url := range opts.Writable {
		s.writable[url] = true
	}
	conn.SetConnectionHandlers(s.up, s.lost)
	return s
}

// SetHandlers registers the inbound traffic handlers.
func (s *Stack) SetHandlers(h Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

// Topics returns the node's topics.
func (s *Stack) Topics() Topics {
	return s.topics
}

// TryJoin connects to the broker with the stored credentials.
// It returns device.ErrAlreadyJoined when already connected and wraps
// device.ErrJoinFatal when no credentials are provisioned.
func (s *Stack) TryJoin(ctx context.Context) error {
	if s.conn.IsConnected() {
		return device.ErrAlreadyJoined
	}

	creds, err := s.store.Credentials()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if creds.Empty() {
		return fmt.Errorf("no broker provisioned: %w", device.ErrJoinFatal)
	}

	s.mu.Lock()
	if s.role == device.RoleDisabled {
		s.role = device.RoleDetached
	}
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, creds); err != nil {
		return fmt.Errorf("connect to %s: %w", creds.Broker, err)
	}
	s.up()
	return nil
}

// up handles a (re)connection. It is a no-op if already attached.
func (s *Stack) up() {
	s.mu.Lock()
	if s.role == device.RoleChild {
		s.mu.Unlock()
		return
	}
	s.role = device.RoleChild
	notify := s.handlers.RoleChanged
	s.mu.Unlock()

	log.Info().Str("serial", s.serial).Msg("mqtt attached")

	if err := s.conn.Subscribe(s.topics.Set+"/#", 1, s.onSet); err != nil {
		log.Error().Err(err).Msg("subscribe to data point writes")
	}
	if err := s.conn.Subscribe(s.topics.Command, 1, s.onCommand); err != nil {
		log.Error().Err(err).Msg("subscribe to commands")
	}
	if err := s.publishLinkStatus(); err != nil {
		log.Warn().Err(err).Msg("publish link status")
	}
	if err := s.Flush(); err != nil {
		log.Warn().Err(err).Msg("replay buffered messages")
	}

	if notify != nil {
		notify(device.RoleChild)
	}
}

// lost handles connection loss.
func (s *Stack) lost(err error) {
	s.mu.Lock()
	if s.role != device.RoleChild {
		s.mu.Unlock()
		return
	}
	s.role = device.RoleDetached
	notify := s.handlers.RoleChanged
	s.mu.Unlock()

	log.Warn().Err(err).Msg("mqtt connection lost")
	if notify != nil {
		notify(device.RoleDetached)
	}
}

func (s *Stack) onSet(topic string, payload []byte) {
	url, ok := s.topics.URLFromSetTopic(topic)
	if !ok || !s.writable[url] {
		log.Warn().Str("topic", topic).Msg("write to unknown data point")
		return
	}
	value, ok := ParseValue(payload)
	if !ok {
		log.Warn().Str("url", url).Bytes("payload", payload).Msg("unparseable data point value")
		return
	}

	s.mu.Lock()
	h := s.handlers.DataPoint
	s.mu.Unlock()
	if h != nil {
		h(url, value)
	}
}

func (s *Stack) onCommand(_ string, payload []byte) {
	cmd := strings.TrimSpace(string(payload))
	if cmd == "" {
		return
	}
	s.mu.Lock()
	h := s.handlers.Command
	s.mu.Unlock()
	if h != nil {
		h(cmd)
	}
}

// CanSleep reports whether the stack has nothing waiting to go out.
// A disconnected stack can always sleep; reconnection wakes the node.
func (s *Stack) CanSleep() bool {
	s.mu.Lock()
	pending := s.buf.len()
	s.mu.Unlock()
	return pending == 0 || !s.conn.IsConnected()
}

// Role returns the node's attachment role.
func (s *Stack) Role() device.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// IsConnected reports whether the broker connection is up.
func (s *Stack) IsConnected() bool {
	return s.conn.IsConnected()
}

// SetLinkMode records the link mode and publishes it as the retained link
// status, so controllers know whether the node is reachable right now.
func (s *Stack) SetLinkMode(m device.LinkMode) error {
	s.mu.Lock()
	s.link = m
	s.mu.Unlock()
	return s.publishLinkStatus()
}

// LinkMode returns the current link mode.
func (s *Stack) LinkMode() device.LinkMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Stack) publishLinkStatus() error {
	s.mu.Lock()
	p := LinkStatusPayload{Role: s.role.String(), RxOnWhenIdle: s.link.RxOnWhenIdle}
	s.mu.Unlock()

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("format link status: %w", err)
	}
	return s.publish(s.topics.Status, 1, true, payload)
}

// Reset performs a network-layer reset of the device configuration.
func (s *Stack) Reset(level int) error {
	if err := s.store.ResetDevice(level); err != nil {
		return fmt.Errorf("reset device level %d: %w", level, err)
	}
	return s.PublishSystem(SystemEvent{
		Timestamp: s.now(),
		Event:     "RESET",
		Reason:    fmt.Sprintf("level %d", level),
	})
}

// EraseJoinCredentials deletes the stored credentials and drops the
// connection. The node stays detached until re-provisioned.
func (s *Stack) EraseJoinCredentials() error {
	if err := s.store.EraseCredentials(); err != nil {
		return fmt.Errorf("erase credentials: %w", err)
	}
	s.conn.Disconnect()
	s.lost(errors.New("credentials erased"))
	return nil
}

// SendDataPoll flushes buffered messages and sends a keep-alive.
func (s *Stack) SendDataPoll() error {
	if !s.conn.IsConnected() {
		return nil
	}
	if err := s.Flush(); err != nil {
		return err
	}
	payload := []byte(s.now().UTC().Format(time.RFC3339))
	if err := s.conn.Publish(s.topics.Poll, 0, false, payload); err != nil {
		return fmt.Errorf("data poll: %w", err)
	}
	return nil
}

// Poll services outbound traffic once per main loop iteration.
func (s *Stack) Poll() error {
	return s.Flush()
}

// Flush replays buffered messages if connected. Messages that fail again
// are buffered for the next attempt.
func (s *Stack) Flush() error {
	if !s.conn.IsConnected() {
		return nil
	}
	s.mu.Lock()
	pending := s.buf.drainAll()
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	log.Info().Int("count", len(pending)).Msg("replaying buffered messages")
	for i, m := range pending {
		if err := s.conn.Publish(m.topic, m.qos, m.retained, m.payload); err != nil {
			s.mu.Lock()
			s.buf.requeue(pending[i:])
			s.mu.Unlock()
			return fmt.Errorf("replay to %s: %w", m.topic, err)
		}
	}
	return nil
}

// RepublishDiscovery publishes the retained discovery record.
func (s *Stack) RepublishDiscovery(r device.Record) error {
	payload, err := FormatDiscovery(r)
	if err != nil {
		return fmt.Errorf("format discovery: %w", err)
	}
	return s.publish(s.topics.Discovery, 1, true, payload)
}

// PublishDataPoint publishes the retained value of a data point.
func (s *Stack) PublishDataPoint(url string, value bool) error {
	payload, err := FormatDataPoint("", url, value, s.now())
	if err != nil {
		return fmt.Errorf("format data point: %w", err)
	}
	return s.publish(s.topics.StateTopic(url), 1, true, payload)
}

// GroupWrite sends an s-mode write of a data point to the group topic.
func (s *Stack) GroupWrite(url string, value bool) error {
	payload, err := FormatDataPoint(s.serial, url, value, s.now())
	if err != nil {
		return fmt.Errorf("format group write: %w", err)
	}
	return s.publish(TopicGroup, 0, false, payload)
}

// PublishSystem sends a system lifecycle event.
func (s *Stack) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return s.publish(s.topics.System, 1, event.Retained, payload)
}

// publish sends a message, buffering it while disconnected.
func (s *Stack) publish(topic string, qos byte, retained bool, payload []byte) error {
	msg := bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}
	if !s.conn.IsConnected() {
		s.mu.Lock()
		s.buf.push(msg)
		s.mu.Unlock()
		return nil
	}
	if err := s.conn.Publish(topic, qos, retained, payload); err != nil {
		s.mu.Lock()
		s.buf.push(msg)
		s.mu.Unlock()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Buffered returns the number of messages waiting for the connection.
func (s *Stack) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.len()
}

// Close disconnects from the broker.
func (s *Stack) Close() error {
	s.conn.Disconnect()
	return nil
}
