package mqtt

import "github.com/rs/zerolog/log"

// bufferedMsg is a publish held back while the broker is unreachable.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO of publishes made while detached.
// A retained publish replaces a buffered retained publish to the same topic,
// since the broker would only keep the newest. Not safe for concurrent use;
// the Stack holds its mutex around every call.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	overflow bool // a message was dropped since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if msg.retained {
		if i, ok := r.findRetained(msg.topic); ok {
			r.buf[i] = msg
			return
		}
	}
	if r.count == r.capacity {
		if !r.overflow {
			log.Warn().Int("capacity", r.capacity).Str("dropped", r.buf[r.head].topic).
				Msg("publish buffer full, dropping oldest")
			r.overflow = true
		}
		// head already points at the oldest entry.
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// requeue puts msgs back ahead of anything buffered since they were drained.
// A retained message already superseded by a newer buffered one is dropped.
func (r *ringBuffer) requeue(msgs []bufferedMsg) {
	newer := r.drainAll()
	for _, m := range msgs {
		if m.retained && supersededBy(newer, m.topic) {
			continue
		}
		r.push(m)
	}
	for _, m := range newer {
		r.push(m)
	}
}

func supersededBy(msgs []bufferedMsg, topic string) bool {
	for _, m := range msgs {
		if m.retained && m.topic == topic {
			return true
		}
	}
	return false
}

func (r *ringBuffer) findRetained(topic string) (int, bool) {
	start := r.start()
	for i := 0; i < r.count; i++ {
		idx := (start + i) % r.capacity
		if r.buf[idx].retained && r.buf[idx].topic == topic {
			return idx, true
		}
	}
	return 0, false
}

// start is the index of the oldest entry.
func (r *ringBuffer) start() int {
	return (r.head - r.count + r.capacity) % r.capacity
}

func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	result := make([]bufferedMsg, r.count)
	start := r.start()
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}
