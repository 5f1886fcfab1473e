package broadcast

import (
	"errors"
	"sync"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

var (
	// errQueueClosed is returned when pushing to a closed queue.
	errQueueClosed = errors.New("outbound queue closed")
	// errQueueSaturated signals a queue full of pending emergencies. The
	// connection is force-disconnected rather than silently dropping a
	// life-safety event.
	errQueueSaturated = errors.New("outbound queue saturated with critical events")
)

// outboundQueue is the bounded per-connection delivery buffer. Writes never
// block: when full, the oldest non-critical event is evicted. Critical
// (EmergencyRaised) events are never evicted.
type outboundQueue struct {
	mu       sync.Mutex
	buf      []datamodel.Event
	capacity int
	closed   bool
	// notify wakes the write pump; capacity 1 so signaling never blocks.
	notify chan struct{}

	evicted uint64
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{
		buf:      make([]datamodel.Event, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues an event, applying the eviction policy when full.
func (q *outboundQueue) push(ev datamodel.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errQueueClosed
	}

	if len(q.buf) >= q.capacity {
		idx := -1
		for i := range q.buf {
			if !q.buf[i].Critical() {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			q.buf = append(q.buf[:idx], q.buf[idx+1:]...)
			q.evicted++
		case ev.Critical():
			// Nothing evictable and the incoming event must not be lost.
			return errQueueSaturated
		default:
			// All pending events are critical; drop the non-critical newcomer.
			q.evicted++
			q.signal()
			return nil
		}
	}

	q.buf = append(q.buf, ev)
	q.signal()
	return nil
}

func (q *outboundQueue) pop() (datamodel.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return datamodel.Event{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *outboundQueue) evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// close discards all pending events. Idempotent.
func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.buf = nil
	q.signal()
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
