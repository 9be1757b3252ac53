package kernel

import (
	"sync"
	"time"
)

// Event is a kernel lifecycle event delivered to the observability sink.
type Event struct {
	Type      EventType         `json:"type"`
	ProcessID string            `json:"process_id,omitempty"`
	PageID    string            `json:"page_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// EventType identifies the kind of event.
type EventType string

const (
	EventScheduled      EventType = "scheduled"
	EventPreempted      EventType = "preempted"
	EventCompleted      EventType = "completed"
	EventTerminated     EventType = "terminated"
	EventQuotaExhausted EventType = "quota_exhausted"
	EventQuotaReset     EventType = "quota_reset"
	EventPageEvicted    EventType = "page_evicted"
	EventSwapIn         EventType = "swap_in"
	EventCheckpointed   EventType = "checkpointed"
	EventRestored       EventType = "restored"
)

// Sink receives kernel events. Delivery is fire-and-forget: Emit must
// never block, because it is called while scheduling and window locks
// are held.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface. The function itself
// must not block.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// nopSink discards all events. Used when no sink is configured.
type nopSink struct{}

func (nopSink) Emit(Event) {}

// BufferedSink buffers events on a channel for an external consumer.
// When the buffer is full, new events are dropped rather than blocking
// the kernel; Dropped reports how many were lost.
type BufferedSink struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewBufferedSink creates a sink with the given buffer size.
func NewBufferedSink(size int) *BufferedSink {
	if size <= 0 {
		size = 64
	}
	return &BufferedSink{ch: make(chan Event, size)}
}

// Emit enqueues the event, dropping it if the buffer is full.
func (s *BufferedSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

// Events returns the channel of buffered events.
func (s *BufferedSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events lost to a full buffer.
func (s *BufferedSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops delivery and closes the event channel.
func (s *BufferedSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
