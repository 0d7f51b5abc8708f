package hub

import (
	"fmt"
	"sync"

	"github.com/Aidin1998/traderelay/pkg/metrics"
)

// SessionError reports a subscriber-level failure. It tears down that
// session only.
type SessionError struct {
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Session is one subscriber's delivery queue. The queue is bounded; when
// it is full the oldest pending event is evicted so a lagging subscriber
// keeps the freshest data. Enqueue is called only by the hub loop;
// Dequeue is called only by the session's delivery goroutine, which gives
// each subscriber FIFO delivery.
type Session struct {
	ID string

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	capacity int
	closed   bool
	dropped  uint64
	onDrop   func()
}

// NewSession creates a session with a bounded outbound queue.
func NewSession(id string, capacity int) *Session {
	if capacity <= 0 {
		capacity = 256
	}
	s := &Session{ID: id, capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue appends data, evicting the oldest entry when the queue is full.
func (s *Session) enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) == s.capacity {
		s.queue = s.queue[1:]
		s.dropped++
		metrics.SessionDrops.Inc()
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	s.queue = append(s.queue, data)
	s.cond.Signal()
}

// Dequeue blocks until an event is available or the session is closed and
// drained. The second return is false once no more events will arrive.
func (s *Session) Dequeue() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, true
}

// setDropHook installs a callback fired on every eviction.
func (s *Session) setDropHook(fn func()) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// Dropped returns how many events this session lost to queue eviction.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close wakes any blocked Dequeue. Pending events remain drainable.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
