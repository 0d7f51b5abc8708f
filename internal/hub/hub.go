// Package hub fans accepted trades out to every connected subscriber
// session. Registration, unregistration and publishing all go through the
// hub's run loop, which is the only owner of the session set.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/traderelay/internal/relay"
	"github.com/Aidin1998/traderelay/pkg/metrics"
)

// Config holds hub and subscriber-connection tuning. Zero values are
// replaced with defaults.
type Config struct {
	QueueSize    int
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Hub owns the subscriber session set and pushes every published trade to
// each session's queue. A slow session only ever loses its own oldest
// events; it cannot delay the hub or other sessions.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	register   chan *Session
	unregister chan *Session
	publish    chan []byte

	sessions map[*Session]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	count     atomic.Int64
	published atomic.Uint64
	drops     atomic.Uint64
}

// NewHub creates the hub and starts its run loop.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	cfg.withDefaults()
	h := &Hub{
		cfg:        cfg,
		logger:     logger.Named("hub"),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		publish:    make(chan []byte, 1024),
		sessions:   make(map[*Session]struct{}),
		done:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// NewSession creates a session sized for this hub.
func (h *Hub) NewSession(id string) *Session {
	return NewSession(id, h.cfg.QueueSize)
}

// Register adds a session to the broadcast set.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.done:
		s.Close()
	}
}

// Unregister removes a session and closes it. Safe to call from multiple
// teardown paths.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish delivers the event to every registered session. The payload is
// marshaled once and shared read-only across sessions.
func (h *Hub) Publish(ev relay.TradeEvent) {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		h.logger.Error("failed to marshal trade payload", zap.Error(err))
		return
	}
	select {
	case h.publish <- data:
	case <-h.done:
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	return int(h.count.Load())
}

// Published returns the number of events accepted for broadcast.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Drops returns the total events evicted across all sessions. Evictions
// count as they happen, so lagging sessions that are still connected are
// included.
func (h *Hub) Drops() uint64 {
	return h.drops.Load()
}

// Close tears down every session and stops the run loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case s := <-h.register:
			h.drops.Add(s.Dropped())
			s.setDropHook(func() { h.drops.Add(1) })
			h.sessions[s] = struct{}{}
			h.count.Store(int64(len(h.sessions)))
			metrics.SessionsActive.Set(float64(len(h.sessions)))
			h.logger.Info("subscriber registered", zap.String("session_id", s.ID))

		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				s.Close()
				h.count.Store(int64(len(h.sessions)))
				metrics.SessionsActive.Set(float64(len(h.sessions)))
				h.logger.Info("subscriber unregistered",
					zap.String("session_id", s.ID),
					zap.Uint64("queue_drops", s.Dropped()))
			}

		case data := <-h.publish:
			h.published.Add(1)
			for s := range h.sessions {
				s.enqueue(data)
			}

		case <-h.done:
			for s := range h.sessions {
				s.Close()
			}
			h.logger.Info("hub closed",
				zap.Int("sessions_closed", len(h.sessions)),
				zap.Uint64("total_queue_drops", h.drops.Load()))
			h.sessions = make(map[*Session]struct{})
			h.count.Store(0)
			metrics.SessionsActive.Set(0)
			return
		}
	}
}
