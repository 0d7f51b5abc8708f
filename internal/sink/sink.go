package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/traderelay/internal/relay"
	"github.com/Aidin1998/traderelay/pkg/metrics"
)

// ErrClosed is returned by Append after Close has begun.
var ErrClosed = errors.New("sink is closed")

// ErrBufferFull is returned when the in-flight buffer is exhausted and the
// event was dropped in preference to blocking the pipeline.
var ErrBufferFull = errors.New("sink buffer full")

// SinkError wraps a storage write failure.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink write failed: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Config holds sink tuning. Zero values are replaced with defaults.
type Config struct {
	BufferSize   int
	RetryBudget  int
	RetryMin     time.Duration
	RetryMax     time.Duration
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 1024
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = 5
	}
	if c.RetryMin == 0 {
		c.RetryMin = 100 * time.Millisecond
	}
	if c.RetryMax == 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Sink appends trades to the Store from a single writer goroutine fed by a
// bounded buffer. Append never blocks; a full buffer drops the event with
// a loss record. Failed writes are retried with exponential backoff up to
// the retry budget, then dropped with exactly one loss record.
type Sink struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	buf  chan relay.TradeEvent
	done chan struct{}

	// closeMu orders in-flight Appends before the buffer is closed.
	closeMu sync.RWMutex
	closing atomic.Bool
	wg      sync.WaitGroup

	written   atomic.Uint64
	losses    atomic.Uint64
	abandoned atomic.Uint64
}

// New creates a sink writing to store. Call Start to begin draining.
func New(store Store, cfg Config, logger *zap.Logger) *Sink {
	cfg.withDefaults()
	return &Sink{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("sink"),
		buf:    make(chan relay.TradeEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.run()
}

// Append enqueues the event for durable write. It returns ErrBufferFull
// when the event was dropped because the buffer is exhausted; that drop is
// already logged and counted.
func (s *Sink) Append(ev relay.TradeEvent) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closing.Load() {
		return ErrClosed
	}
	select {
	case s.buf <- ev:
		return nil
	default:
		s.recordLoss(ev, &SinkError{Err: ErrBufferFull})
		return ErrBufferFull
	}
}

// Written returns the number of trades durably written.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Losses returns the number of trades dropped by the sink.
func (s *Sink) Losses() uint64 { return s.losses.Load() }

// Close stops accepting events and drains the buffer. If ctx expires
// before the drain completes, remaining writes are abandoned. It returns
// the number of events that were never flushed.
func (s *Sink) Close(ctx context.Context) (int, error) {
	s.closeMu.Lock()
	if s.closing.Swap(true) {
		s.closeMu.Unlock()
		return 0, ErrClosed
	}
	close(s.buf)
	s.closeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		close(s.done)
		<-drained
		err = ctx.Err()
	}

	// The writer has exited; anything left in the closed buffer was never
	// flushed.
	for range s.buf {
		s.abandoned.Add(1)
	}
	return int(s.abandoned.Load()), err
}

func (s *Sink) run() {
	defer s.wg.Done()
	for ev := range s.buf {
		if !s.write(ev) {
			return
		}
	}
}

// write attempts the durable write with bounded retries. It returns false
// only when the sink was aborted mid-write during shutdown.
func (s *Sink) write(ev relay.TradeEvent) bool {
	row := rowFromEvent(ev)
	delay := s.cfg.RetryMin

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err := s.store.SaveTrade(ctx, row)
		cancel()
		if err == nil {
			s.written.Add(1)
			metrics.SinkWrites.Inc()
			return true
		}

		if attempt >= s.cfg.RetryBudget {
			s.recordLoss(ev, &SinkError{Err: err})
			return true
		}

		metrics.SinkRetries.Inc()
		s.logger.Warn("sink write failed, retrying",
			zap.Error(err),
			zap.String("symbol", ev.Symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-s.done:
			timer.Stop()
			s.abandoned.Add(1)
			return false
		case <-timer.C:
		}
		delay *= 2
		if delay > s.cfg.RetryMax {
			delay = s.cfg.RetryMax
		}
	}
}

// recordLoss logs exactly one sink-loss record for the event.
func (s *Sink) recordLoss(ev relay.TradeEvent, err *SinkError) {
	s.losses.Add(1)
	metrics.SinkLosses.Inc()
	s.logger.Error("sink loss, dropping trade",
		zap.Error(err),
		zap.String("symbol", ev.Symbol),
		zap.Int64("exchange_ts", ev.ExchangeTimestamp))
}
