package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/traderelay/pkg/metrics"
)

// FrameSource produces decoded upstream frames. The channel closes when
// the source shuts down.
type FrameSource interface {
	Frames() <-chan RawTrade
}

// Appender is the durable sink boundary.
type Appender interface {
	Append(TradeEvent) error
}

// Broadcaster is the hub boundary.
type Broadcaster interface {
	Publish(TradeEvent)
}

// Mirror is an optional out-of-process copy of the broadcast stream.
type Mirror interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Ingested uint64 `json:"ingested"`
	Rejected uint64 `json:"rejected"`
}

// Service runs the relay pipeline: frames from the connector are
// normalized once and fanned out to the sink and the hub, each of which
// paces itself. Neither consumer can block the other.
type Service struct {
	logger *zap.Logger
	src    FrameSource
	sink   Appender
	hub    Broadcaster

	mirror        Mirror
	mirrorChannel string
	mirrorCh      chan []byte
	mirrorWG      sync.WaitGroup

	ingested atomic.Uint64
	rejected atomic.Uint64
}

// NewService wires the pipeline. mirror may be nil.
func NewService(src FrameSource, sink Appender, hub Broadcaster, mirror Mirror, mirrorChannel string, logger *zap.Logger) *Service {
	s := &Service{
		logger:        logger.Named("relay"),
		src:           src,
		sink:          sink,
		hub:           hub,
		mirror:        mirror,
		mirrorChannel: mirrorChannel,
	}
	if mirror != nil {
		s.mirrorCh = make(chan []byte, 256)
	}
	return s
}

// Run consumes frames until the source closes or ctx is canceled. It
// preserves upstream arrival order into both the sink append order and
// each subscriber's delivery order.
func (s *Service) Run(ctx context.Context) error {
	if s.mirrorCh != nil {
		s.mirrorWG.Add(1)
		go s.runMirror()
		defer func() {
			close(s.mirrorCh)
			s.mirrorWG.Wait()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-s.src.Frames():
			if !ok {
				return nil
			}
			s.handle(raw)
		}
	}
}

// Stats returns current pipeline counters.
func (s *Service) Stats() Stats {
	return Stats{
		Ingested: s.ingested.Load(),
		Rejected: s.rejected.Load(),
	}
}

func (s *Service) handle(raw RawTrade) {
	ev, err := Normalize(raw)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.rejected.Add(1)
			metrics.TradesRejected.Inc()
			s.logger.Debug("rejecting trade frame",
				zap.Error(verr),
				zap.String("symbol", raw.Symbol))
		}
		return
	}

	s.ingested.Add(1)
	metrics.TradesIngested.Inc()

	// Fan-out: sink and hub each receive the same immutable event and
	// proceed at their own pace.
	if err := s.sink.Append(ev); err != nil {
		s.logger.Debug("sink did not accept trade", zap.Error(err))
	}
	s.hub.Publish(ev)

	if s.mirrorCh != nil {
		data, err := json.Marshal(ev.Payload())
		if err != nil {
			return
		}
		select {
		case s.mirrorCh <- data:
		default:
			// mirror lagging; the bus copy is best-effort
		}
	}
}

func (s *Service) runMirror() {
	defer s.mirrorWG.Done()
	for data := range s.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.mirror.Publish(ctx, s.mirrorChannel, data); err != nil {
			s.logger.Warn("mirror publish failed", zap.Error(err))
		}
		cancel()
	}
}
