// Package connector owns the outbound connection to the exchange trade
// stream. It decodes raw frames into typed trade frames and recovers from
// disconnects with capped exponential backoff, reconnecting indefinitely.
package connector

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/traderelay/internal/relay"
	"github.com/Aidin1998/traderelay/pkg/metrics"
)

// State is the connector's connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ConnectionError wraps a network-level failure. It never escapes the
// connector except as a logged state change.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config holds connector tuning. Zero values are replaced with defaults.
type Config struct {
	URL                string
	HandshakeTimeout   time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	StabilityThreshold time.Duration
	FrameBuffer        int
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = time.Minute
	}
	if c.StabilityThreshold == 0 {
		c.StabilityThreshold = 30 * time.Second
	}
	if c.FrameBuffer == 0 {
		c.FrameBuffer = 1024
	}
}

// Connector maintains one logical subscription to a single exchange trade
// channel and exposes decoded frames on Frames(). The frame channel has a
// single consumer.
type Connector struct {
	cfg    Config
	logger *zap.Logger

	frames chan relay.RawTrade
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	state         atomic.Int32
	reconnects    atomic.Uint64
	framesDropped atomic.Uint64
}

// New creates a connector for the given stream URL. Call Start to begin
// dialing.
func New(cfg Config, logger *zap.Logger) *Connector {
	cfg.withDefaults()
	return &Connector{
		cfg:    cfg,
		logger: logger.Named("connector"),
		frames: make(chan relay.RawTrade, cfg.FrameBuffer),
		done:   make(chan struct{}),
	}
}

// Start launches the connect/read loop.
func (c *Connector) Start() {
	c.wg.Add(1)
	go c.run()
}

// Frames returns the stream of decoded trade frames. The channel is closed
// after Close.
func (c *Connector) Frames() <-chan relay.RawTrade {
	return c.frames
}

// State returns the current connection state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Reconnects returns the number of reconnect attempts made so far.
func (c *Connector) Reconnects() uint64 {
	return c.reconnects.Load()
}

// FramesDropped returns the number of malformed frames discarded.
func (c *Connector) FramesDropped() uint64 {
	return c.framesDropped.Load()
}

// Close stops the connector and closes the frame channel once the read
// loop has exited.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
		c.wg.Wait()
		close(c.frames)
	})
	return nil
}

func (c *Connector) run() {
	defer c.wg.Done()
	defer c.setState(StateDisconnected)

	bo := newBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			delay := bo.Next()
			c.logger.Warn("upstream dial failed",
				zap.Error(&ConnectionError{Op: "dial", Err: err}),
				zap.Duration("retry_in", delay))
			if !c.backoffWait(delay) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.setState(StateConnected)
		connectedAt := time.Now()
		c.logger.Info("upstream connected", zap.String("url", c.cfg.URL))

		stopPing := make(chan struct{})
		go c.pingLoop(conn, stopPing)

		err = c.readLoop(conn)
		close(stopPing)
		conn.Close()
		c.setConn(nil)

		select {
		case <-c.done:
			return
		default:
		}

		// A connection that survived past the stability threshold resets
		// the backoff schedule.
		if time.Since(connectedAt) >= c.cfg.StabilityThreshold {
			bo.Reset()
		}

		c.setState(StateDisconnected)
		delay := bo.Next()
		c.logger.Warn("upstream disconnected",
			zap.Error(&ConnectionError{Op: "read", Err: err}),
			zap.Duration("retry_in", delay))
		if !c.backoffWait(delay) {
			return
		}
	}
}

func (c *Connector) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	return conn, err
}

func (c *Connector) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.handleFrame(message)
	}
}

// handleFrame decodes a raw frame. Unparseable payloads are dropped and
// counted; they are not connector failures.
func (c *Connector) handleFrame(message []byte) {
	var raw relay.RawTrade
	if err := json.Unmarshal(message, &raw); err != nil {
		c.framesDropped.Add(1)
		metrics.FramesDropped.Inc()
		c.logger.Debug("dropping malformed frame", zap.Error(err), zap.Int("size", len(message)))
		return
	}
	select {
	case c.frames <- raw:
	case <-c.done:
	}
}

func (c *Connector) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("upstream ping failed", zap.Error(err))
				return
			}
		}
	}
}

// backoffWait sleeps in the Backoff state, returning false when the
// connector was closed while waiting.
func (c *Connector) backoffWait(delay time.Duration) bool {
	c.setState(StateBackoff)
	c.reconnects.Add(1)
	metrics.ConnectorReconnects.Inc()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	metrics.ConnectorState.Set(float64(s))
}
