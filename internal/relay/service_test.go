package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/traderelay/internal/connector"
	"github.com/Aidin1998/traderelay/internal/hub"
	"github.com/Aidin1998/traderelay/internal/relay"
	"github.com/Aidin1998/traderelay/internal/sink"
)

type chanSource struct {
	ch chan relay.RawTrade
}

func (c *chanSource) Frames() <-chan relay.RawTrade { return c.ch }

type fakeAppender struct {
	mu     sync.Mutex
	events []relay.TradeEvent
}

func (f *fakeAppender) Append(ev relay.TradeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []relay.TradeEvent
}

func (f *fakeBroadcaster) Publish(ev relay.TradeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeMirror struct {
	mu       sync.Mutex
	payloads [][]byte
	channels []string
}

func (f *fakeMirror) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return nil
}

func rawTrade(seq int64, price, qty string) relay.RawTrade {
	return relay.RawTrade{
		EventType: "trade",
		EventTime: seq,
		Symbol:    "BTCUSDT",
		TradeID:   seq,
		Price:     price,
		Quantity:  qty,
	}
}

func TestServiceFansOutAcceptedTrades(t *testing.T) {
	src := &chanSource{ch: make(chan relay.RawTrade, 8)}
	app := &fakeAppender{}
	bc := &fakeBroadcaster{}
	mirror := &fakeMirror{}
	svc := relay.NewService(src, app, bc, mirror, "trades.ticker", zaptest.NewLogger(t))

	src.ch <- rawTrade(1, "50000.00", "0.01")
	src.ch <- rawTrade(2, "50001.00", "0.02")
	close(src.ch)

	require.NoError(t, svc.Run(context.Background()))

	stats := svc.Stats()
	assert.Equal(t, uint64(2), stats.Ingested)
	assert.Equal(t, uint64(0), stats.Rejected)

	require.Equal(t, 2, app.count())
	app.mu.Lock()
	assert.Equal(t, int64(1), app.events[0].ExchangeTimestamp)
	assert.Equal(t, int64(2), app.events[1].ExchangeTimestamp)
	assert.True(t, app.events[0].Notional.Equal(decimal.RequireFromString("500.00")))
	app.mu.Unlock()

	bc.mu.Lock()
	require.Len(t, bc.events, 2)
	bc.mu.Unlock()

	// Run closes the mirror feed and waits for it to drain.
	mirror.mu.Lock()
	require.Len(t, mirror.payloads, 2)
	assert.Equal(t, "trades.ticker", mirror.channels[0])
	var p relay.TradePayload
	require.NoError(t, json.Unmarshal(mirror.payloads[0], &p))
	assert.True(t, p.Volume.Equal(decimal.RequireFromString("500.00")))
	mirror.mu.Unlock()
}

func TestServiceRejectsInvalidFrames(t *testing.T) {
	src := &chanSource{ch: make(chan relay.RawTrade, 8)}
	app := &fakeAppender{}
	bc := &fakeBroadcaster{}
	svc := relay.NewService(src, app, bc, nil, "", zaptest.NewLogger(t))

	src.ch <- rawTrade(1, "50000.00", "0.01")
	src.ch <- rawTrade(2, "-1", "0.01")   // negative price
	src.ch <- rawTrade(3, "50000.00", "") // missing quantity
	src.ch <- relay.RawTrade{EventType: "trade", Symbol: "", Price: "1", Quantity: "1", EventTime: 4}
	close(src.ch)

	require.NoError(t, svc.Run(context.Background()))

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.Ingested)
	assert.Equal(t, uint64(3), stats.Rejected)
	assert.Equal(t, 1, app.count(), "rejected frames must not reach the sink")
}

func TestServiceStopsOnContextCancel(t *testing.T) {
	src := &chanSource{ch: make(chan relay.RawTrade)}
	svc := relay.NewService(src, &fakeAppender{}, &fakeBroadcaster{}, nil, "", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

// TestPipelineEndToEnd drives a fake exchange stream through the real
// connector, service, sink and hub.
func TestPipelineEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":1,"p":"50000.00","q":"0.01","T":1700000000000,"m":false}`,
			`not a frame`,
			`{"e":"trade","E":1700000000002,"s":"BTCUSDT","t":2,"p":"50100.00","q":"0.02","T":1700000000001,"m":true}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	logger := zaptest.NewLogger(t)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := sink.NewGormStore(db)
	require.NoError(t, err)
	snk := sink.New(store, sink.Config{RetryMin: time.Millisecond}, logger)
	snk.Start()

	broadcastHub := hub.NewHub(hub.Config{QueueSize: 16}, logger)
	defer broadcastHub.Close()
	sessions := make([]*hub.Session, 3)
	for i := range sessions {
		sessions[i] = broadcastHub.NewSession("test")
		broadcastHub.Register(sessions[i])
	}

	conn := connector.New(connector.Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	}, logger)
	conn.Start()

	svc := relay.NewService(conn, snk, broadcastHub, nil, "", logger)
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- svc.Run(context.Background()) }()

	// Every registered subscriber receives both accepted trades in order.
	for _, sess := range sessions {
		for _, want := range []struct {
			ts     int64
			volume string
		}{
			{1700000000001, "500.00"},
			{1700000000002, "1002.00"},
		} {
			data, ok := sess.Dequeue()
			require.True(t, ok)
			var p relay.TradePayload
			require.NoError(t, json.Unmarshal(data, &p))
			assert.Equal(t, "BTCUSDT", p.Symbol)
			assert.Equal(t, want.ts, p.Timestamp)
			assert.True(t, p.Volume.Equal(decimal.RequireFromString(want.volume)),
				"volume %s != %s", p.Volume, want.volume)
		}
	}

	// Both trades land in the durable store; the malformed frame is
	// counted, not fatal.
	require.Eventually(t, func() bool {
		rows, err := store.Trades(context.Background(), "BTCUSDT", 0, 0, 10)
		return err == nil && len(rows) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), conn.FramesDropped())

	rows, err := store.Trades(context.Background(), "BTCUSDT", 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000001), rows[0].ExchangeTS)
	assert.True(t, rows[1].Notional.Equal(decimal.RequireFromString("1002.00")))

	// Shutdown order mirrors the daemon: upstream first, then pipeline,
	// then sink drain.
	require.NoError(t, conn.Close())
	select {
	case err := <-pipelineDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after connector close")
	}
	unflushed, err := snk.Close(context.Background())
	require.NoError(t, err)
	assert.Zero(t, unflushed)
}
