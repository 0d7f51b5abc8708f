package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesIngested counts trades that passed normalization and entered the
// fan-out stage.
var TradesIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "traderelay_trades_ingested_total",
		Help: "Total number of normalized trades accepted by the relay",
	},
)

// FramesDropped counts raw upstream frames discarded before normalization
// (unparseable payloads).
var FramesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "traderelay_frames_dropped_total",
		Help: "Total number of malformed upstream frames dropped by the connector",
	},
)

// TradesRejected counts frames that parsed but failed validation.
var TradesRejected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "traderelay_trades_rejected_total",
		Help: "Total number of frames rejected by trade normalization",
	},
)

// Durable sink metrics
var (
	SinkWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "traderelay_sink_writes_total",
			Help: "Total number of trades durably written",
		},
	)

	SinkRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "traderelay_sink_retries_total",
			Help: "Total number of retried sink writes",
		},
	)

	SinkLosses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "traderelay_sink_losses_total",
			Help: "Total number of trades dropped by the sink after retry budget or buffer exhaustion",
		},
	)
)

// Broadcast hub metrics
var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "traderelay_sessions_active",
			Help: "Number of currently registered subscriber sessions",
		},
	)

	SessionDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "traderelay_session_drops_total",
			Help: "Total number of events evicted from saturated subscriber queues",
		},
	)
)

// Upstream connector metrics
var (
	ConnectorReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "traderelay_connector_reconnects_total",
			Help: "Total number of upstream reconnect attempts",
		},
	)

	ConnectorState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "traderelay_connector_state",
			Help: "Upstream connector state (0 disconnected, 1 connecting, 2 connected, 3 backoff)",
		},
	)
)

func init() {
	prometheus.MustRegister(TradesIngested, FramesDropped, TradesRejected)
	prometheus.MustRegister(SinkWrites, SinkRetries, SinkLosses)
	prometheus.MustRegister(SessionsActive, SessionDrops)
	prometheus.MustRegister(ConnectorReconnects, ConnectorState)
}
