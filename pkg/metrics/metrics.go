package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ActiveConnections tracks live WebSocket connections by tier
var ActiveConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "flashcur_active_connections",
		Help: "Current number of live WebSocket connections",
	},
	[]string{"tier"},
)

// HandshakeRejections counts rejected handshakes by reason code
var HandshakeRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flashcur_handshake_rejections_total",
		Help: "Total number of rejected connection handshakes",
	},
	[]string{"reason"},
)

// SweepDeliveries counts tier-sweep deliveries by tier
var SweepDeliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flashcur_sweep_deliveries_total",
		Help: "Total number of snapshot deliveries made by tier sweeps",
	},
	[]string{"tier"},
)

// SweepSkips counts sweep cycles skipped because the cached snapshot was
// missing or stale
var SweepSkips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flashcur_sweep_skips_total",
		Help: "Total number of sweep cycles skipped for missing or stale data",
	},
	[]string{"tier"},
)

// RelayDeliveries counts event-driven relay deliveries by group kind
var RelayDeliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flashcur_relay_deliveries_total",
		Help: "Total number of relay deliveries to symbol and watchlist groups",
	},
	[]string{"kind"},
)

// SlowConsumersDropped counts connections closed for send-buffer overflow
var SlowConsumersDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "flashcur_slow_consumers_dropped_total",
		Help: "Total number of connections dropped for exceeding backpressure limits",
	},
)

// Cache and bus degradation metrics
var (
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashcur_cache_errors_total",
			Help: "Total number of swallowed cache/bus backend errors",
		},
		[]string{"op"},
	)

	CacheLocalFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flashcur_cache_local_fallbacks_total",
			Help: "Total number of reads served from the local fallback store",
		},
	)

	BusMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashcur_bus_messages_published_total",
			Help: "Total number of messages published to the pub/sub bus",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(ActiveConnections, HandshakeRejections)
	prometheus.MustRegister(SweepDeliveries, SweepSkips, RelayDeliveries, SlowConsumersDropped)
	prometheus.MustRegister(CacheErrors, CacheLocalFallbacks, BusMessagesPublished)
}
