package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Reserve metrics
	// ============================================
	ReserveBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_reserve_balance_wei",
		Help: "Total reserve balance in wei",
	})

	ReserveLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_reserve_locked_wei",
		Help: "Reserve amount locked by active quotes and settlements in wei",
	})

	ReserveHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_reserve_health",
		Help: "Reserve health (0=healthy, 1=warning, 2=critical, 3=emergency)",
	})

	ReserveDailyUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_reserve_daily_used_wei",
		Help: "Reserve wei committed since the UTC day anchor",
	})

	// ============================================
	// Quote and settlement metrics
	// ============================================
	QuotesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_quotes_created_total",
		Help: "Total number of quotes issued",
	})

	QuotesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_quotes_rejected_total",
			Help: "Total number of quote requests rejected",
		},
		[]string{"code"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_settlements_total",
			Help: "Total number of settlements by final status",
		},
		[]string{"status"},
	)

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_settlement_duration_seconds",
		Help:    "Wall time from settlement creation to completion",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_settlement_retries_total",
		Help: "Total number of settlement broadcast retries",
	})

	// ============================================
	// RPC pool metrics
	// ============================================
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_rpc_requests_total",
			Help: "Total number of JSON-RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCEndpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_rpc_endpoint_healthy",
			Help: "Endpoint health (1=healthy, 0=cooling down)",
		},
		[]string{"endpoint"},
	)

	RPCCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_rpc_cache_hits_total",
		Help: "Total number of RPC cache hits",
	})

	RPCCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_rpc_cache_misses_total",
		Help: "Total number of RPC cache misses",
	})

	// ============================================
	// Price feed metrics
	// ============================================
	PriceFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_price_fetch_errors_total",
			Help: "Total number of failed price source fetches",
		},
		[]string{"source"},
	)

	PriceUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_price_usd",
			Help: "Last accepted USD price per asset",
		},
		[]string{"asset"},
	)
)
