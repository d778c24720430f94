package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AssetCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_asset_cache_hits_total",
			Help: "Charting library loads served from the durable cache",
		},
	)

	AssetCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_asset_cache_misses_total",
			Help: "Charting library loads that required a network fetch",
		},
	)

	AssetFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_asset_fetch_failures_total",
			Help: "Failed charting library fetches",
		},
		[]string{"host"},
	)

	AssetFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dashboard_asset_fetch_duration_seconds",
			Help:    "Network fetch duration for charting libraries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	SurfacesMounted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_render_surfaces_mounted",
			Help: "Render surfaces currently mounted",
		},
	)

	SurfaceActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_render_activations_total",
			Help: "Surface activations by trigger",
		},
		[]string{"trigger"},
	)

	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dashboard_render_duration_seconds",
			Help:    "Time from activation to document available",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	RenderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_render_failures_total",
			Help: "Render pipeline failures",
		},
		[]string{"reason"},
	)

	StoreReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_store_reloads_total",
			Help: "Dashboard reconciliation loads",
		},
		[]string{"status"},
	)

	StoreMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_store_mutations_total",
			Help: "Dashboard mutations sent to the remote API",
		},
		[]string{"operation", "status"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_active_sessions",
			Help: "Sessions with an open dashboard store",
		},
	)

	RemoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_remote_request_duration_seconds",
			Help:    "Remote API request duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashboard_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AssetCacheHits,
			AssetCacheMisses,
			AssetFetchFailures,
			AssetFetchDuration,
			SurfacesMounted,
			SurfaceActivations,
			RenderDuration,
			RenderFailures,
			StoreReloads,
			StoreMutations,
			ActiveSessions,
			RemoteRequestDuration,
			CircuitState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
