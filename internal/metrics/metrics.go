// Package metrics is the observability side-channel for the fusion
// pipeline: data anomalies are counted here instead of raised as errors,
// and /healthz distinguishes "still loading" from "failed" dependencies.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the fusion service.
type Metrics struct {
	// Pipeline volume
	RecordsTotal    prometheus.Counter
	BatchesTotal    prometheus.Counter
	BroadcastsTotal prometheus.Counter

	// Data anomalies (non-fatal; record dropped, pipeline continues)
	InvalidRecords  *prometheus.CounterVec // labels: reason
	DuplicateEpochs prometheus.Counter

	// Router / feed health
	RouterDrops     *prometheus.CounterVec // labels: subscriber
	FeedReconnects  *prometheus.CounterVec // labels: topic
	FeedDrops       *prometheus.CounterVec // labels: topic
	MalformedFrames *prometheus.CounterVec // labels: topic

	// History fetching
	HistoryFetches *prometheus.CounterVec // labels: outcome

	// Stage latency
	MergeDur     prometheus.Histogram
	AggregateDur prometheus.Histogram

	// Gateway
	GatewayClients prometheus.Gauge

	// Redis breaker
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter
}

// New registers and returns all metrics.
func New() *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusiond_records_total",
			Help: "Total raw records received from the push feed",
		}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusiond_batches_total",
			Help: "Total push batches received",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusiond_broadcasts_total",
			Help: "Total chart payloads broadcast to gateway clients",
		}),
		InvalidRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusiond_invalid_records_total",
			Help: "Records dropped as invalid (by reason)",
		}, []string{"reason"}),
		DuplicateEpochs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusiond_duplicate_epochs_total",
			Help: "Records dropped for repeating an already-seen timestamp",
		}),
		RouterDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusiond_router_drops_total",
			Help: "Batches dropped for a slow router subscriber",
		}, []string{"subscriber"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusiond_feed_reconnects_total",
			Help: "Feed resubscriptions after a transport fault",
		}, []string{"topic"}),
		FeedDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusiond_feed_drops_total",
			Help: "Push batches dropped because the consumer was slow",
		}, []string{"topic"}),
		MalformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusiond_malformed_frames_total",
			Help: "Push frames skipped because they failed to decode",
		}, []string{"topic"}),
		HistoryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusiond_history_fetches_total",
			Help: "History fetch completions (by outcome)",
		}, []string{"outcome"}),
		MergeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fusiond_merge_duration_seconds",
			Help:    "Normalize+merge latency per refresh",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		AggregateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fusiond_aggregate_duration_seconds",
			Help:    "Window aggregation + index mapping latency per refresh",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusiond_gateway_clients",
			Help: "Connected websocket dashboard clients",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusiond_redis_breaker_state",
			Help: "Redis cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusiond_redis_breaker_trips_total",
			Help: "Redis cache circuit breaker trips",
		}),
	}

	prometheus.MustRegister(
		m.RecordsTotal,
		m.BatchesTotal,
		m.BroadcastsTotal,
		m.InvalidRecords,
		m.DuplicateEpochs,
		m.RouterDrops,
		m.FeedReconnects,
		m.FeedDrops,
		m.MalformedFrames,
		m.HistoryFetches,
		m.MergeDur,
		m.AggregateDur,
		m.GatewayClients,
		m.BreakerState,
		m.BreakerTrips,
	)
	return m
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastPushTime   time.Time `json:"last_push_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPushTime(t time.Time) {
	h.mu.Lock()
	h.LastPushTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies
// are skipped — the service runs without Redis or SQLite.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	pushAge := ""
	if !h.LastPushTime.IsZero() {
		pushAge = time.Since(h.LastPushTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastPushTime    string  `json:"last_push_time"`
		PushAge         string  `json:"push_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastPushTime:    h.LastPushTime.Format(time.RFC3339),
		PushAge:         pushAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
