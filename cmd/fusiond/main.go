// cmd/fusiond — Market-data fusion service for the retail dashboard.
//
// Pulls ticker history over REST, holds two live push subscriptions
// (EOD-style snapshots and intraday points), fuses them into chart-ready
// series, and fans the results out to websocket dashboard clients.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"marketboard/config"
	"marketboard/internal/api"
	"marketboard/internal/board"
	"marketboard/internal/gateway"
	"marketboard/internal/history"
	"marketboard/internal/logger"
	"marketboard/internal/marketdata/feed"
	"marketboard/internal/marketdata/normalize"
	"marketboard/internal/markethours"
	"marketboard/internal/metrics"
	"marketboard/internal/model"
	redisstore "marketboard/internal/store/redis"
	sqlitestore "marketboard/internal/store/sqlite"
)

func main() {
	// Optional .env for local development.
	godotenv.Load()

	cfg := config.Load()
	slogger := logger.Init("fusiond", logger.ParseLevel(cfg.LogLevel))
	slogger.Info("starting", "tickers", cfg.Tickers, "feed", cfg.FeedWSURL)

	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Second-level history cache (optional) ----
	var second model.SnapshotCache
	var redisCache *redisstore.Cache
	if cfg.RedisAddr != "" {
		var err error
		redisCache, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			TTL:      cfg.RedisTTL(),
		})
		if err != nil {
			// Degraded but functional: history comes straight from
			// upstream.
			slogger.Warn("redis unavailable, running without second-level cache", "err", err)
		} else {
			second = redisCache
			health.SetRedisConnected(true)
		}
	}

	// ---- EOD persistence (optional) ----
	var recorder *sqlitestore.Recorder
	var recorderCh chan []model.RawRecord
	if cfg.SQLitePath != "" {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		var err error
		recorder, err = sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[fusiond] sqlite init failed: %v", err)
		}
		recorderCh = make(chan []model.RawRecord, 256)
		go recorder.Run(ctx, recorderCh)
		health.SetSQLiteOK(true)
	}

	// ---- History cache ----
	fetcher := history.NewClient(cfg.HistoryBaseURL)
	cache := history.NewCache(fetcher, second, slogger)
	cache.OnFetch = func(outcome string) {
		prom.HistoryFetches.WithLabelValues(outcome).Inc()
	}

	// ---- Live feed ----
	source := feed.NewWSSource(cfg.FeedWSURL)
	source.OnDrop = func(topic string) { prom.FeedDrops.WithLabelValues(topic).Inc() }
	source.OnMalformed = func(topic string) { prom.MalformedFrames.WithLabelValues(topic).Inc() }

	// ---- Fusion engine + gateway ----
	engine := board.NewEngine(board.Config{
		Tickers:       cfg.ParseTickers(),
		SnapshotTopic: cfg.SnapshotTopic,
		IntradayTopic: cfg.IntradayTopic,
		Normalize:     normalize.Config{DisplayOffset: cfg.DisplayOffset()},
	}, board.Deps{
		Cache:    cache,
		Source:   source,
		Pub:      nil, // wired below, the hub needs the engine
		Metrics:  prom,
		Health:   health,
		Recorder: recorderCh,
		Log:      slogger,
	})

	hub := gateway.NewHub(engine, slogger, prom)
	engine.SetPublisher(hub)
	go engine.Run(ctx)

	status := gateway.NewStatusBroadcaster(hub, nil, 15*time.Second)
	go status.Run(ctx)

	// ---- Liveness probes ----
	health.StartLivenessChecker(ctx, redisClientOrNil(redisCache), dbOrNil(recorder), 30*time.Second)

	// ---- Post-close refresh ----
	// Re-fetch the board's history after the afternoon session so the
	// finalized daily bar replaces the live snapshot.
	scheduler := cron.New(cron.WithLocation(markethours.ICT))
	if _, err := scheduler.AddFunc(cfg.RefreshCron, func() {
		slogger.Info("post-close history refresh")
		cache.InvalidateAll()
		for _, t := range cfg.ParseTickers() {
			cache.Ensure(ctx, t)
		}
	}); err != nil {
		log.Fatalf("[fusiond] bad refresh cron spec %q: %v", cfg.RefreshCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// ---- HTTP surface ----
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(engine, hub, recordsOrNil(recorder)),
	}
	go func() {
		slogger.Info("http listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[fusiond] http server: %v", err)
		}
	}()

	<-sigCh
	slogger.Info("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	metricsSrv.Stop(shutCtx)

	if recorder != nil {
		recorder.Close()
	}
	if redisCache != nil {
		redisCache.Close()
	}
	slogger.Info("bye")
}

func redisClientOrNil(c *redisstore.Cache) *goredis.Client {
	if c == nil {
		return nil
	}
	return c.Client()
}

func dbOrNil(r *sqlitestore.Recorder) *sql.DB {
	if r == nil {
		return nil
	}
	return r.DB()
}

// recordsOrNil avoids handing the router a typed-nil interface when
// recording is disabled.
func recordsOrNil(r *sqlitestore.Recorder) api.RecordReader {
	if r == nil {
		return nil
	}
	return r
}
