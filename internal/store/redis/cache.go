// Package redis provides the optional second-level history cache: fetched
// upstream records per ticker, stored as JSON with a TTL so restarts and
// sibling instances skip the upstream round-trip. Only raw upstream records
// are stored — computed series are never persisted.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketboard/internal/model"
)

const defaultTTL = 6 * time.Hour

// Config configures the cache.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration // zero → defaultTTL
}

// Cache implements model.SnapshotCache over Redis, guarded by a circuit
// breaker so a flapping Redis degrades reads to upstream fetches instead
// of stalling the pipeline.
type Cache struct {
	client  *goredis.Client
	ttl     time.Duration
	breaker *Breaker
}

// Client returns the underlying client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// New creates a Cache and pings the server.
func New(cfg Config) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log.Printf("[redis] connected to %s (history ttl %v)", cfg.Addr, ttl)
	return &Cache{
		client:  client,
		ttl:     ttl,
		breaker: NewBreaker(5, 10*time.Second),
	}, nil
}

func historyKey(ticker string) string { return "hist:" + ticker }

// GetHistory implements model.SnapshotCache. A missing key is a miss,
// never an error; an open breaker reads as a miss too.
func (c *Cache) GetHistory(ctx context.Context, ticker string) ([]model.RawRecord, bool, error) {
	var payload string
	miss := false
	err := c.breaker.Execute(func() error {
		v, err := c.client.Get(ctx, historyKey(ticker)).Result()
		if err == goredis.Nil {
			// A miss is a healthy response, not a breaker failure.
			miss = true
			return nil
		}
		payload = v
		return err
	})
	if err == ErrBreakerOpen {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", ticker, err)
	}
	if miss {
		return nil, false, nil
	}

	var records []model.RawRecord
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		// Corrupt entry — treat as a miss so the upstream overwrites it.
		return nil, false, nil
	}
	return records, true, nil
}

// SetHistory implements model.SnapshotCache.
func (c *Cache) SetHistory(ctx context.Context, ticker string, records []model.RawRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("redis marshal %s: %w", ticker, err)
	}
	return c.breaker.Execute(func() error {
		return c.client.Set(ctx, historyKey(ticker), payload, c.ttl).Err()
	})
}

// Invalidate implements model.SnapshotCache. Used by the scheduled
// post-close refresh so the next fetch repopulates from upstream.
func (c *Cache) Invalidate(ctx context.Context, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = historyKey(t)
	}
	return c.breaker.Execute(func() error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// Close implements model.SnapshotCache.
func (c *Cache) Close() error { return c.client.Close() }
