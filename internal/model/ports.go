package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the fusion pipeline from concrete collaborators
// (upstream REST, websocket feed, Redis, SQLite, wall clock). Each
// implementation satisfies one or more of these ports.

// Clock abstracts time.Now so window cutoffs are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// HistoryFetcher performs the one-shot per-ticker history fetch.
// An empty slice is a valid result ("no history yet").
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, ticker string) ([]RawRecord, error)
}

// Subscription is one live push-subscription session.
// Contract: zero or more batches on Data, at most one terminal error on
// Err, and Close stops further events deterministically. A terminal error
// is a reconnectable fault — the caller decides whether to resubscribe.
type Subscription interface {
	// Data delivers mixed-ticker record batches. Closed on terminal error
	// or after Close.
	Data() <-chan []RawRecord

	// Err delivers the terminal transport fault, if any.
	Err() <-chan error

	// Close unsubscribes. Safe to call more than once.
	Close()
}

// EventSource opens push subscriptions by topic.
type EventSource interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// SnapshotCache is an optional shared second-level cache for fetched
// history, keyed by ticker. A miss is (nil, false, nil), never an error.
type SnapshotCache interface {
	GetHistory(ctx context.Context, ticker string) ([]RawRecord, bool, error)
	SetHistory(ctx context.Context, ticker string, records []RawRecord) error
	Invalidate(ctx context.Context, tickers []string) error
	Close() error
}

// HistoryRecorder persists raw EOD records off the hot path.
type HistoryRecorder interface {
	// Run reads record batches and writes them in batched transactions.
	// Blocks until ctx is cancelled or the channel is closed.
	Run(ctx context.Context, batches <-chan []RawRecord)

	// ReadRecords reads persisted records for one ticker after a Unix
	// timestamp, in ascending order.
	ReadRecords(ticker string, afterTS int64) ([]RawRecord, error)

	// Close releases underlying resources.
	Close() error
}
