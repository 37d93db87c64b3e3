// Package sqlite persists raw EOD records off the hot path with batched
// transactions. It keeps upstream records only — computed series are never
// written.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketboard/internal/model"
)

const (
	defaultBatchSize  = 200
	defaultFlushDelay = 500 * time.Millisecond
)

// Config configures the recorder.
type Config struct {
	DBPath string // e.g. "data/marketboard.db"
}

// Recorder implements model.HistoryRecorder with a single-writer SQLite
// database in WAL mode.
type Recorder struct {
	db *sql.DB
}

// DB returns the underlying handle for health checks.
func (r *Recorder) DB() *sql.DB { return r.db }

// New opens (or creates) the database and applies the schema.
func New(cfg Config) (*Recorder, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Recorder{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS eod_records (
			ticker      TEXT    NOT NULL,
			ticker_name TEXT,
			ts          INTEGER NOT NULL,
			open        REAL,
			high        REAL,
			low         REAL,
			close       REAL,
			volume      REAL,
			diff        REAL,
			pct_change  REAL,
			kind        TEXT,
			PRIMARY KEY (ticker, ts)
		);
	`)
	return err
}

// Run reads record batches and inserts them in batched transactions.
// Flushes every defaultBatchSize records or every defaultFlushDelay,
// whichever comes first. Blocks until ctx is cancelled or the channel
// closes.
func (r *Recorder) Run(ctx context.Context, batches <-chan []model.RawRecord) {
	pending := make([]model.RawRecord, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		start := time.Now()
		if err := r.insertBatch(pending); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d records in %v", len(pending), time.Since(start))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case batch, ok := <-batches:
			if !ok {
				flush()
				return
			}
			pending = append(pending, batch...)
			if len(pending) >= defaultBatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (r *Recorder) insertBatch(records []model.RawRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO eod_records
		(ticker, ticker_name, ts, open, high, low, close, volume, diff, pct_change, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		ts, ok := rec.ParseTime()
		if !ok || rec.Ticker == "" {
			continue
		}
		if _, err := stmt.Exec(
			rec.Ticker, rec.TickerName, ts.Unix(),
			rec.Open, rec.High, rec.Low, rec.Close,
			rec.Volume, rec.Diff, rec.PctChange, rec.Kind,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec: %w", err)
		}
	}
	return tx.Commit()
}

// ReadRecords reads persisted records for one ticker after a Unix
// timestamp, ascending.
func (r *Recorder) ReadRecords(ticker string, afterTS int64) ([]model.RawRecord, error) {
	rows, err := r.db.Query(`
		SELECT ticker, ticker_name, ts, open, high, low, close, volume, diff, pct_change, kind
		FROM eod_records
		WHERE ticker = ? AND ts > ?
		ORDER BY ts ASC
	`, ticker, afterTS)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var rec model.RawRecord
		var name, kind sql.NullString
		var ts int64
		if err := rows.Scan(
			&rec.Ticker, &name, &ts,
			&rec.Open, &rec.High, &rec.Low, &rec.Close,
			&rec.Volume, &rec.Diff, &rec.PctChange, &kind,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.TickerName = name.String
		rec.Kind = kind.String
		rec.Timestamp = time.Unix(ts, 0).UTC().Format(time.RFC3339)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases underlying resources.
func (r *Recorder) Close() error { return r.db.Close() }
