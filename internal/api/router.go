// Package api provides the pull-style HTTP surface of the fusion service:
// one-shot chart and leaderboard snapshots for clients that do not hold a
// websocket open, plus the websocket upgrade endpoint itself.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"marketboard/internal/board"
	"marketboard/internal/gateway"
	"marketboard/internal/model"
)

// Board is the engine surface the REST handlers read from.
type Board interface {
	Snapshot(tickers []string, rng model.ViewRange) board.ChartPayload
	Leaderboard(rng model.ViewRange) (board.LeaderboardPayload, error)
}

// RecordReader reads back persisted raw records for inspection. Satisfied
// by the sqlite recorder; nil when recording is disabled.
type RecordReader interface {
	ReadRecords(ticker string, afterTS int64) ([]model.RawRecord, error)
}

// NewRouter sets up the HTTP routes.
func NewRouter(b Board, hub *gateway.Hub, records RecordReader) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// GET /api/v1/series?tickers=AAA,BBB&range=1M
	mux.HandleFunc("/api/v1/series", func(w http.ResponseWriter, r *http.Request) {
		tickers := splitTickers(r.URL.Query().Get("tickers"))
		if len(tickers) == 0 {
			writeError(w, http.StatusBadRequest, "tickers query parameter is required")
			return
		}
		rng, err := model.ParseViewRange(rangeParam(r))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, b.Snapshot(tickers, rng))
	})

	// GET /api/v1/leaderboard?range=1W
	mux.HandleFunc("/api/v1/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		rng, err := model.ParseViewRange(rangeParam(r))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload, err := b.Leaderboard(rng)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, payload)
	})

	// GET /api/v1/records?ticker=VNM&after=1767312000 — raw persisted
	// records, for inspecting what the feed actually delivered.
	mux.HandleFunc("/api/v1/records", func(w http.ResponseWriter, r *http.Request) {
		if records == nil {
			writeError(w, http.StatusNotFound, "recording is disabled")
			return
		}
		ticker := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("ticker")))
		if ticker == "" {
			writeError(w, http.StatusBadRequest, "ticker query parameter is required")
			return
		}
		var after int64
		if raw := r.URL.Query().Get("after"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "after must be a unix timestamp")
				return
			}
			after = v
		}
		recs, err := records.ReadRecords(ticker, after)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if recs == nil {
			recs = []model.RawRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	})

	if hub != nil {
		mux.HandleFunc("/ws", hub.ServeWS)
	}

	return mux
}

func rangeParam(r *http.Request) string {
	if v := r.URL.Query().Get("range"); v != "" {
		return v
	}
	return string(model.Range1M)
}

func splitTickers(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}
