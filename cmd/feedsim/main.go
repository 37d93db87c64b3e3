// cmd/feedsim — Demo upstream for the fusion service.
// Serves synthetic ticker history over REST and pushes simulated snapshot
// and intraday batches over websocket, so fusiond runs without a real
// market-data vendor.
//
// Record JSON shape is identical to model.RawRecord; pctChange is a
// fraction (0.0123 = 1.23%), same as the live vendor feed.
//
// Config (env vars):
//
//	FEED_ADDR         — listen address (default ":8600")
//	FEED_TICKERS      — comma-separated symbols (default board set)
//	FEED_INTERVAL_MS  — push interval milliseconds (default "1000")
//	FEED_ALWAYS_OPEN  — "true" ignores market hours (default "false")
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketboard/internal/markethours"
	"marketboard/internal/model"
)

const historyDays = 400

// instrument holds per-symbol simulation state.
type instrument struct {
	Ticker    string
	Name      string
	PrevClose float64
	Price     float64
	DayOpen   float64
	DayHigh   float64
	DayLow    float64
	Volume    float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

// hub fans one topic's frames out to its websocket clients.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// Slow client, drop the frame.
		}
	}
}

// ─── Simulation ───────────────────────────────────────────────────────────────

type simulator struct {
	mu          sync.Mutex
	instruments []*instrument
	rng         *rand.Rand
}

func newSimulator(tickers []string) *simulator {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &simulator{rng: rng}
	for _, t := range tickers {
		base := 20 + rng.Float64()*80
		s.instruments = append(s.instruments, &instrument{
			Ticker:    t,
			Name:      t + " JSC",
			PrevClose: base,
			Price:     base,
			DayOpen:   base,
			DayHigh:   base,
			DayLow:    base,
		})
	}
	return s
}

// step advances every instrument one tick.
func (s *simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ins := range s.instruments {
		// ±0.3% random walk per tick.
		ins.Price *= 1 + (s.rng.Float64()-0.5)*0.006
		if ins.Price > ins.DayHigh {
			ins.DayHigh = ins.Price
		}
		if ins.Price < ins.DayLow {
			ins.DayLow = ins.Price
		}
		ins.Volume += float64(s.rng.Intn(5000))
	}
}

// snapshotBatch produces one EOD-style record per instrument reflecting
// the running day.
func (s *simulator) snapshotBatch(now time.Time) []model.RawRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RawRecord, 0, len(s.instruments))
	for _, ins := range s.instruments {
		diff := ins.Price - ins.PrevClose
		pct := diff / ins.PrevClose // fraction
		out = append(out, model.RawRecord{
			Ticker:     ins.Ticker,
			TickerName: ins.Name,
			Timestamp:  now.UTC().Format(time.RFC3339),
			Open:       f(ins.DayOpen),
			High:       f(ins.DayHigh),
			Low:        f(ins.DayLow),
			Close:      f(ins.Price),
			Volume:     f(ins.Volume),
			Diff:       f(diff),
			PctChange:  f(pct),
			Kind:       "index",
		})
	}
	return out
}

// intradayBatch produces one close-only point per instrument.
func (s *simulator) intradayBatch(now time.Time) []model.RawRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RawRecord, 0, len(s.instruments))
	for _, ins := range s.instruments {
		out = append(out, model.RawRecord{
			Ticker:    ins.Ticker,
			Timestamp: now.UTC().Format("2006-01-02 15:04:05"),
			Close:     f(ins.Price),
			Volume:    f(ins.Volume),
			Kind:      "index",
		})
	}
	return out
}

// history generates a deterministic EOD walk ending at the previous
// trading day. Seeded per ticker so repeated fetches agree.
func (s *simulator) history(ticker string) []model.RawRecord {
	var ins *instrument
	s.mu.Lock()
	for _, candidate := range s.instruments {
		if candidate.Ticker == ticker {
			ins = candidate
			break
		}
	}
	s.mu.Unlock()
	if ins == nil {
		return nil
	}

	rng := rand.New(rand.NewSource(int64(seed(ticker))))
	price := ins.PrevClose * 0.8

	var days []time.Time
	for d := time.Now().UTC().AddDate(0, 0, -1); len(days) < historyDays; d = d.AddDate(0, 0, -1) {
		if markethours.IsTradingDay(d.In(markethours.ICT)) {
			days = append(days, d)
		}
	}
	// Oldest first.
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}

	out := make([]model.RawRecord, 0, len(days))
	for _, day := range days {
		open := price
		move := 1 + (rng.Float64()-0.5)*0.04
		price = open * move
		high := open * (1 + rng.Float64()*0.02)
		low := open * (1 - rng.Float64()*0.02)
		if price > high {
			high = price
		}
		if price < low {
			low = price
		}
		diff := price - open
		out = append(out, model.RawRecord{
			Ticker:     ticker,
			TickerName: ins.Name,
			Timestamp:  day.Format("2006-01-02"),
			Open:       f(open),
			High:       f(high),
			Low:        f(low),
			Close:      f(price),
			Volume:     f(float64(rng.Intn(2_000_000))),
			Diff:       f(diff),
			PctChange:  f(diff / open), // fraction
			Kind:       "index",
		})
	}
	return out
}

func f(v float64) *float64 { return &v }

func seed(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// ─── Server ───────────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWS(h *hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feedsim] upgrade failed: %v", err)
		return
	}
	ch := h.register(conn)
	log.Printf("[feedsim] client subscribed to %s", r.URL.Query().Get("topic"))

	// Writer.
	go func() {
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(conn)
				conn.Close()
				return
			}
		}
	}()

	// Reader: responds to pings, detects disconnect.
	go func() {
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(conn)
				conn.Close()
				return
			}
		}
	}()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := getEnv("FEED_ADDR", ":8600")
	tickers := splitList(getEnv("FEED_TICKERS", "VNM,FPT,HPG,VIC,VCB,MSN,SSI,MWG,GAS,VHM"))
	intervalMS, _ := strconv.Atoi(getEnv("FEED_INTERVAL_MS", "1000"))
	if intervalMS <= 0 {
		intervalMS = 1000
	}
	alwaysOpen := strings.EqualFold(getEnv("FEED_ALWAYS_OPEN", "false"), "true")

	sim := newSimulator(tickers)
	snapshotHub := newHub()
	intradayHub := newHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		ticker := r.URL.Query().Get("ticker")
		records := sim.history(ticker)
		if records == nil {
			http.Error(w, `{"error":"unknown ticker"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("topic") {
		case "intraday":
			serveWS(intradayHub, w, r)
		default:
			serveWS(snapshotHub, w, r)
		}
	})

	// Push loop.
	go func() {
		ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			if !alwaysOpen && !markethours.IsMarketOpen(now) {
				continue
			}
			sim.step()
			if msg, err := json.Marshal(sim.snapshotBatch(now)); err == nil {
				snapshotHub.broadcast(msg)
			}
			if msg, err := json.Marshal(sim.intradayBatch(now)); err == nil {
				intradayHub.broadcast(msg)
			}
		}
	}()

	log.Printf("[feedsim] %d tickers on %s (interval %dms, alwaysOpen=%v)", len(tickers), addr, intervalMS, alwaysOpen)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
