package stream

import (
	"sync"
	"time"

	"tradegate/models"
)

// Each store carries its own lock. Freshness is judged at read time against
// the local receive time, never the exchange timestamp.

type tickerEntry struct {
	ticker models.Ticker
	at     time.Time
}

type tickerStore struct {
	mu sync.RWMutex
	m  map[string]tickerEntry
}

func newTickerStore() *tickerStore {
	return &tickerStore{m: make(map[string]tickerEntry)}
}

func (s *tickerStore) put(t models.Ticker, at time.Time) {
	s.mu.Lock()
	s.m[t.Symbol] = tickerEntry{ticker: t, at: at}
	s.mu.Unlock()
}

func (s *tickerStore) get(symbol string, now time.Time, maxAge time.Duration) (models.Ticker, bool) {
	s.mu.RLock()
	e, ok := s.m[symbol]
	s.mu.RUnlock()
	if !ok || now.Sub(e.at) >= maxAge {
		return models.Ticker{}, false
	}
	return e.ticker, true
}

type seriesKey struct {
	symbol    string
	timeframe string
}

type series struct {
	candles []models.Candle
	at      time.Time
}

type candleStore struct {
	mu        sync.RWMutex
	m         map[seriesKey]*series
	maxLength int
}

func newCandleStore(maxLength int) *candleStore {
	if maxLength <= 0 {
		maxLength = 500
	}
	return &candleStore{m: make(map[seriesKey]*series), maxLength: maxLength}
}

// apply appends a strictly newer candle or overwrites the forming one.
// Older rows are ignored.
func (s *candleStore) apply(symbol, timeframe string, c models.Candle, at time.Time) {
	key := seriesKey{symbol, timeframe}
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.m[key]
	if !ok {
		sr = &series{}
		s.m[key] = sr
	}
	n := len(sr.candles)
	switch {
	case n == 0 || c.Timestamp > sr.candles[n-1].Timestamp:
		sr.candles = append(sr.candles, c)
	case c.Timestamp == sr.candles[n-1].Timestamp:
		sr.candles[n-1] = c
	default:
		return
	}
	if over := len(sr.candles) - s.maxLength; over > 0 {
		sr.candles = append(sr.candles[:0:0], sr.candles[over:]...)
	}
	sr.at = at
}

// seed replaces the series with history fetched elsewhere, keeping any
// streamed candles that are newer than it. Only pushes make a series fresh,
// so a seed keeps the time of the last push.
func (s *candleStore) seed(symbol, timeframe string, history []models.Candle) {
	if len(history) == 0 {
		return
	}
	key := seriesKey{symbol, timeframe}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := append([]models.Candle(nil), history...)
	var at time.Time
	if sr, ok := s.m[key]; ok {
		at = sr.at
		last := merged[len(merged)-1].Timestamp
		for _, c := range sr.candles {
			switch {
			case c.Timestamp > last:
				merged = append(merged, c)
				last = c.Timestamp
			case c.Timestamp == last:
				merged[len(merged)-1] = c
			}
		}
	}
	if over := len(merged) - s.maxLength; over > 0 {
		merged = merged[over:]
	}
	s.m[key] = &series{candles: merged, at: at}
}

func (s *candleStore) get(symbol, timeframe string, limit int, now time.Time, maxAge time.Duration) ([]models.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.m[seriesKey{symbol, timeframe}]
	if !ok || now.Sub(sr.at) >= maxAge || len(sr.candles) == 0 {
		return nil, false
	}
	if limit <= 0 {
		limit = len(sr.candles)
	}
	if len(sr.candles) < limit {
		return nil, false
	}
	out := make([]models.Candle, limit)
	copy(out, sr.candles[len(sr.candles)-limit:])
	return out, true
}

type bookEntry struct {
	book models.OrderBook
	at   time.Time
}

type bookStore struct {
	mu sync.RWMutex
	m  map[string]bookEntry
}

func newBookStore() *bookStore {
	return &bookStore{m: make(map[string]bookEntry)}
}

func (s *bookStore) put(b models.OrderBook, at time.Time) {
	s.mu.Lock()
	s.m[b.Symbol] = bookEntry{book: b, at: at}
	s.mu.Unlock()
}

func (s *bookStore) get(symbol string, now time.Time, maxAge time.Duration) (models.OrderBook, bool) {
	s.mu.RLock()
	e, ok := s.m[symbol]
	s.mu.RUnlock()
	if !ok || now.Sub(e.at) >= maxAge {
		return models.OrderBook{}, false
	}
	return e.book, true
}
