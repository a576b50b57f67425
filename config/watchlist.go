package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WatchItem is a symbol the scanner polls and, optionally, streams candles for.
type WatchItem struct {
	Symbol     string   `yaml:"symbol"`
	Timeframes []string `yaml:"timeframes"`
	Stream     bool     `yaml:"stream"`
}

type Watchlist struct {
	Items []WatchItem `yaml:"watchlist"`
}

// Symbols returns the de-duplicated symbol list in file order.
func (w *Watchlist) Symbols() []string {
	seen := make(map[string]struct{}, len(w.Items))
	out := make([]string, 0, len(w.Items))
	for _, item := range w.Items {
		if _, ok := seen[item.Symbol]; ok {
			continue
		}
		seen[item.Symbol] = struct{}{}
		out = append(out, item.Symbol)
	}
	return out
}

// LoadWatchlist loads the scanner watchlist from the given path.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	for i := range wl.Items {
		wl.Items[i].Symbol = strings.ToUpper(strings.TrimSpace(wl.Items[i].Symbol))
		if wl.Items[i].Symbol == "" {
			return nil, fmt.Errorf("watchlist entry %d has no symbol", i)
		}
		if len(wl.Items[i].Timeframes) == 0 {
			wl.Items[i].Timeframes = []string{"1h"}
		}
	}
	return &wl, nil
}
