package stream

import (
	"sync"
	"time"
)

// errorDeduper collapses identical error payloads seen within window.
type errorDeduper struct {
	mu         sync.Mutex
	window     time.Duration
	lastLogged map[string]time.Time
	suppressed map[string]int
	total      int64
}

func newErrorDeduper(window time.Duration) *errorDeduper {
	return &errorDeduper{
		window:     window,
		lastLogged: make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// observe reports whether key should be logged now. When it should, the
// number of repeats suppressed since the previous log line is returned.
func (d *errorDeduper) observe(key string, now time.Time) (log bool, suppressed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastLogged[key]; ok && now.Sub(last) < d.window {
		d.suppressed[key]++
		d.total++
		return false, 0
	}
	suppressed = d.suppressed[key]
	delete(d.suppressed, key)
	d.lastLogged[key] = now
	for k, t := range d.lastLogged {
		if now.Sub(t) >= d.window && d.suppressed[k] == 0 {
			delete(d.lastLogged, k)
		}
	}
	return true, suppressed
}

func (d *errorDeduper) totalSuppressed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
