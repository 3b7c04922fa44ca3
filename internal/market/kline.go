package market

import (
	"sync"
	"time"

	"github.com/csuduan/qtrader/pkg/types"
)

// DefaultAnchor is the day anchor for minute buckets, matching the Chinese
// futures day session open.
const DefaultAnchor = 9*time.Hour + 30*time.Minute

// BarHandler consumes completed bars.
type BarHandler func(bar types.Bar)

// Aggregator resamples a tick stream into fixed-period bars per symbol with
// deterministic day-anchored bucketing. A tick exactly on a bucket boundary
// belongs to the new bucket.
type Aggregator struct {
	anchor time.Duration // offset from local midnight for minute buckets
	onBar  func(types.Bar)

	mu      sync.Mutex
	buckets map[barKey]*types.Bar
	subs    map[barKey][]BarHandler
}

type barKey struct {
	symbol   string
	interval types.Interval
}

// NewAggregator creates an aggregator. onBar, if non-nil, receives every
// completed bar (the trader wires it to the kline.update topic).
func NewAggregator(anchor time.Duration, onBar func(types.Bar)) *Aggregator {
	if anchor <= 0 {
		anchor = DefaultAnchor
	}
	return &Aggregator{
		anchor:  anchor,
		onBar:   onBar,
		buckets: make(map[barKey]*types.Bar),
		subs:    make(map[barKey][]BarHandler),
	}
}

// Track starts aggregating an interval for a symbol without attaching a
// handler; completed bars still reach onBar. Idempotent.
func (a *Aggregator) Track(symbol string, interval types.Interval) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := barKey{symbol, interval}
	if _, ok := a.subs[k]; !ok {
		a.subs[k] = nil
	}
}

// Subscribe attaches a handler for completed (symbol, interval) bars. A
// handler registered after bars exist receives only subsequent bars.
func (a *Aggregator) Subscribe(symbol string, interval types.Interval, h BarHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := barKey{symbol, interval}
	a.subs[k] = append(a.subs[k], h)
}

// OnTick folds a tick into every tracked bucket for its symbol. When the
// tick crosses into a new bucket, the stored bar is emitted as completed and
// a fresh bucket is seeded by the tick.
func (a *Aggregator) OnTick(tick types.Tick) {
	type emission struct {
		bar      types.Bar
		handlers []BarHandler
	}
	var emit []emission

	a.mu.Lock()
	for k, handlers := range a.subs {
		if k.symbol != tick.Symbol {
			continue
		}
		start := a.BucketStart(tick.Timestamp, k.interval)
		cur, ok := a.buckets[k]
		if ok && !cur.Timestamp.Equal(start) {
			hs := make([]BarHandler, len(handlers))
			copy(hs, handlers)
			emit = append(emit, emission{bar: *cur, handlers: hs})
			ok = false
		}
		if !ok {
			a.buckets[k] = &types.Bar{
				Symbol:       tick.Symbol,
				Interval:     k.interval,
				Timestamp:    start,
				Open:         tick.LastPrice,
				High:         tick.LastPrice,
				Low:          tick.LastPrice,
				Close:        tick.LastPrice,
				Volume:       tick.Volume,
				Turnover:     tick.Turnover,
				OpenInterest: tick.OpenInterest,
				UpdateTime:   tick.Timestamp,
			}
			continue
		}
		cur = a.buckets[k]
		if tick.LastPrice > cur.High {
			cur.High = tick.LastPrice
		}
		if tick.LastPrice < cur.Low {
			cur.Low = tick.LastPrice
		}
		cur.Close = tick.LastPrice
		cur.Volume += tick.Volume
		cur.Turnover += tick.Turnover
		cur.OpenInterest = tick.OpenInterest
		cur.UpdateTime = tick.Timestamp
	}
	a.mu.Unlock()

	for _, e := range emit {
		if a.onBar != nil {
			a.onBar(e.bar)
		}
		for _, h := range e.handlers {
			h(e.bar)
		}
	}
}

// BucketStart computes the day-anchored bucket start for a timestamp.
// Minute buckets are anchored at the session open; hourly buckets align on
// whole hours from midnight local; daily buckets start at midnight local.
func (a *Aggregator) BucketStart(t time.Time, interval types.Interval) time.Time {
	loc := t.Location()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	switch interval {
	case types.IntervalD1:
		return midnight
	case types.IntervalH1:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	}

	width := time.Duration(interval.Minutes()) * time.Minute
	if width <= 0 {
		return midnight
	}
	anchor := midnight.Add(a.anchor)
	delta := t.Sub(anchor)
	idx := delta / width
	if delta < 0 && delta%width != 0 {
		idx--
	}
	return anchor.Add(idx * width)
}
