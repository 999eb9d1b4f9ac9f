package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/calibration"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/history"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"go.uber.org/zap"
)

// ErrOutOfOrderReading marks a decoded reading whose timestamp regresses
// relative to stored history for that color. Dropped, counted, not fatal.
var ErrOutOfOrderReading = errors.New("reading timestamp regresses, dropped")

// DeviceState is the current view of one device. States are published as
// whole values, so a snapshot never exposes a half-written record.
type DeviceState struct {
	Color    tilt.Color
	Reading  tilt.CalibratedReading
	Trend    history.Trend
	Online   bool
	LastSeen time.Time
	// FirstSeen is when the color first produced a valid reading this
	// process lifetime.
	FirstSeen time.Time
}

// Counters expose drop/flag totals for the (out-of-scope) UI layer.
type Counters struct {
	OutOfOrderDropped uint64
	OutOfRangeFlagged uint64
}

// Options carries the registry tunables.
type Options struct {
	ShortRetention  time.Duration
	LongRetention   time.Duration
	TrendWindow     int
	TrendHysteresis float64
	Staleness       time.Duration
}

type deviceRecord struct {
	state DeviceState
	short *history.Buffer
	long  *history.Buffer
}

// Registry owns one state record per device color. Update is the single
// writer path per color; reads may run concurrently and always observe a
// fully-updated state.
type Registry struct {
	mu       sync.RWMutex
	cal      *calibration.Store
	opts     Options
	devices  map[tilt.Color]*deviceRecord
	counters Counters
	log      *zap.SugaredLogger
}

// New creates an empty registry.
func New(cal *calibration.Store, opts Options, log *zap.SugaredLogger) *Registry {
	return &Registry{
		cal:     cal,
		opts:    opts,
		devices: make(map[tilt.Color]*deviceRecord),
		log:     log,
	}
}

// Update drives one color's lifecycle for a decoded reading: applies
// calibration, appends to history, recomputes the trend and publishes the
// new state. Out-of-order readings are dropped and counted.
func (r *Registry) Update(d tilt.DecodedReading) (DeviceState, error) {
	cr := r.cal.Apply(d)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[d.Color]
	if !ok {
		rec = &deviceRecord{
			short: history.NewBuffer(r.opts.ShortRetention),
			long:  history.NewBuffer(r.opts.LongRetention),
		}
		rec.state.Color = d.Color
		rec.state.FirstSeen = d.CapturedAt
		r.devices[d.Color] = rec
		r.log.Infow("tilt discovered", "color", d.Color.String())
	}

	entry := history.Entry{
		Timestamp: cr.CapturedAt,
		TempF:     cr.TempF,
		Gravity:   cr.Gravity,
	}
	if !rec.short.Append(entry) {
		r.counters.OutOfOrderDropped++
		return rec.state, ErrOutOfOrderReading
	}
	rec.long.Append(entry)

	if cr.GravityOutOfRange {
		r.counters.OutOfRangeFlagged++
		r.log.Warnw("gravity outside device range",
			"color", d.Color.String(), "gravity", cr.Gravity)
	}

	// Build the replacement state, then publish it in one assignment.
	next := DeviceState{
		Color:     d.Color,
		Reading:   cr,
		Trend:     history.Classify(rec.short.Entries(), r.opts.TrendWindow, r.opts.TrendHysteresis),
		Online:    true,
		LastSeen:  cr.CapturedAt,
		FirstSeen: rec.state.FirstSeen,
	}
	rec.state = next
	return next, nil
}

// Snapshot returns the current state for a color. The second return is
// false when the color has never been seen this process lifetime.
func (r *Registry) Snapshot(c tilt.Color) (DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[c]
	if !ok {
		return DeviceState{}, false
	}
	return rec.state, true
}

// States returns the current state of every seen device.
func (r *Registry) States() []DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceState, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec.state)
	}
	return out
}

// HistorySlice returns the ordered entries for a color within the window,
// served from the long-term buffer.
func (r *Registry) HistorySlice(c tilt.Color, window time.Duration) []history.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[c]
	if !ok {
		return nil
	}
	return rec.long.Slice(window, time.Now())
}

// Counters returns the drop/flag totals.
func (r *Registry) Counters() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters
}

// MarkStale flips devices offline when no update has landed within the
// staleness window. Returns how many devices were flipped.
func (r *Registry) MarkStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	flipped := 0
	cutoff := now.Add(-r.opts.Staleness)
	for _, rec := range r.devices {
		if rec.state.Online && rec.state.LastSeen.Before(cutoff) {
			next := rec.state
			next.Online = false
			rec.state = next
			flipped++
			r.log.Infow("tilt offline", "color", rec.state.Color.String(),
				"last_seen", rec.state.LastSeen)
		}
	}
	return flipped
}

// RunSweeper periodically marks stale devices offline until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			r.MarkStale(t)
		}
	}
}
