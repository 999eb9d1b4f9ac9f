package history

import "time"

// Entry is one calibrated sample retained for trend and chart computation.
type Entry struct {
	Timestamp time.Time
	TempF     float64
	Gravity   float64
}

// Buffer is a time-ordered retention window of entries for one device.
// The source is a live stream, so entries whose timestamp regresses are
// dropped rather than reordered. Not safe for concurrent use; the registry
// is the single writer.
type Buffer struct {
	retention time.Duration
	entries   []Entry
}

// NewBuffer creates a buffer that retains entries for the given window.
func NewBuffer(retention time.Duration) *Buffer {
	return &Buffer{retention: retention}
}

// Append adds an entry if its timestamp does not regress relative to the
// last stored entry, then evicts anything older than the retention window.
// Returns false when the entry was dropped as out of order.
func (b *Buffer) Append(e Entry) bool {
	if n := len(b.entries); n > 0 && e.Timestamp.Before(b.entries[n-1].Timestamp) {
		return false
	}
	b.entries = append(b.entries, e)
	b.evict(e.Timestamp)
	return true
}

// evict drops entries older than the retention window. Entries are stored
// in timestamp order, so this only trims from the front.
func (b *Buffer) evict(now time.Time) {
	cutoff := now.Add(-b.retention)
	i := 0
	for i < len(b.entries) && b.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}

// Entries returns a copy of all retained entries in timestamp order.
func (b *Buffer) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Slice returns a copy of the entries newer than now minus window.
func (b *Buffer) Slice(window time.Duration, now time.Time) []Entry {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.entries) && b.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	out := make([]Entry, len(b.entries)-i)
	copy(out, b.entries[i:])
	return out
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Last returns the most recent entry, if any.
func (b *Buffer) Last() (Entry, bool) {
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[len(b.entries)-1], true
}
