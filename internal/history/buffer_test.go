package history

import (
	"testing"
	"time"
)

func entryAt(t time.Time, gravity float64) Entry {
	return Entry{Timestamp: t, TempF: 68, Gravity: gravity}
}

func TestAppendKeepsOrder(t *testing.T) {
	b := NewBuffer(time.Hour)
	base := time.Unix(10000, 0).UTC()

	if !b.Append(entryAt(base, 1.050)) {
		t.Fatal("first append rejected")
	}
	if !b.Append(entryAt(base.Add(time.Minute), 1.049)) {
		t.Fatal("in-order append rejected")
	}
	// Equal timestamps are accepted; only regressions are dropped.
	if !b.Append(entryAt(base.Add(time.Minute), 1.049)) {
		t.Fatal("equal-timestamp append rejected")
	}
	if b.Append(entryAt(base.Add(-time.Minute), 1.048)) {
		t.Fatal("out-of-order append accepted")
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}

	// The dropped entry must not have mutated anything.
	entries := b.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatalf("entries out of order at %d", i)
		}
	}
}

func TestRetentionEvictionOnAppend(t *testing.T) {
	b := NewBuffer(time.Hour)
	base := time.Unix(20000, 0).UTC()

	for i := 0; i < 10; i++ {
		b.Append(entryAt(base.Add(time.Duration(i)*10*time.Minute), 1.050))
	}

	// Last entry at base+90m; window is 1h, so anything before base+30m
	// is gone.
	cutoff := base.Add(30 * time.Minute)
	for _, e := range b.Entries() {
		if e.Timestamp.Before(cutoff) {
			t.Errorf("entry at %v survived past retention", e.Timestamp)
		}
	}
	if b.Len() != 7 {
		t.Errorf("Len = %d, want 7", b.Len())
	}
}

func TestSlice(t *testing.T) {
	b := NewBuffer(24 * time.Hour)
	base := time.Unix(30000, 0).UTC()
	for i := 0; i < 6; i++ {
		b.Append(entryAt(base.Add(time.Duration(i)*time.Hour), 1.040))
	}

	got := b.Slice(2*time.Hour+time.Minute, base.Add(5*time.Hour))
	if len(got) != 3 {
		t.Fatalf("Slice returned %d entries, want 3", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("slice starts at %v", got[0].Timestamp)
	}
}

func TestLast(t *testing.T) {
	b := NewBuffer(time.Hour)
	if _, ok := b.Last(); ok {
		t.Fatal("Last on empty buffer reported an entry")
	}
	base := time.Unix(40000, 0).UTC()
	b.Append(entryAt(base, 1.050))
	b.Append(entryAt(base.Add(time.Minute), 1.049))
	last, ok := b.Last()
	if !ok || last.Gravity != 1.049 {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}
