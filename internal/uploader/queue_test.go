package uploader

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/config"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"go.uber.org/zap"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func record(c tilt.Color, gravity float64, at time.Time) Record {
	return Record{Color: c, TempF: 68.0, Gravity: gravity, Timestamp: at}
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	log := zap.NewNop().Sugar()

	first, err := Open(path, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Unix(110000, 0).UTC()
	if err := first.Enqueue(record(tilt.Red, 1.045, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	entries, err := second.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pending = %d entries after reopen, want 1", len(entries))
	}
	e := entries[0]
	if e.Color != tilt.Red || e.Gravity != 1.045 || !e.Timestamp.Equal(now) {
		t.Errorf("reloaded entry = %+v", e)
	}
}

func TestBackoffDelayMonotoneCapped(t *testing.T) {
	base := 15 * time.Second
	cap := 15 * time.Minute

	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := BackoffDelay(attempts, base, cap)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempts, d, prev)
		}
		if d > cap {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempts, d)
		}
		prev = d
	}
	if BackoffDelay(1, base, cap) != base {
		t.Errorf("first delay = %v, want %v", BackoffDelay(1, base, cap), base)
	}
	if BackoffDelay(2, base, cap) != 2*base {
		t.Errorf("second delay = %v, want %v", BackoffDelay(2, base, cap), 2*base)
	}
	if BackoffDelay(20, base, cap) != cap {
		t.Errorf("late delay = %v, want cap %v", BackoffDelay(20, base, cap), cap)
	}
}

func TestMarkFailedPushesNextAttemptOut(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	now := time.Unix(120000, 0).UTC()

	if err := q.Enqueue(record(tilt.Red, 1.045, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e, err := q.NextReady(ctx, time.Now())
	if err != nil || e == nil {
		t.Fatalf("NextReady = %v, %v", e, err)
	}

	prevNext := e.NextAttemptAt
	for i := 0; i < 8; i++ {
		at := time.Now()
		if err := q.MarkFailed(ctx, e, at); err != nil {
			t.Fatalf("MarkFailed %d: %v", i, err)
		}
		if !e.NextAttemptAt.After(prevNext) {
			t.Fatalf("next_attempt_at did not advance on failure %d", i)
		}
		if gap := e.NextAttemptAt.Sub(at); gap > config.BackoffCap {
			t.Fatalf("backoff %v exceeded cap on failure %d", gap, i)
		}
		prevNext = e.NextAttemptAt
	}
	if e.AttemptCount != 8 {
		t.Errorf("AttemptCount = %d, want 8", e.AttemptCount)
	}

	// Not ready until the backoff elapses.
	if got, _ := q.NextReady(ctx, time.Now()); got != nil {
		t.Error("entry ready before its backoff elapsed")
	}
	if got, _ := q.NextReady(ctx, e.NextAttemptAt.Add(time.Second)); got == nil {
		t.Error("entry not ready after its backoff elapsed")
	}
}

func TestFIFOPerColorWithInterleave(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	base := time.Unix(130000, 0).UTC()

	q.Enqueue(record(tilt.Red, 1.050, base))
	q.Enqueue(record(tilt.Green, 1.020, base.Add(time.Second)))
	q.Enqueue(record(tilt.Red, 1.049, base.Add(2*time.Second)))

	// Head of line is the oldest RED.
	e, err := q.NextReady(ctx, time.Now())
	if err != nil || e == nil {
		t.Fatalf("NextReady: %v, %v", e, err)
	}
	if e.Color != tilt.Red || e.Gravity != 1.050 {
		t.Fatalf("head = %+v, want first RED", e)
	}

	// While RED's head is backed off, GREEN still delivers; RED's second
	// entry must not jump its own queue.
	if err := q.MarkFailed(ctx, e, time.Now()); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	e2, _ := q.NextReady(ctx, time.Now())
	if e2 == nil || e2.Color != tilt.Green {
		t.Fatalf("next ready = %+v, want GREEN", e2)
	}

	// Deliver GREEN and the backed-off RED head; only then the second RED.
	q.MarkDelivered(ctx, e2.ID)
	later := time.Now().Add(config.BackoffCap)
	e3, _ := q.NextReady(ctx, later)
	if e3 == nil || e3.Color != tilt.Red || e3.Gravity != 1.050 {
		t.Fatalf("ready after backoff = %+v, want first RED", e3)
	}
	q.MarkDelivered(ctx, e3.ID)
	e4, _ := q.NextReady(ctx, later)
	if e4 == nil || e4.Color != tilt.Red || e4.Gravity != 1.049 {
		t.Fatalf("final entry = %+v, want second RED", e4)
	}
}

func TestPausedColorHeldOthersUnaffected(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	base := time.Unix(140000, 0).UTC()

	q.Enqueue(record(tilt.Red, 1.050, base))
	q.Enqueue(record(tilt.Green, 1.020, base))

	q.PauseColor(tilt.Red)

	e, err := q.NextReady(ctx, time.Now())
	if err != nil {
		t.Fatalf("NextReady: %v", err)
	}
	if e == nil || e.Color != tilt.Green {
		t.Fatalf("ready = %+v, want GREEN while RED paused", e)
	}
	q.MarkDelivered(ctx, e.ID)

	if got, _ := q.NextReady(ctx, time.Now()); got != nil {
		t.Fatalf("paused color became ready: %+v", got)
	}

	// The held entry is still queued, not dropped.
	entries, _ := q.Pending(ctx)
	if len(entries) != 1 || entries[0].Color != tilt.Red {
		t.Fatalf("pending = %+v, want the held RED entry", entries)
	}

	q.ResumeAll()
	if got, _ := q.NextReady(ctx, time.Now()); got == nil || got.Color != tilt.Red {
		t.Fatalf("RED not ready after resume: %+v", got)
	}
}

func TestPurge(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	base := time.Unix(150000, 0).UTC()

	q.Enqueue(record(tilt.Red, 1.050, base))
	q.Enqueue(record(tilt.Green, 1.020, base))

	n, err := q.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("Purge removed %d, want 2", n)
	}
	entries, _ := q.Pending(ctx)
	if len(entries) != 0 {
		t.Errorf("pending after purge = %d", len(entries))
	}
}

func TestEnqueueWakesDeliveryLoop(t *testing.T) {
	q := testQueue(t)
	if err := q.Enqueue(record(tilt.Red, 1.050, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-q.Wake():
	default:
		t.Fatal("enqueue did not signal the wake channel")
	}
}
