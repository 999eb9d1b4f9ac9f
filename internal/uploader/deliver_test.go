package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"go.uber.org/zap"
)

type endpointStub struct {
	mu       sync.Mutex
	statuses []int
	bodies   []payload
}

// next pops the scripted status for this request, defaulting to 200.
func (s *endpointStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		s.bodies = append(s.bodies, p)

		status := http.StatusOK
		if len(s.statuses) > 0 {
			status = s.statuses[0]
			s.statuses = s.statuses[1:]
		}
		w.WriteHeader(status)
	}
}

func (s *endpointStub) requests() []payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]payload(nil), s.bodies...)
}

func testDeliverer(t *testing.T, stub *endpointStub) (*Deliverer, *Queue) {
	t.Helper()
	q := testQueue(t)
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	d := NewDeliverer(q, srv.URL+"/tilt/%s/log", "test-key", zap.NewNop().Sugar())
	return d, q
}

func TestDeliverySucceedsAfterTransientFailures(t *testing.T) {
	// Two transient failures, then success: the entry is removed only
	// after the successful attempt, and each failure pushed the next
	// attempt further out.
	stub := &endpointStub{statuses: []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}}
	d, q := testDeliverer(t, stub)
	ctx := context.Background()

	now := time.Unix(160000, 0).UTC()
	if err := q.Enqueue(record(tilt.Red, 1.045, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var gaps []time.Duration
	for attempt := 0; attempt < 3; attempt++ {
		e, err := q.NextReady(ctx, time.Now().Add(365*24*time.Hour))
		if err != nil || e == nil {
			t.Fatalf("NextReady before attempt %d: %v, %v", attempt, e, err)
		}
		if !d.drainEntry(ctx, e) && attempt == 2 {
			t.Fatal("third attempt did not succeed")
		}
		if attempt < 2 {
			gaps = append(gaps, time.Until(e.NextAttemptAt))
		}
	}

	if len(gaps) == 2 && gaps[1] <= gaps[0] {
		t.Errorf("backoff did not grow between failures: %v then %v", gaps[0], gaps[1])
	}

	entries, _ := q.Pending(ctx)
	if len(entries) != 0 {
		t.Fatalf("entry still queued after successful delivery: %+v", entries)
	}
	if got := len(stub.requests()); got != 3 {
		t.Errorf("endpoint saw %d requests, want 3", got)
	}
}

func TestDeliveryPayloadShape(t *testing.T) {
	stub := &endpointStub{}
	d, q := testDeliverer(t, stub)
	ctx := context.Background()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	q.Enqueue(Record{Color: tilt.Purple, TempF: 68.0, Gravity: 1.047, Timestamp: at})

	e, _ := q.NextReady(ctx, time.Now())
	if err := d.deliver(ctx, e); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	reqs := stub.requests()
	if len(reqs) != 1 {
		t.Fatalf("endpoint saw %d requests", len(reqs))
	}
	p := reqs[0]
	if p.Color != "PURPLE" || p.Temperature != 68.0 || p.Gravity != 1.047 {
		t.Errorf("payload = %+v", p)
	}
	if p.Timestamp != "2026-03-14T09:26:53Z" {
		t.Errorf("timestamp = %q, not ISO-8601", p.Timestamp)
	}
}

func TestCredentialInvalidPausesColor(t *testing.T) {
	stub := &endpointStub{statuses: []int{http.StatusUnauthorized}}
	d, q := testDeliverer(t, stub)
	ctx := context.Background()

	base := time.Unix(170000, 0).UTC()
	q.Enqueue(record(tilt.Red, 1.050, base))
	q.Enqueue(record(tilt.Green, 1.020, base))

	e, _ := q.NextReady(ctx, time.Now())
	if e == nil || e.Color != tilt.Red {
		t.Fatalf("head = %+v", e)
	}
	d.drainEntry(ctx, e)

	if !q.DeliveryPaused(tilt.Red) {
		t.Fatal("RED not paused after 401")
	}
	if q.DeliveryPaused(tilt.Green) {
		t.Fatal("GREEN paused by RED's credential failure")
	}

	// GREEN still delivers (stub returns 200 now).
	e2, _ := q.NextReady(ctx, time.Now())
	if e2 == nil || e2.Color != tilt.Green {
		t.Fatalf("ready while RED paused = %+v", e2)
	}
	if !d.drainEntry(ctx, e2) {
		t.Fatal("GREEN delivery failed")
	}

	// RED's entry is held with no further attempts.
	if got, _ := q.NextReady(ctx, time.Now().Add(time.Hour)); got != nil {
		t.Fatalf("paused RED offered for delivery: %+v", got)
	}
	entries, _ := q.Pending(ctx)
	if len(entries) != 1 || entries[0].Color != tilt.Red {
		t.Fatalf("pending = %+v", entries)
	}

	// Replacing the credential resumes delivery.
	d.UpdateCredential("fresh-key")
	if got, _ := q.NextReady(ctx, time.Now()); got == nil || got.Color != tilt.Red {
		t.Fatalf("RED not ready after credential update: %+v", got)
	}
}

func TestRunDeliversAndStops(t *testing.T) {
	stub := &endpointStub{}
	d, q := testDeliverer(t, stub)

	q.Enqueue(record(tilt.Black, 1.033, time.Unix(180000, 0).UTC()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		entries, err := q.Pending(context.Background())
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("delivery loop did not drain the queue")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("delivery loop did not stop on cancellation")
	}
}
