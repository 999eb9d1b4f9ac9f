package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/config"
	"go.uber.org/zap"
)

// ErrCredentialInvalid is the terminal-until-corrected delivery condition:
// the remote endpoint rejected the credential, so retrying is pointless
// until an operator replaces it.
var ErrCredentialInvalid = errors.New("upload credential rejected by endpoint")

// payload is the JSON body posted to the logging endpoint, matching the
// brewstat.us tilt log format.
type payload struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Gravity     float64 `json:"gravity"`
	Color       string  `json:"color"`
}

// Deliverer runs the background delivery loop: it dequeues the oldest ready
// entry, posts it, and removes it on success or reschedules it with backoff
// on transient failure.
type Deliverer struct {
	queue    *Queue
	client   *http.Client
	interval time.Duration
	log      *zap.SugaredLogger

	mu         sync.Mutex
	urlPattern string
	credential string
}

// NewDeliverer creates a delivery loop for the queue. urlPattern may
// contain a single %s that is replaced with the credential; otherwise the
// credential is appended as a path segment.
func NewDeliverer(q *Queue, urlPattern, credential string, log *zap.SugaredLogger) *Deliverer {
	return &Deliverer{
		queue:      q,
		client:     &http.Client{Timeout: config.DeliveryTimeout},
		interval:   config.DeliveryInterval,
		urlPattern: urlPattern,
		credential: credential,
		log:        log,
	}
}

// UpdateCredential replaces the endpoint credential and resumes delivery
// for every color paused on a credential failure.
func (d *Deliverer) UpdateCredential(credential string) {
	d.mu.Lock()
	d.credential = credential
	d.mu.Unlock()
	d.queue.ResumeAll()
	d.log.Infow("upload credential replaced, delivery resumed")
}

func (d *Deliverer) endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.Contains(d.urlPattern, "%s") {
		return fmt.Sprintf(d.urlPattern, d.credential)
	}
	return strings.TrimRight(d.urlPattern, "/") + "/" + d.credential
}

// Run processes the queue until ctx is done: periodic wake plus
// wake-on-enqueue. On cancellation the in-flight attempt is given a bounded
// grace period to finish; queue state is already durable, so nothing else
// needs flushing.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			grace, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
			d.drainOnce(grace)
			cancel()
			return
		case <-d.queue.Wake():
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

// drain delivers ready entries until none remain or ctx is cancelled.
func (d *Deliverer) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !d.drainOnce(ctx) {
			return
		}
	}
}

// drainOnce attempts one delivery. Returns true when an entry was
// delivered, false when nothing was ready or the attempt failed.
func (d *Deliverer) drainOnce(ctx context.Context) bool {
	entry, err := d.queue.NextReady(ctx, time.Now())
	if err != nil {
		d.log.Errorw("queue read failed", "error", err)
		return false
	}
	if entry == nil {
		return false
	}
	return d.drainEntry(ctx, entry)
}

// drainEntry attempts delivery of one entry and settles its queue state:
// removed on success, paused on credential rejection, rescheduled with
// backoff otherwise.
func (d *Deliverer) drainEntry(ctx context.Context, entry *Entry) bool {
	err := d.deliver(ctx, entry)
	switch {
	case err == nil:
		if err := d.queue.MarkDelivered(ctx, entry.ID); err != nil {
			d.log.Errorw("failed to remove delivered entry", "error", err)
			return false
		}
		d.log.Debugw("reading uploaded",
			"color", entry.Color.String(), "gravity", entry.Gravity)
		return true

	case errors.Is(err, ErrCredentialInvalid):
		d.queue.PauseColor(entry.Color)
		return false

	default:
		now := time.Now()
		if err := d.queue.MarkFailed(ctx, entry, now); err != nil {
			d.log.Errorw("failed to reschedule entry", "error", err)
			return false
		}
		d.log.Warnw("delivery failed, will retry",
			"color", entry.Color.String(),
			"attempts", entry.AttemptCount,
			"next_attempt", entry.NextAttemptAt,
			"error", err)
		return false
	}
}

// deliver posts one entry. Timeouts and connection errors are transient;
// 401-class responses are the terminal credential condition; any other
// non-2xx status is transient.
func (d *Deliverer) deliver(ctx context.Context, e *Entry) error {
	body, err := json.Marshal(payload{
		Timestamp:   e.Timestamp.Format(time.RFC3339),
		Temperature: e.TempF,
		Gravity:     e.Gravity,
		Color:       e.Color.String(),
	})
	if err != nil {
		return fmt.Errorf("encode upload payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post reading: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrCredentialInvalid
	default:
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}
