package uploader

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/config"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Record is the payload unit queued for remote delivery. It holds copies of
// the reading values, never references into registry state.
type Record struct {
	Color     tilt.Color
	TempF     float64
	Gravity   float64
	Timestamp time.Time
}

// Entry wraps a Record with its queue bookkeeping.
type Entry struct {
	ID int64
	Record
	AttemptCount  int
	NextAttemptAt time.Time
	EnqueuedAt    time.Time
}

// colorDeliveryState is the per-color delivery state machine. A color moves
// to paused only on a credential-invalid response and back to active only
// when the credential is replaced.
type colorDeliveryState int

const (
	colorActive colorDeliveryState = iota
	colorPausedInvalidCredential
)

// Queue is a durable FIFO-per-color upload queue backed by SQLite. Entries
// survive process restart; they are removed only on confirmed delivery or
// an explicit purge.
type Queue struct {
	db *sql.DB

	mu     sync.Mutex
	paused map[tilt.Color]colorDeliveryState

	wake chan struct{}
	log  *zap.SugaredLogger
}

// Open initializes the queue database, creating directories as needed.
func Open(path string, log *zap.SugaredLogger) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	q := &Queue{
		db:     db,
		paused: make(map[tilt.Color]colorDeliveryState),
		wake:   make(chan struct{}, 1),
		log:    log,
	}
	if err := q.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			color TEXT NOT NULL,
			temperature_f REAL NOT NULL,
			gravity REAL NOT NULL,
			reading_at TEXT NOT NULL,
			enqueued_at TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_upload_queue_color ON upload_queue(color, id);`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
	}
	return nil
}

// Enqueue appends a record to the durable queue and returns immediately.
// The first attempt is eligible right away; the delivery loop is woken.
func (q *Queue) Enqueue(rec Record) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(
		`INSERT INTO upload_queue (color, temperature_f, gravity, reading_at, enqueued_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		rec.Color.String(),
		rec.TempF,
		rec.Gravity,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue upload: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// NextReady returns the oldest ready entry whose color is not paused, or
// nil when nothing is due. Only the head entry of each color's queue is
// eligible, which keeps delivery FIFO per color while letting different
// colors interleave.
func (q *Queue) NextReady(ctx context.Context, now time.Time) (*Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, color, temperature_f, gravity, reading_at, enqueued_at, attempt_count, next_attempt_at
		 FROM upload_queue
		 WHERE id IN (SELECT MIN(id) FROM upload_queue GROUP BY color)
		   AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, id;`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query ready uploads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if q.DeliveryPaused(e.Color) {
			continue
		}
		return e, nil
	}
	return nil, rows.Err()
}

// MarkDelivered removes a confirmed entry from the queue.
func (q *Queue) MarkDelivered(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM upload_queue WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("remove delivered upload: %w", err)
	}
	return nil
}

// MarkFailed increments the attempt count and pushes the next attempt out
// by exponential backoff, capped. The entry stays queued indefinitely.
func (q *Queue) MarkFailed(ctx context.Context, e *Entry, now time.Time) error {
	attempts := e.AttemptCount + 1
	next := now.UTC().Add(BackoffDelay(attempts, config.BackoffBase, config.BackoffCap))
	_, err := q.db.ExecContext(ctx,
		`UPDATE upload_queue SET attempt_count = ?, next_attempt_at = ? WHERE id = ?;`,
		attempts, next.Format(time.RFC3339Nano), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update failed upload: %w", err)
	}
	e.AttemptCount = attempts
	e.NextAttemptAt = next
	return nil
}

// PauseColor moves a color's delivery to the paused state after a
// credential-invalid response. Entries are held, not dropped.
func (q *Queue) PauseColor(c tilt.Color) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused[c] != colorPausedInvalidCredential {
		q.paused[c] = colorPausedInvalidCredential
		q.log.Errorw("delivery paused, credential rejected by endpoint",
			"color", c.String())
	}
}

// DeliveryPaused reports whether a color's delivery is paused.
func (q *Queue) DeliveryPaused(c tilt.Color) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[c] == colorPausedInvalidCredential
}

// ResumeAll returns every paused color to active, to be called when the
// operator has replaced the credential.
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for c := range q.paused {
		delete(q.paused, c)
	}
}

// Wake exposes the wake-on-enqueue channel to the delivery loop.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Pending lists all queued entries in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, color, temperature_f, gravity, reading_at, enqueued_at, attempt_count, next_attempt_at
		 FROM upload_queue ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("query pending uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Purge removes every queued entry and returns how many were dropped.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM upload_queue;`)
	if err != nil {
		return 0, fmt.Errorf("purge upload queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e          Entry
		colorStr   string
		readingAt  string
		enqueuedAt string
		nextAt     string
	)
	if err := rows.Scan(&e.ID, &colorStr, &e.TempF, &e.Gravity, &readingAt, &enqueuedAt, &e.AttemptCount, &nextAt); err != nil {
		return nil, fmt.Errorf("scan upload entry: %w", err)
	}

	color, err := tilt.ParseColor(colorStr)
	if err != nil {
		return nil, fmt.Errorf("scan upload entry: %w", err)
	}
	e.Color = color

	if e.Timestamp, err = time.Parse(time.RFC3339Nano, readingAt); err != nil {
		return nil, fmt.Errorf("scan upload entry reading_at: %w", err)
	}
	if e.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
		return nil, fmt.Errorf("scan upload entry enqueued_at: %w", err)
	}
	if e.NextAttemptAt, err = time.Parse(time.RFC3339Nano, nextAt); err != nil {
		return nil, fmt.Errorf("scan upload entry next_attempt_at: %w", err)
	}
	return &e, nil
}
