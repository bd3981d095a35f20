package meterevent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the emitter's durability and batching behavior.
type Config struct {
	WALPath       string
	DLQPath       string
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

type pending struct {
	event        Event
	retryAttempt int
	nextAttempt  time.Time
	backoff      *backoff.ExponentialBackOff
}

// Emitter accepts MeterEvents, durably WAL-logs them, and batch-flushes to
// storage. It is the fail-closed front door of the metering pipeline: an
// event is never acknowledged to the caller until it is on disk.
type Emitter struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	wal     *os.File
	buffer  []*pending
	closed  bool
	flushed chan struct{}
}

// New creates an Emitter and replays any WAL left over from a prior crash.
// Call Run to start the periodic flush loop.
func New(ctx context.Context, cfg Config, pool *pgxpool.Pool, logger *slog.Logger) (*Emitter, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	e := &Emitter{cfg: cfg, pool: pool, logger: logger, flushed: make(chan struct{}, 1)}

	if err := e.replayWAL(ctx); err != nil {
		return nil, fmt.Errorf("replaying meter WAL: %w", err)
	}

	wal, err := os.OpenFile(cfg.WALPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening meter WAL: %w", err)
	}
	e.wal = wal

	e.mu.Lock()
	e.rewriteWALLocked()
	e.mu.Unlock()

	return e, nil
}

// Emit appends event to the WAL, then buffers it for the next flush. It
// returns once the event is durably on disk. Calls after Close are ignored.
func (e *Emitter) Emit(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling meter event: %w", err)
	}
	line = append(line, '\n')

	if _, err := e.wal.Write(line); err != nil {
		return fmt.Errorf("appending to meter WAL: %w", err)
	}
	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("fsyncing meter WAL: %w", err)
	}

	e.buffer = append(e.buffer, &pending{event: event})

	if len(e.buffer) >= e.cfg.BatchSize {
		select {
		case e.flushed <- struct{}{}:
		default:
		}
	}

	return nil
}

// Run starts the periodic flush loop. It returns when ctx is cancelled,
// after flushing everything remaining in the buffer.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush(ctx)
		case <-e.flushed:
			e.Flush(ctx)
		case <-ctx.Done():
			e.Close(context.Background())
			return
		}
	}
}

// Close flushes anything remaining in the buffer and stops accepting new
// events. It is safe to call more than once.
func (e *Emitter) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, p := range e.buffer {
		p.nextAttempt = time.Time{}
	}
	e.mu.Unlock()

	e.Flush(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wal != nil {
		_ = e.wal.Close()
	}
}

// Flush inserts due entries in the buffer into storage. Successes are
// removed from the buffer; failures are retried with an increasing backoff
// until MaxRetries is exceeded, at which point the event is moved to the
// dead-letter file. The WAL is rewritten to reflect what remains buffered.
func (e *Emitter) Flush(ctx context.Context) {
	e.mu.Lock()
	now := time.Now()
	var due []*pending
	for _, p := range e.buffer {
		if p.nextAttempt.IsZero() || !p.nextAttempt.After(now) {
			due = append(due, p)
		}
	}
	e.mu.Unlock()

	if len(due) == 0 {
		return
	}

	batch := &pgx.Batch{}
	for _, p := range due {
		batch.Queue(insertSQL, insertArgs(p.event)...)
	}

	br := e.pool.SendBatch(ctx, batch)
	var failed []*pending
	for _, p := range due {
		if _, err := br.Exec(); err != nil {
			e.logger.Warn("meter event insert failed, will retry", "event_id", p.event.ID, "error", err)
			failed = append(failed, p)
		}
	}
	if err := br.Close(); err != nil {
		e.logger.Warn("closing meter event batch", "error", err)
	}

	remove := make(map[*pending]bool, len(due))
	var deadLettered []*pending
	for _, p := range due {
		remove[p] = true
	}
	for _, p := range failed {
		p.retryAttempt++
		if p.retryAttempt > e.cfg.MaxRetries {
			deadLettered = append(deadLettered, p)
			continue
		}
		if p.backoff == nil {
			p.backoff = backoff.NewExponentialBackOff()
		}
		d := p.backoff.NextBackOff()
		if d == backoff.Stop {
			deadLettered = append(deadLettered, p)
			continue
		}
		p.nextAttempt = now.Add(d)
		delete(remove, p)
	}

	for _, p := range deadLettered {
		e.writeDLQ(p.event, fmt.Sprintf("exceeded %d retries", e.cfg.MaxRetries))
	}

	e.mu.Lock()
	kept := e.buffer[:0:0]
	for _, p := range e.buffer {
		if !remove[p] {
			kept = append(kept, p)
		}
	}
	e.buffer = kept
	e.rewriteWALLocked()
	e.mu.Unlock()
}

// rewriteWALLocked replaces the WAL contents with what remains buffered.
// Caller must hold e.mu.
func (e *Emitter) rewriteWALLocked() {
	tmp := e.cfg.WALPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Error("rewriting meter WAL", "error", err)
		return
	}

	w := bufio.NewWriter(f)
	for _, p := range e.buffer {
		line, err := json.Marshal(p.event)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		e.logger.Error("flushing rewritten meter WAL", "error", err)
		f.Close()
		return
	}
	if err := f.Sync(); err != nil {
		e.logger.Error("fsyncing rewritten meter WAL", "error", err)
	}
	f.Close()

	if err := os.Rename(tmp, e.cfg.WALPath); err != nil {
		e.logger.Error("renaming meter WAL", "error", err)
		return
	}

	if e.wal != nil {
		e.wal.Close()
	}
	wal, err := os.OpenFile(e.cfg.WALPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Error("reopening meter WAL", "error", err)
		return
	}
	e.wal = wal
}

func (e *Emitter) writeDLQ(event Event, reason string) {
	f, err := os.OpenFile(e.cfg.DLQPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Error("opening meter DLQ", "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(struct {
		Event  Event  `json:"event"`
		Reason string `json:"reason"`
	}{event, reason})
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		e.logger.Error("writing meter DLQ entry", "error", err)
	}
}

// replayWAL is run once at startup. Events already present in storage are
// dropped (idempotent); everything else is queued for the next flush. Once
// replay has queued its contents in memory, New rewrites the WAL to hold
// only those queued events.
func (e *Emitter) replayWAL(ctx context.Context) error {
	f, err := os.Open(e.cfg.WALPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var replayed int
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			e.logger.Warn("skipping unparseable WAL line", "error", err)
			continue
		}

		var exists bool
		if err := e.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM meter_events WHERE id = $1)`, event.ID).Scan(&exists); err != nil {
			return fmt.Errorf("checking existing meter event %s: %w", event.ID, err)
		}
		if exists {
			continue
		}

		e.buffer = append(e.buffer, &pending{event: event})
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if replayed > 0 {
		e.logger.Info("replayed meter WAL", "events", replayed)
	}

	return nil
}

const insertSQL = `INSERT INTO meter_events
	(id, tenant, capability, provider, cost, charge, timestamp_ms, session_id, duration_ms, usage_units, usage_unit_type, tier, metadata)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO NOTHING`

func insertArgs(e Event) []any {
	var units *float64
	var unitType *string
	if e.Usage != nil {
		units = e.Usage.Units
		unitType = e.Usage.UnitType
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	return []any{e.ID, e.Tenant, e.Capability, e.Provider, e.Cost, e.Charge, e.TimestampMs,
		e.SessionID, e.DurationMs, units, unitType, e.Tier, metadata}
}
