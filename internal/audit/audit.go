package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents a single admin audit log entry to be written. There is
// no update or delete path by design — the log is append-only.
type Entry struct {
	AdminUser    string
	Action       string
	Category     string
	TargetTenant *string
	TargetUser   *string
	Details      json.RawMessage
	IPAddress    *netip.Addr
	UserAgent    *string
	Outcome      string
}

// Record is a stored audit log row as returned by Query/ExportCSV.
type Record struct {
	ID           uuid.UUID
	AdminUser    string
	Action       string
	Category     string
	TargetTenant *string
	TargetUser   *string
	Details      json.RawMessage
	IPAddress    *string
	UserAgent    *string
	CreatedAt    time.Time
	Outcome      string
}

// Filters narrows Query/ExportCSV results. Zero values are unfiltered.
type Filters struct {
	AdminUser    string
	Category     string
	TargetTenant string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed to storage by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
	maxQueryLimit = 250
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database and returns immediately. The goroutine exits once the context
// is cancelled or Close is called, after flushing pending entries.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "category", entry.Category)
	}
}

// LogFromRequest is a convenience method that extracts the client IP and
// user agent from the request, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, adminUser, action, category, outcome string, targetTenant *string, detail json.RawMessage) {
	entry := Entry{
		AdminUser:    adminUser,
		Action:       action,
		Category:     category,
		TargetTenant: targetTenant,
		Details:      detail,
		Outcome:      outcome,
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	ua := r.Header.Get("User-Agent")
	if ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database in a single round trip.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range entries {
		var ip *string
		if e.IPAddress != nil {
			s := e.IPAddress.String()
			ip = &s
		}
		batch.Queue(
			`INSERT INTO admin_audit_log
				(id, admin_user, action, category, target_tenant, target_user, details, ip_address, user_agent, outcome)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			uuid.New(), e.AdminUser, e.Action, e.Category, e.TargetTenant, e.TargetUser, e.Details, ip, e.UserAgent, e.Outcome,
		)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			w.logger.Error("writing audit log entry", "error", err)
		}
	}
}

// Query returns matching entries newest-first. The limit is clamped to
// maxQueryLimit regardless of what the caller requests.
func Query(ctx context.Context, pool *pgxpool.Pool, f Filters) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return queryRows(ctx, pool, f, limit)
}

// queryAll returns the entire filtered set, unbounded by maxQueryLimit, for
// CSV export.
func queryAll(ctx context.Context, pool *pgxpool.Pool, f Filters) ([]Record, error) {
	return queryRows(ctx, pool, f, 0)
}

// queryRows runs the filtered query. A limit of 0 omits the LIMIT clause.
func queryRows(ctx context.Context, pool *pgxpool.Pool, f Filters, limit int) ([]Record, error) {
	sql := `SELECT id, admin_user, action, category, target_tenant, target_user, details, ip_address, user_agent, created_at, outcome
		FROM admin_audit_log WHERE 1=1`
	args := []any{}

	if f.AdminUser != "" {
		args = append(args, f.AdminUser)
		sql += fmt.Sprintf(" AND admin_user = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		sql += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.TargetTenant != "" {
		args = append(args, f.TargetTenant)
		sql += fmt.Sprintf(" AND target_tenant = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		sql += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		sql += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	sql += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AdminUser, &rec.Action, &rec.Category,
			&rec.TargetTenant, &rec.TargetUser, &rec.Details, &rec.IPAddress,
			&rec.UserAgent, &rec.CreatedAt, &rec.Outcome); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
