// Package meteraggregate rolls up metered usage events into fixed-window
// per-(tenant, capability, provider) summaries, idempotently.
package meteraggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SentinelTenant marks a window that was processed but produced no events,
// distinguishing "processed, empty" from "never processed".
const SentinelTenant = "__sentinel__"

// Summary is one UsageSummary row.
type Summary struct {
	WindowStart     int64
	WindowEnd       int64
	Tenant          string
	Capability      string
	Provider        string
	EventCount      int64
	TotalCost       int64
	TotalCharge     int64
	TotalDurationMs int64
	TotalUsageUnits float64
}

// Aggregator rolls events up into windows of width Window (milliseconds).
type Aggregator struct {
	pool   *pgxpool.Pool
	window int64
}

// New creates an Aggregator with the given window width.
func New(pool *pgxpool.Pool, window time.Duration) *Aggregator {
	return &Aggregator{pool: pool, window: window.Milliseconds()}
}

// Aggregate processes every fully-elapsed window since the high-water mark
// up to (but excluding) the window containing now. Re-running it for an
// already-processed window is a no-op: every insert is insert-if-absent
// keyed by (tenant, capability, provider, window_start).
func (a *Aggregator) Aggregate(ctx context.Context, now time.Time) error {
	highWater, err := a.highWaterMark(ctx)
	if err != nil {
		return err
	}

	currentWindowStart := floorToWindow(now.UnixMilli(), a.window)

	for ws := highWater; ws+a.window <= currentWindowStart; ws += a.window {
		if err := a.aggregateWindow(ctx, ws); err != nil {
			return err
		}
	}

	return nil
}

// highWaterMark returns the start of the next window to aggregate: the end
// of the last processed window, or the earliest event's window start if
// nothing has been aggregated yet.
func (a *Aggregator) highWaterMark(ctx context.Context) (int64, error) {
	var lastWindowEnd *int64
	err := a.pool.QueryRow(ctx, `SELECT MAX(window_end) FROM usage_summaries`).Scan(&lastWindowEnd)
	if err != nil {
		return 0, err
	}
	if lastWindowEnd != nil {
		return *lastWindowEnd, nil
	}

	var earliest *int64
	err = a.pool.QueryRow(ctx, `SELECT MIN(timestamp_ms) FROM meter_events`).Scan(&earliest)
	if err != nil {
		return 0, err
	}
	if earliest == nil {
		return 0, nil
	}
	return floorToWindow(*earliest, a.window), nil
}

func floorToWindow(ts, window int64) int64 {
	return (ts / window) * window
}

// aggregateWindow groups events in [ws, ws+window) by (tenant, capability,
// provider) and inserts one summary row per group, or a single sentinel
// row if the window had no events at all.
func (a *Aggregator) aggregateWindow(ctx context.Context, ws int64) error {
	we := ws + a.window

	rows, err := a.pool.Query(ctx, `
		SELECT tenant, capability, provider,
			COUNT(*), COALESCE(SUM(cost),0), COALESCE(SUM(charge),0),
			COALESCE(SUM(duration_ms),0), COALESCE(SUM(usage_units),0)
		FROM meter_events
		WHERE timestamp_ms >= $1 AND timestamp_ms < $2
		GROUP BY tenant, capability, provider`, ws, we)
	if err != nil {
		return err
	}

	var summaries []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Tenant, &s.Capability, &s.Provider, &s.EventCount,
			&s.TotalCost, &s.TotalCharge, &s.TotalDurationMs, &s.TotalUsageUnits); err != nil {
			rows.Close()
			return err
		}
		s.WindowStart, s.WindowEnd = ws, we
		summaries = append(summaries, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(summaries) == 0 {
		summaries = []Summary{{WindowStart: ws, WindowEnd: we, Tenant: SentinelTenant}}
	}

	batch := &pgx.Batch{}
	for _, s := range summaries {
		batch.Queue(`
			INSERT INTO usage_summaries
				(window_start, window_end, tenant, capability, provider, event_count, total_cost, total_charge, total_duration_ms, total_usage_units)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (tenant, capability, provider, window_start) DO NOTHING`,
			s.WindowStart, s.WindowEnd, s.Tenant, s.Capability, s.Provider,
			s.EventCount, s.TotalCost, s.TotalCharge, s.TotalDurationMs, s.TotalUsageUnits)
	}

	br := a.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range summaries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// TenantTotal sums non-sentinel summaries for tenant since the given
// timestamp (milliseconds).
func (a *Aggregator) TenantTotal(ctx context.Context, tenant string, since int64) (int64, int64, error) {
	var cost, charge int64
	err := a.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_cost),0), COALESCE(SUM(total_charge),0)
		FROM usage_summaries
		WHERE tenant = $1 AND tenant != $2 AND window_start >= $3`,
		tenant, SentinelTenant, since,
	).Scan(&cost, &charge)
	return cost, charge, err
}

// QueryFilter narrows QuerySummaries results.
type QueryFilter struct {
	Since int64
	Until int64
}

// QuerySummaries returns non-sentinel summaries for tenant within the
// optional [Since, Until) bound.
func (a *Aggregator) QuerySummaries(ctx context.Context, tenant string, f QueryFilter) ([]Summary, error) {
	sql := `SELECT window_start, window_end, tenant, capability, provider, event_count, total_cost, total_charge, total_duration_ms, total_usage_units
		FROM usage_summaries WHERE tenant = $1 AND tenant != $2`
	args := []any{tenant, SentinelTenant}

	if f.Since > 0 {
		args = append(args, f.Since)
		sql += " AND window_start >= $3"
	}
	if f.Until > 0 {
		args = append(args, f.Until)
		sql += fmt.Sprintf(" AND window_start < $%d", len(args))
	}
	sql += " ORDER BY window_start ASC"

	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.WindowStart, &s.WindowEnd, &s.Tenant, &s.Capability, &s.Provider,
			&s.EventCount, &s.TotalCost, &s.TotalCharge, &s.TotalDurationMs, &s.TotalUsageUnits); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

