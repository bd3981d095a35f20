package audit

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
)

var csvHeader = []string{
	"id", "admin_user", "action", "category", "target_tenant", "target_user",
	"details", "ip_address", "user_agent", "created_at", "outcome",
}

// ExportCSV writes the entire filtered set (not just the query page) to w
// in the fixed column order, with a header row first.
func ExportCSV(ctx context.Context, pool *pgxpool.Pool, f Filters, w io.Writer) error {
	records, err := queryAll(ctx, pool, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range records {
		if err := cw.Write(recordToRow(rec)); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func recordToRow(rec Record) []string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}

	return []string{
		rec.ID.String(),
		rec.AdminUser,
		rec.Action,
		rec.Category,
		deref(rec.TargetTenant),
		deref(rec.TargetUser),
		string(rec.Details),
		deref(rec.IPAddress),
		deref(rec.UserAgent),
		rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		rec.Outcome,
	}
}
