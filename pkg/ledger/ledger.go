// Package ledger implements the append-only credit ledger: the single
// source of truth for tenant balances. No row is ever updated or deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiverun/controlplane/internal/apperr"
)

const uniqueViolationCode = "23505"

// Transaction is one money movement row.
type Transaction struct {
	ID                uuid.UUID
	TenantID          string
	Amount            int64
	BalanceAfter      int64
	Type              string
	Description       *string
	ReferenceID       *string
	FundingSource     *string
	AttributedUserID  *string
	CreatedAt         time.Time
}

// HistoryFilter narrows History results.
type HistoryFilter struct {
	Type   string
	Limit  int
	Offset int
}

const maxHistoryLimit = 250

// Ledger serializes writes per tenant by acquiring a row lock on the
// tenant's credit_balances row inside each transaction.
type Ledger struct {
	pool *pgxpool.Pool
}

// New creates a Ledger backed by pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Credit records a positive money movement. amount must be > 0.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount int64, txType string, description, referenceID, fundingSource, attributedUser *string) (*Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "credit amount must be positive")
	}
	return l.write(ctx, tenantID, amount, txType, description, referenceID, fundingSource, attributedUser, false)
}

// Debit records a negative money movement. amount must be > 0 (the signed
// amount written to storage is its negation). Fails with
// InsufficientBalance unless allowNegative is set.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount int64, txType string, description, referenceID *string, allowNegative bool) (*Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "debit amount must be positive")
	}
	return l.write(ctx, tenantID, -amount, txType, description, referenceID, nil, nil, allowNegative)
}

func (l *Ledger) write(ctx context.Context, tenantID string, signedAmount int64, txType string, description, referenceID, fundingSource, attributedUser *string, allowNegative bool) (*Transaction, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "beginning ledger transaction", err)
	}
	defer tx.Rollback(ctx)

	var prior int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE tenant_id = $1 FOR UPDATE`, tenantID,
	).Scan(&prior)
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO credit_balances (tenant_id, balance) VALUES ($1, 0)
				 ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
				return nil, apperr.Wrap(apperr.KindTransient, "seeding credit balance", err)
			}
			prior = 0
		} else {
			return nil, apperr.Wrap(apperr.KindTransient, "reading tenant balance", err)
		}
	}

	balanceAfter := prior + signedAmount
	if signedAmount < 0 && balanceAfter < 0 && !allowNegative {
		return nil, apperr.New(apperr.KindInsufficientBalance, "balance would go negative")
	}

	txn := &Transaction{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Amount:           signedAmount,
		BalanceAfter:     balanceAfter,
		Type:             txType,
		Description:      description,
		ReferenceID:      referenceID,
		FundingSource:    fundingSource,
		AttributedUserID: attributedUser,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO credit_transactions
			(id, tenant_id, amount, balance_after, type, description, reference_id, funding_source, attributed_user_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 RETURNING created_at`,
		txn.ID, txn.TenantID, txn.Amount, txn.BalanceAfter, txn.Type, txn.Description,
		txn.ReferenceID, txn.FundingSource, txn.AttributedUserID,
	).Scan(&txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.KindInvalidInput, "reference_id already used", err)
		}
		return nil, apperr.Wrap(apperr.KindTransient, "inserting ledger transaction", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_balances SET balance = $1, updated_at = now() WHERE tenant_id = $2`,
		balanceAfter, tenantID,
	); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "updating credit balance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "committing ledger transaction", err)
	}

	return txn, nil
}

// Balance returns the current balance for tenantID (0 if never credited).
func (l *Ledger) Balance(ctx context.Context, tenantID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE tenant_id = $1`, tenantID,
	).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransient, "reading balance", err)
	}
	return balance, nil
}

// History returns transactions for tenantID, newest first.
func (l *Ledger) History(ctx context.Context, tenantID string, f HistoryFilter) ([]Transaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	sql := `SELECT id, tenant_id, amount, balance_after, type, description, reference_id, funding_source, attributed_user_id, created_at
		FROM credit_transactions WHERE tenant_id = $1`
	args := []any{tenantID}

	if f.Type != "" {
		args = append(args, f.Type)
		sql += " AND type = $2"
	}

	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "querying history", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &t.BalanceAfter, &t.Type,
			&t.Description, &t.ReferenceID, &t.FundingSource, &t.AttributedUserID, &t.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "scanning history row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// HasReferenceID reports whether a transaction with this reference id
// already exists, scoped globally across all tenants.
func (l *Ledger) HasReferenceID(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE reference_id = $1)`, referenceID,
	).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "checking reference id", err)
	}
	return exists, nil
}

// TenantBalance pairs a tenant id with its current balance.
type TenantBalance struct {
	TenantID string
	Balance  int64
}

// TenantsWithBalance lists every tenant that has a balance row.
func (l *Ledger) TenantsWithBalance(ctx context.Context) ([]TenantBalance, error) {
	rows, err := l.pool.Query(ctx, `SELECT tenant_id, balance FROM credit_balances ORDER BY tenant_id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "listing tenant balances", err)
	}
	defer rows.Close()

	var out []TenantBalance
	for rows.Next() {
		var tb TenantBalance
		if err := rows.Scan(&tb.TenantID, &tb.Balance); err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "scanning tenant balance", err)
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
