// Package autotopup implements the usage-triggered and schedule-triggered
// credit recharge controller gated by an in-flight reservation flag.
package autotopup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/pkg/ledger"
	"github.com/hiverun/controlplane/pkg/notifyqueue"
	"github.com/hiverun/controlplane/pkg/payment"
)

const circuitBreakThreshold = 3

// Settings mirrors a tenant's credit_auto_topup_settings row.
type Settings struct {
	TenantID                   string
	UsageEnabled               bool
	UsageThreshold             int64
	UsageTopupAmount           int64
	UsageConsecutiveFailures   int
	UsageChargeInFlight        bool
	ScheduleEnabled            bool
	ScheduleAmount             int64
	ScheduleIntervalHours      int
	ScheduleNextAt             *time.Time
	ScheduleConsecutiveFailures int
}

// TenantStatusChecker reports whether a tenant is in good standing; a
// banned or suspended tenant is skipped without attempting a charge.
type TenantStatusChecker interface {
	IsChargeable(ctx context.Context, tenantID string) (bool, error)
}

// Controller drives both recharge modes.
type Controller struct {
	pool      *pgxpool.Pool
	ledger    *ledger.Ledger
	processor payment.Processor
	notifier  *notifyqueue.Queue
	status    TenantStatusChecker
	logger    *slog.Logger
}

// New creates a Controller.
func New(pool *pgxpool.Pool, led *ledger.Ledger, processor payment.Processor, notifier *notifyqueue.Queue, status TenantStatusChecker, logger *slog.Logger) *Controller {
	return &Controller{pool: pool, ledger: led, processor: processor, notifier: notifier, status: status, logger: logger}
}

func (c *Controller) loadSettings(ctx context.Context, tenantID string) (*Settings, error) {
	return c.GetSettings(ctx, tenantID)
}

// GetSettings returns a tenant's auto-topup configuration, or nil if the
// tenant has never configured it.
func (c *Controller) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	var s Settings
	err := c.pool.QueryRow(ctx, `
		SELECT tenant_id, usage_enabled, usage_threshold, usage_topup_amount, usage_consecutive_failures,
			usage_charge_in_flight, schedule_enabled, schedule_amount, schedule_interval_hours,
			schedule_next_at, schedule_consecutive_failures
		FROM credit_auto_topup_settings WHERE tenant_id = $1`, tenantID,
	).Scan(&s.TenantID, &s.UsageEnabled, &s.UsageThreshold, &s.UsageTopupAmount, &s.UsageConsecutiveFailures,
		&s.UsageChargeInFlight, &s.ScheduleEnabled, &s.ScheduleAmount, &s.ScheduleIntervalHours,
		&s.ScheduleNextAt, &s.ScheduleConsecutiveFailures)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "loading auto-topup settings", err)
	}
	return &s, nil
}

// UpsertSettings creates or replaces a tenant's auto-topup configuration.
// The in-flight and consecutive-failure counters are left untouched by an
// update unless the row did not exist yet, so toggling thresholds mid-cycle
// never clears an in-progress charge or resets a circuit breaker.
func (c *Controller) UpsertSettings(ctx context.Context, s Settings) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO credit_auto_topup_settings
			(tenant_id, usage_enabled, usage_threshold, usage_topup_amount,
			 schedule_enabled, schedule_amount, schedule_interval_hours, schedule_next_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id) DO UPDATE SET
			usage_enabled = EXCLUDED.usage_enabled,
			usage_threshold = EXCLUDED.usage_threshold,
			usage_topup_amount = EXCLUDED.usage_topup_amount,
			schedule_enabled = EXCLUDED.schedule_enabled,
			schedule_amount = EXCLUDED.schedule_amount,
			schedule_interval_hours = EXCLUDED.schedule_interval_hours,
			schedule_next_at = EXCLUDED.schedule_next_at`,
		s.TenantID, s.UsageEnabled, s.UsageThreshold, s.UsageTopupAmount,
		s.ScheduleEnabled, s.ScheduleAmount, s.ScheduleIntervalHours, s.ScheduleNextAt)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "upserting auto-topup settings", err)
	}
	return nil
}

// MaybeTriggerUsageTopup is called after any debit. It is a no-op unless
// usage mode is enabled and the tenant's balance has fallen under
// threshold. The in-flight flag is the mutual-exclusion primitive: only
// the caller that flips it from false to true proceeds with a charge.
func (c *Controller) MaybeTriggerUsageTopup(ctx context.Context, tenantID string) error {
	settings, err := c.loadSettings(ctx, tenantID)
	if err != nil || settings == nil || !settings.UsageEnabled {
		return err
	}

	balance, err := c.ledger.Balance(ctx, tenantID)
	if err != nil {
		return err
	}
	if balance >= settings.UsageThreshold {
		return nil
	}

	acquired, err := c.tryAcquireInFlight(ctx, tenantID)
	if err != nil || !acquired {
		return err
	}
	defer c.releaseInFlight(ctx, tenantID)

	if c.status != nil {
		chargeable, err := c.status.IsChargeable(ctx, tenantID)
		if err != nil {
			return err
		}
		if !chargeable {
			return nil
		}
	}

	referenceID := fmt.Sprintf("auto_topup_usage:%s:%d", tenantID, time.Now().UnixNano())
	result, chargeErr := c.processor.Charge(ctx, tenantID, settings.UsageTopupAmount, "auto_topup_usage")

	if chargeErr == nil && result.Success {
		if _, err := c.ledger.Credit(ctx, tenantID, settings.UsageTopupAmount, "auto_topup_usage", nil, &referenceID, nil, nil); err != nil {
			return err
		}
		return c.resetUsageFailures(ctx, tenantID)
	}

	return c.recordUsageFailure(ctx, tenantID, settings)
}

func (c *Controller) tryAcquireInFlight(ctx context.Context, tenantID string) (bool, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE credit_auto_topup_settings SET usage_charge_in_flight = true
		WHERE tenant_id = $1 AND usage_charge_in_flight = false`, tenantID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "acquiring in-flight flag", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Controller) releaseInFlight(ctx context.Context, tenantID string) {
	if _, err := c.pool.Exec(ctx, `
		UPDATE credit_auto_topup_settings SET usage_charge_in_flight = false WHERE tenant_id = $1`, tenantID); err != nil {
		c.logger.Error("releasing auto-topup in-flight flag", "tenant", tenantID, "error", err)
	}
}

func (c *Controller) resetUsageFailures(ctx context.Context, tenantID string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE credit_auto_topup_settings SET usage_consecutive_failures = 0 WHERE tenant_id = $1`, tenantID)
	return err
}

func (c *Controller) recordUsageFailure(ctx context.Context, tenantID string, settings *Settings) error {
	failures := settings.UsageConsecutiveFailures + 1

	if failures >= circuitBreakThreshold {
		if _, err := c.pool.Exec(ctx, `
			UPDATE credit_auto_topup_settings
			SET usage_consecutive_failures = $1, usage_enabled = false
			WHERE tenant_id = $2`, failures, tenantID); err != nil {
			return err
		}
		return c.notifyAdmin(ctx, tenantID, "auto_topup_usage_circuit_broken")
	}

	_, err := c.pool.Exec(ctx, `
		UPDATE credit_auto_topup_settings SET usage_consecutive_failures = $1 WHERE tenant_id = $2`,
		failures, tenantID)
	return err
}

func (c *Controller) notifyAdmin(ctx context.Context, tenantID, emailType string) error {
	if c.notifier == nil {
		return nil
	}
	_, err := c.notifier.Enqueue(ctx, notifyqueue.Input{
		TenantID:  tenantID,
		EmailType: emailType,
	})
	return err
}

// RunScheduleLoop polls for tenants with schedule_next_at due, attempting a
// charge for each. It runs once immediately, then on every tick of
// interval, until ctx is cancelled.
func (c *Controller) RunScheduleLoop(ctx context.Context, interval time.Duration) {
	c.runScheduledTopups(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runScheduledTopups(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) runScheduledTopups(ctx context.Context) {
	rows, err := c.pool.Query(ctx, `
		SELECT tenant_id, schedule_amount, schedule_interval_hours, schedule_consecutive_failures
		FROM credit_auto_topup_settings
		WHERE schedule_enabled = true AND schedule_next_at <= now()`)
	if err != nil {
		c.logger.Error("querying scheduled topups", "error", err)
		return
	}

	type due struct {
		tenantID    string
		amount      int64
		intervalHrs int
		failures    int
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.tenantID, &d.amount, &d.intervalHrs, &d.failures); err != nil {
			c.logger.Error("scanning scheduled topup row", "error", err)
			continue
		}
		dues = append(dues, d)
	}
	rows.Close()

	for _, d := range dues {
		c.runOneScheduledTopup(ctx, d.tenantID, d.amount, d.intervalHrs, d.failures)
	}
}

func (c *Controller) runOneScheduledTopup(ctx context.Context, tenantID string, amount int64, intervalHours, failures int) {
	window := time.Now().Truncate(time.Hour)
	referenceID := fmt.Sprintf("auto_topup_schedule:%s:%d", tenantID, window.Unix())

	result, err := c.processor.Charge(ctx, tenantID, amount, "auto_topup_schedule")
	if err == nil && result.Success {
		if _, err := c.ledger.Credit(ctx, tenantID, amount, "auto_topup_schedule", nil, &referenceID, nil, nil); err != nil {
			c.logger.Error("crediting scheduled topup", "tenant", tenantID, "error", err)
			return
		}
		nextAt := time.Now().Add(time.Duration(intervalHours) * time.Hour)
		if _, err := c.pool.Exec(ctx, `
			UPDATE credit_auto_topup_settings
			SET schedule_consecutive_failures = 0, schedule_next_at = $1
			WHERE tenant_id = $2`, nextAt, tenantID); err != nil {
			c.logger.Error("updating schedule next_at", "tenant", tenantID, "error", err)
		}
		return
	}

	failures++
	if failures >= circuitBreakThreshold {
		if _, err := c.pool.Exec(ctx, `
			UPDATE credit_auto_topup_settings
			SET schedule_consecutive_failures = $1, schedule_enabled = false
			WHERE tenant_id = $2`, failures, tenantID); err != nil {
			c.logger.Error("disabling scheduled topup", "tenant", tenantID, "error", err)
		}
		if notifyErr := c.notifyAdmin(ctx, tenantID, "auto_topup_schedule_circuit_broken"); notifyErr != nil {
			c.logger.Error("notifying admin of circuit break", "tenant", tenantID, "error", notifyErr)
		}
		return
	}

	if _, err := c.pool.Exec(ctx, `
		UPDATE credit_auto_topup_settings SET schedule_consecutive_failures = $1 WHERE tenant_id = $2`,
		failures, tenantID); err != nil {
		c.logger.Error("recording schedule failure", "tenant", tenantID, "error", err)
	}
}
