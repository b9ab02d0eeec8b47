// Package ledger meters usage credits against per-tenant balances.
//
// Debits are a single conditional UPDATE so concurrent requests from the same
// tenant can never drive the balance negative. Ledger failures are fatal to
// the request that hit them: billing correctness outweighs availability here.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Ledger performs atomic credit operations for tenants.
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Reserve atomically debits amount from the tenant's balance if and only if
// the resulting balance stays non-negative. Returns whether the reservation
// succeeded. A storage error is returned as-is and must abort the request.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, amount float64) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE tenants SET credits_balance = credits_balance - ?
		 WHERE id = ? AND credits_balance >= ?`,
		amount, tenantID, amount)
	if err != nil {
		return false, fmt.Errorf("credit reservation failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("credit reservation failed: %w", err)
	}
	if rows == 0 {
		l.logger.Warn("insufficient credits",
			slog.String("tenant_id", tenantID),
			slog.Float64("required", amount))
		return false, nil
	}
	return true, nil
}

// Refund atomically credits amount back to the tenant. Returns false when the
// tenant row does not exist; that case is logged but not fatal to the caller.
func (l *Ledger) Refund(ctx context.Context, tenantID string, amount float64, reason string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE tenants SET credits_balance = credits_balance + ? WHERE id = ?`,
		amount, tenantID)
	if err != nil {
		return false, fmt.Errorf("credit refund failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("credit refund failed: %w", err)
	}
	if rows == 0 {
		l.logger.Warn("refund target missing",
			slog.String("tenant_id", tenantID),
			slog.Float64("amount", amount),
			slog.String("reason", reason))
		return false, nil
	}
	l.logger.Info("credits refunded",
		slog.String("tenant_id", tenantID),
		slog.Float64("amount", amount),
		slog.String("reason", reason))
	return true, nil
}

// ChargeInspectionFee refunds fullCost minus feeRetained after a blocked
// request, leaving only the inspection fee charged. No-op when the fee covers
// the full cost.
func (l *Ledger) ChargeInspectionFee(ctx context.Context, tenantID string, fullCost, feeRetained float64) error {
	refund := fullCost - feeRetained
	if refund <= 0 {
		return nil
	}
	_, err := l.Refund(ctx, tenantID, refund, "partial refund for blocked request")
	return err
}

// Balance returns the tenant's current balance. Unknown tenants read as zero;
// Balance never fails the caller.
func (l *Ledger) Balance(ctx context.Context, tenantID string) float64 {
	var balance float64
	err := l.db.GetContext(ctx, &balance,
		`SELECT credits_balance FROM tenants WHERE id = ?`, tenantID)
	if err != nil {
		if err != sql.ErrNoRows {
			l.logger.Error("balance read failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()))
		}
		return 0
	}
	return balance
}
