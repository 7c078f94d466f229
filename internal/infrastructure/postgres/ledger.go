package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// CopayLedger is the Postgres-backed annual copay ledger. One row per
// (patient_id, year); the charge path locks the row so concurrent invoice
// generation across processes cannot overrun the annual cap.
type CopayLedger struct {
	pool   *pgxpool.Pool
	cap    int64
	logger *zap.Logger
}

// NewCopayLedger creates a new ledger
func NewCopayLedger(pool *pgxpool.Pool, annualCap int64, logger *zap.Logger) *CopayLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CopayLedger{pool: pool, cap: annualCap, logger: logger}
}

// RemainingCapacity returns max(0, cap - total charged) for the patient-year.
func (l *CopayLedger) RemainingCapacity(ctx context.Context, patientID string, year int) (int64, error) {
	var total int64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(total_copay_charged, 0)
		FROM copay_ledger
		WHERE patient_id = $1 AND year = $2
	`, patientID, year).Scan(&total)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("ledger read: %w", err)
	}

	remaining := l.cap - total
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Charge adds amount to the patient-year total in its own transaction.
func (l *CopayLedger) Charge(ctx context.Context, patientID string, year int, amount int64) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.ChargeTx(ctx, tx, patientID, year, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ChargeTx applies a copay charge within the caller's transaction, locking
// the ledger row and clamping at the cap.
func (l *CopayLedger) ChargeTx(ctx context.Context, tx pgx.Tx, patientID string, year int, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative charge %d for patient %s", amount, patientID)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO copay_ledger (patient_id, year, total_copay_charged)
		VALUES ($1, $2, 0)
		ON CONFLICT (patient_id, year) DO NOTHING
	`, patientID, year)
	if err != nil {
		return fmt.Errorf("ledger upsert: %w", err)
	}

	var total int64
	err = tx.QueryRow(ctx, `
		SELECT total_copay_charged
		FROM copay_ledger
		WHERE patient_id = $1 AND year = $2
		FOR UPDATE
	`, patientID, year).Scan(&total)
	if err != nil {
		return fmt.Errorf("ledger lock: %w", err)
	}

	next := total + amount
	if next > l.cap {
		l.logger.Warn("copay charge clamped at annual cap",
			zap.String("patient_id", patientID),
			zap.Int("year", year),
			zap.Int64("requested", amount),
			zap.Int64("charged", l.cap-total),
		)
		next = l.cap
	}

	_, err = tx.Exec(ctx, `
		UPDATE copay_ledger
		SET total_copay_charged = $3, updated_at = NOW()
		WHERE patient_id = $1 AND year = $2
	`, patientID, year, next)
	if err != nil {
		return fmt.Errorf("ledger update: %w", err)
	}
	return nil
}
