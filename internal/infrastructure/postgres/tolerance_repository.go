package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ToleranceRepository stores per-patient adherence settings
type ToleranceRepository struct {
	pool *pgxpool.Pool
}

// NewToleranceRepository creates a tolerance repository
func NewToleranceRepository(pool *pgxpool.Pool) *ToleranceRepository {
	return &ToleranceRepository{pool: pool}
}

func (r *ToleranceRepository) conn(ctx context.Context) queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// Get returns the patient's tolerance, or nil when none is stored.
func (r *ToleranceRepository) Get(ctx context.Context, patientID string) (*adherence.Tolerance, error) {
	query := `
		SELECT tolerance_window_minutes, reminder_frequency_minutes, max_reminder_attempts
		FROM patient_adherence_settings
		WHERE patient_id = $1
	`
	var t adherence.Tolerance
	err := r.conn(ctx).QueryRow(ctx, query, patientID).Scan(
		&t.WindowMinutes, &t.ReminderFrequencyMinutes, &t.MaxReminderAttempts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tolerance: %w", err)
	}
	return &t, nil
}

// Put upserts the patient's tolerance in a single statement.
func (r *ToleranceRepository) Put(ctx context.Context, patientID string, t adherence.Tolerance) error {
	query := `
		INSERT INTO patient_adherence_settings
			(patient_id, tolerance_window_minutes, reminder_frequency_minutes, max_reminder_attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id) DO UPDATE
		SET tolerance_window_minutes = EXCLUDED.tolerance_window_minutes,
		    reminder_frequency_minutes = EXCLUDED.reminder_frequency_minutes,
		    max_reminder_attempts = EXCLUDED.max_reminder_attempts,
		    updated_at = NOW()
	`
	_, err := r.conn(ctx).Exec(ctx, query, patientID, t.WindowMinutes, t.ReminderFrequencyMinutes, t.MaxReminderAttempts)
	if err != nil {
		return fmt.Errorf("put tolerance: %w", err)
	}
	return nil
}
