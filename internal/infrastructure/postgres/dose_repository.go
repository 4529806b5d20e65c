package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const doseCols = `id, source_request_id, patient_id, medicine_name, dose_value, dose_unit,
	scheduled_at, scheduled_date, status, is_irregular, schedule_pattern_label,
	reminder_attempts, last_reminded_at, version, created_at, updated_at`

// DoseRepository implements dose.Repository on PostgreSQL
type DoseRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDoseRepository creates a new repository
func NewDoseRepository(pool *pgxpool.Pool, logger *zap.Logger) *DoseRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoseRepository{pool: pool, logger: logger}
}

func (r *DoseRepository) conn(ctx context.Context) queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func scanDose(row pgx.Row) (*dose.Record, error) {
	var rec dose.Record
	err := row.Scan(
		&rec.ID, &rec.SourceRequestID, &rec.PatientID, &rec.MedicineName,
		&rec.DoseValue, &rec.DoseUnit, &rec.ScheduledAt, &rec.Date, &rec.Status,
		&rec.Irregular, &rec.PatternLabel, &rec.ReminderAttempts, &rec.LastRemindedAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a dose record
func (r *DoseRepository) Create(ctx context.Context, rec *dose.Record) error {
	query := `
		INSERT INTO dose_records (id, source_request_id, patient_id, medicine_name, dose_value, dose_unit,
			scheduled_at, scheduled_date, status, is_irregular, schedule_pattern_label,
			reminder_attempts, last_reminded_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		RETURNING version, created_at, updated_at
	`
	err := r.conn(ctx).QueryRow(ctx, query,
		rec.ID, rec.SourceRequestID, rec.PatientID, rec.MedicineName,
		rec.DoseValue, rec.DoseUnit, rec.ScheduledAt, rec.Date, rec.Status,
		rec.Irregular, rec.PatternLabel, rec.ReminderAttempts, rec.LastRemindedAt,
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dose: %w", err)
	}
	return nil
}

// GetByID loads a dose record
func (r *DoseRepository) GetByID(ctx context.Context, id string) (*dose.Record, error) {
	query := `SELECT ` + doseCols + ` FROM dose_records WHERE id = $1`
	if TxFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}

	rec, err := scanDose(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dose.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dose %s: %w", id, err)
	}
	return rec, nil
}

// DeleteBySourceRequest removes every dose generated for a prescription
func (r *DoseRepository) DeleteBySourceRequest(ctx context.Context, sourceRequestID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM dose_records WHERE source_request_id = $1`, sourceRequestID)
	if err != nil {
		return 0, fmt.Errorf("delete doses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FindByStatusAndRange lists doses with status scheduled in [from, to]
func (r *DoseRepository) FindByStatusAndRange(ctx context.Context, status dose.Status, from, to time.Time) ([]*dose.Record, error) {
	query := `
		SELECT ` + doseCols + `
		FROM dose_records
		WHERE status = $1
		  AND scheduled_at BETWEEN $2 AND $3
		ORDER BY scheduled_at ASC
	`
	return r.list(ctx, query, status, from, to)
}

// FindByPatientAndRange lists a patient's doses scheduled in [from, to]
func (r *DoseRepository) FindByPatientAndRange(ctx context.Context, patientID string, from, to time.Time) ([]*dose.Record, error) {
	query := `
		SELECT ` + doseCols + `
		FROM dose_records
		WHERE patient_id = $1
		  AND scheduled_at BETWEEN $2 AND $3
		ORDER BY scheduled_at ASC
	`
	return r.list(ctx, query, patientID, from, to)
}

func (r *DoseRepository) list(ctx context.Context, query string, args ...interface{}) ([]*dose.Record, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query doses: %w", err)
	}
	defer rows.Close()

	var records []*dose.Record
	for rows.Next() {
		rec, err := scanDose(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dose: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Update writes status and reminder state guarded by the record version
func (r *DoseRepository) Update(ctx context.Context, rec *dose.Record) error {
	query := `
		UPDATE dose_records
		SET status = $1, reminder_attempts = $2, last_reminded_at = $3,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING version, updated_at
	`
	err := r.conn(ctx).QueryRow(ctx, query,
		rec.Status, rec.ReminderAttempts, rec.LastRemindedAt, rec.ID, rec.Version,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug("dose version conflict",
			zap.String("dose_id", rec.ID),
			zap.Int("version", rec.Version))
		return dose.ErrConcurrentUpdate
	}
	if err != nil {
		return fmt.Errorf("update dose %s: %w", rec.ID, err)
	}
	return nil
}
