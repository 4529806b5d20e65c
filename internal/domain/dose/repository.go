package dose

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no dose has the requested id.
	ErrNotFound = errors.New("dose not found")
	// ErrConcurrentUpdate is returned when the stored version moved since the record was read.
	ErrConcurrentUpdate = errors.New("dose was modified concurrently")
	// ErrInvalidRange is returned when a query range ends before it starts.
	ErrInvalidRange = errors.New("invalid time range")
)

// Repository is the persistence contract for dose records.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	DeleteBySourceRequest(ctx context.Context, sourceRequestID string) (int64, error)
	// FindByStatusAndRange returns records with status whose scheduled time is in [from, to], ordered by time.
	FindByStatusAndRange(ctx context.Context, status Status, from, to time.Time) ([]*Record, error)
	FindByPatientAndRange(ctx context.Context, patientID string, from, to time.Time) ([]*Record, error)
	// Update persists rec if the stored version equals rec.Version, then bumps rec.Version.
	Update(ctx context.Context, rec *Record) error
}

// TxRunner runs fn inside a transaction carried by the context passed to fn.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
