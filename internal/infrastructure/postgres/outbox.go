package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const aggregateDose = "dose"

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// TopicFor returns the topic a dose event kind is relayed to.
func TopicFor(kind dose.EventKind) (string, error) {
	switch kind {
	case dose.EventDoseCompleted:
		return redpanda.TopicDoseCompleted, nil
	case dose.EventDoseReminder:
		return redpanda.TopicDoseReminders, nil
	default:
		return "", fmt.Errorf("no topic for event kind %q", kind)
	}
}

// NewOutboxEntry builds the outbox row for a dose event. Entries are keyed by
// patient so one patient's events stay ordered within a partition.
func NewOutboxEntry(event *dose.Event) (*OutboxEntry, error) {
	topic, err := TopicFor(event.Kind)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   event.DoseID,
		AggregateType: aggregateDose,
		EventType:     string(event.Kind),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      event.PatientID,
	}, nil
}

// OutboxNotifier implements dose.Notifier by writing outbox rows. When the
// context carries a transaction the row commits with the status change.
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOutboxNotifier creates an outbox-backed notifier
func NewOutboxNotifier(pool *pgxpool.Pool, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{pool: pool, logger: logger}
}

func (n *OutboxNotifier) conn(ctx context.Context) queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return n.pool
}

// Publish implements dose.Notifier.
func (n *OutboxNotifier) Publish(ctx context.Context, kind dose.EventKind, event *dose.Event) error {
	entry, err := NewOutboxEntry(event)
	if err != nil {
		return err
	}
	if err := writeEntry(ctx, n.conn(ctx), entry); err != nil {
		return err
	}
	n.logger.Debug("dose event queued",
		zap.String("kind", string(kind)),
		zap.String("dose_id", event.DoseID),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

func writeEntry(ctx context.Context, q queryable, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// CleanupAfter is how long processed entries are kept
	CleanupAfter time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
		CleanupAfter: 7 * 24 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays outbox rows to the broker. Only the holder of the outbox
// advisory lock relays, so several relay replicas can run.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	lock      *AdvisoryLock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		lock:      NewAdvisoryLock(pool, OutboxLockID, logger),
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WithMetrics attaches Prometheus metrics.
func (o *Outbox) WithMetrics(m *metrics.Metrics) *Outbox {
	o.metrics = m
	return o
}

// Start begins polling and relaying outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	maintenance := time.NewTicker(time.Minute)
	defer maintenance.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			o.maintain(o.ctx)
		}
	}
}

func (o *Outbox) maintain(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter pass failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}

	if n, err := o.CleanupProcessed(ctx, o.config.CleanupAfter); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("outbox cleaned", zap.Int64("deleted", n))
	}

	if stats, err := o.GetStats(ctx); err == nil {
		o.metrics.SetOutboxPending(stats.Pending)
	}
}

// ProcessBatch relays one batch and returns how many entries were published.
// It does nothing when another relay holds the lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	release, acquired, err := o.lock.TryLock(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer release()

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("fetch outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, entry); err != nil {
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("dose_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := o.pool.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	markQuery := `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := o.pool.Exec(ctx, markQuery, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`

	result, err := o.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		dlPayload, err := json.Marshal(map[string]interface{}{
			"original_topic": entry.KafkaTopic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			o.logger.Error("failed to marshal dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}

		if err := o.publisher.Publish(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}

		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		count++
	}

	return count, nil
}

// OutboxStats holds outbox statistics
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	err := o.pool.QueryRow(ctx, query, o.config.MaxRetries).Scan(
		&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
