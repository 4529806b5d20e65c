package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// HandlerAttempts is how many times a record is handed to the handler
	// before it is dead-lettered
	HandlerAttempts int
	// HandlerBackoff is the wait between handler attempts
	HandlerBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the statement writer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "statement-writer",
		Topics:              []string{TopicDoseCompleted},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       52428800, // 50MB
		StartOffset:         "earliest",
		HandlerAttempts:     3,
		HandlerBackoff:      500 * time.Millisecond,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// DeadLetterPublisher receives records whose handler kept failing.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DeadLetter is the envelope written to the dead letter topic
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// Consumer reads dose events from Redpanda. Offsets are committed only after
// a record was handled or dead-lettered.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	deadLetter DeadLetterPublisher
	metrics    *metrics.Metrics

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	deadLettered   int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.HandlerAttempts < 1 {
		cfg.HandlerAttempts = 1
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	opts = append(opts,
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// WithDeadLetter routes records that exhausted their attempts to dl.
func (c *Consumer) WithDeadLetter(dl DeadLetterPublisher) *Consumer {
	c.deadLetter = dl
	return c
}

// WithMetrics attaches Prometheus metrics.
func (c *Consumer) WithMetrics(m *metrics.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.incrementErrorCount()
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			if c.ctx.Err() != nil {
				return
			}
			if c.processRecord(record) {
				c.commit(record)
			}
		})
	}
}

// processRecord reports whether the record's offset may be committed.
func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, record), "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	var err error
	for attempt := 1; attempt <= c.config.HandlerAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			c.incrementMetrics(len(record.Value))
			return true
		}
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		c.incrementErrorCount()

		if attempt < c.config.HandlerAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(c.config.HandlerBackoff * time.Duration(attempt)):
			}
		}
	}
	span.RecordError(err)

	if c.deadLetter == nil {
		c.logger.Error("dropping message after exhausting attempts",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return true
	}
	if dlErr := c.sendToDeadLetter(ctx, record, err); dlErr != nil {
		// leave uncommitted so the record is redelivered after a restart
		c.logger.Error("failed to dead-letter message",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(dlErr))
		span.RecordError(dlErr)
		return false
	}
	return true
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, record *kgo.Record, cause error) error {
	value, err := json.Marshal(DeadLetter{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       string(record.Key),
		Value:     record.Value,
		Error:     cause.Error(),
		Attempts:  c.config.HandlerAttempts,
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := c.deadLetter.Publish(ctx, TopicDeadLetter, string(record.Key), value); err != nil {
		return err
	}

	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
	c.logger.Warn("message dead-lettered",
		zap.String("topic", record.Topic),
		zap.Int64("offset", record.Offset))
	return nil
}

func (c *Consumer) commit(record *kgo.Record) {
	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(c.ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	}
	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		DeadLettered:   c.deadLettered,
		LastCommitTime: c.lastCommitTime,
	}
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
}

func (c *Consumer) incrementMetrics(bytes int) {
	c.mu.Lock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
	c.mu.Unlock()
	c.metrics.Consumed(1)
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
