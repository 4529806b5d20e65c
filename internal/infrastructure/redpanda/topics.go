// Package redpanda provides topic management and configuration.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for dose events
const (
	TopicDoseCompleted = "dose.completed"
	TopicDoseReminders = "dose.reminders"
	TopicDeadLetter    = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout. Dose events are keyed by patient id.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	return []TopicConfig{
		{
			Name:              TopicDoseCompleted,
			Partitions:        12,
			ReplicationFactor: 1, // 3 in production
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDoseReminders,
			Partitions:        12,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr("86400000"), // reminders are stale after a day
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics, skipping ones that already exist
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every dose topic
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// GetConsumerGroupLag returns the lag per topic and partition for a consumer group
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
