// Package redis caches per-patient adherence tolerances in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "adherence:tolerance:"
	DefaultTTL = 10 * time.Minute
)

// Config holds Redis connection settings
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewClient creates a client and verifies connectivity
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// ToleranceCache is a read-through cache in front of a ToleranceStore. Redis
// failures fall back to the store; they never fail a lookup.
type ToleranceCache struct {
	client redis.Cmdable
	next   adherence.ToleranceStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewToleranceCache wraps next with a Redis cache
func NewToleranceCache(client redis.Cmdable, next adherence.ToleranceStore, ttl time.Duration, logger *zap.Logger) *ToleranceCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ToleranceCache{client: client, next: next, ttl: ttl, logger: logger}
}

func key(patientID string) string {
	return keyPrefix + patientID
}

// cached marks whether a patient has settings, so misses are cached too.
type cached struct {
	Found     bool                `json:"found"`
	Tolerance adherence.Tolerance `json:"tolerance"`
}

// Get implements adherence.ToleranceStore.
func (c *ToleranceCache) Get(ctx context.Context, patientID string) (*adherence.Tolerance, error) {
	data, err := c.client.Get(ctx, key(patientID)).Bytes()
	switch {
	case err == nil:
		var entry cached
		if err := json.Unmarshal(data, &entry); err == nil {
			if !entry.Found {
				return nil, nil
			}
			t := entry.Tolerance
			return &t, nil
		}
		c.logger.Warn("discarding malformed tolerance cache entry", zap.String("patient_id", patientID))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("tolerance cache read failed", zap.String("patient_id", patientID), zap.Error(err))
	}

	t, err := c.next.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}

	entry := cached{Found: t != nil}
	if t != nil {
		entry.Tolerance = *t
	}
	c.store(ctx, patientID, entry)
	return t, nil
}

// Put writes through to the store and drops the cached entry.
func (c *ToleranceCache) Put(ctx context.Context, patientID string, t adherence.Tolerance) error {
	if err := c.next.Put(ctx, patientID, t); err != nil {
		return err
	}
	if err := c.client.Del(ctx, key(patientID)).Err(); err != nil {
		c.logger.Warn("tolerance cache invalidation failed", zap.String("patient_id", patientID), zap.Error(err))
	}
	return nil
}

func (c *ToleranceCache) store(ctx context.Context, patientID string, entry cached) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(patientID), data, c.ttl).Err(); err != nil {
		c.logger.Debug("tolerance cache write failed", zap.String("patient_id", patientID), zap.Error(err))
	}
}
