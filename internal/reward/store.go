// Package reward persists computed action rewards and serves aggregate
// statistics over them.
//
// Rewards live in Redis hashes keyed "rewards:<situation>:<intent>" with one
// field per actuator id. Fields are incremented with HINCRBYFLOAT so repeated
// feedback for the same composite key accumulates. Persistence is
// fire-and-forget: a failed write is logged and dropped, never surfaced to
// the frame path.
package reward

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perkell/syrinx/internal/knowledge"
)

const defaultOpTimeout = 2 * time.Second

// Store persists rewards to Redis. Safe for concurrent use.
type Store struct {
	client  *redis.Client
	log     *slog.Logger
	timeout time.Duration
}

// StoreOption is a functional option for [NewStore].
type StoreOption func(*Store)

// WithOpTimeout bounds each Redis operation. Default: 2s.
func WithOpTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.timeout = d }
}

// WithStoreLogger sets the logger. Default: slog.Default.
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore creates a Store over an existing Redis client.
func NewStore(client *redis.Client, opts ...StoreOption) *Store {
	s := &Store{
		client:  client,
		log:     slog.Default(),
		timeout: defaultOpTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// hashKey returns the Redis hash key for one situation/intent pair.
func hashKey(k knowledge.CompositeKey) string {
	return "rewards:" + k.SituationHash + ":" + k.Intent
}

// Record persists delta for key without blocking the caller. The write runs
// on its own goroutine under the store's operation timeout; failures are
// logged and the update is lost.
func (s *Store) Record(key knowledge.CompositeKey, delta float64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		total, err := s.client.HIncrByFloat(ctx, hashKey(key), key.ActuatorID, delta).Result()
		if err != nil {
			s.log.Warn("reward persistence failed",
				"key", key.String(),
				"delta", delta,
				"error", err)
			return
		}
		s.log.Debug("reward persisted",
			"key", key.String(),
			"delta", delta,
			"total", total)
	}()
}

// Ping verifies Redis connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stats summarises the persisted reward table.
type Stats struct {
	// Situations is the number of distinct situation/intent hashes.
	Situations int

	// Entries is the total number of actuator entries across all hashes.
	Entries int

	// Successes counts entries with a positive accumulated reward.
	Successes int

	// Failures counts entries with a zero or negative accumulated reward.
	Failures int

	// SuccessRate is Successes/Entries, or 0 when the table is empty.
	SuccessRate float64

	// ActuatorTotals sums accumulated rewards per actuator id across all
	// situations.
	ActuatorTotals map[string]float64
}

// Stats scans the reward keyspace and aggregates it. Intended for the
// operational stats endpoint, not the frame path.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ActuatorTotals: make(map[string]float64)}

	iter := s.client.Scan(ctx, 0, "rewards:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("reward store: read %s: %w", key, err)
		}
		stats.Situations++
		for actuator, raw := range fields {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				s.log.Warn("skipping malformed reward value",
					"key", key,
					"field", actuator,
					"value", raw)
				continue
			}
			stats.Entries++
			stats.ActuatorTotals[actuator] += v
			if v > 0 {
				stats.Successes++
			} else {
				stats.Failures++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("reward store: scan: %w", err)
	}

	if stats.Entries > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Entries)
	}
	return stats, nil
}
