package headroom

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistogramMirror persists each (project, worker) byte-usage sample to
// Redis alongside the in-memory Estimator, so a restarted daemon can
// rehydrate its percentile histograms instead of falling back to cold-start
// defaults for every project it already has history for.
//
// Grounded on the internal/infra/redis_adapter.go connect-with-
// ping constructor; the list-based sample storage (RPUSH+LTRIM, capped at
// histogramCap) is this package's own design, since the adapter
// only wraps generic Set/Get, not a capped list.
type RedisHistogramMirror struct {
	rdb    *redis.Client
	prefix string
}

// DefaultKeyPrefix namespaces this daemon's samples in a shared Redis
// instance.
const DefaultKeyPrefix = "rcomp:headroom:"

// NewRedisHistogramMirror connects to addr and verifies connectivity with a
// bounded ping before returning.
func NewRedisHistogramMirror(addr, password string, db int, prefix string) (*RedisHistogramMirror, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("headroom: redis ping failed (%s): %w", addr, err)
	}
	return &RedisHistogramMirror{rdb: rdb, prefix: prefix}, nil
}

// Close shuts down the underlying client.
func (m *RedisHistogramMirror) Close() error {
	return m.rdb.Close()
}

func (m *RedisHistogramMirror) key(projectID, workerID string) string {
	return m.prefix + projectID + ":" + workerID
}

// Record appends one observed byte total and trims the list to
// histogramCap, mirroring Estimator.Observe's in-memory bound.
func (m *RedisHistogramMirror) Record(ctx context.Context, projectID, workerID string, totalBytes uint64) error {
	key := m.key(projectID, workerID)
	pipe := m.rdb.TxPipeline()
	pipe.RPush(ctx, key, totalBytes)
	pipe.LTrim(ctx, key, -histogramCap, -1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("headroom: recording sample: %w", err)
	}
	return nil
}

// Load fetches the persisted samples for (projectID, workerID), for
// rehydrating an Estimator's in-memory histogram at daemon startup.
func (m *RedisHistogramMirror) Load(ctx context.Context, projectID, workerID string) ([]float64, error) {
	raw, err := m.rdb.LRange(ctx, m.key(projectID, workerID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("headroom: loading samples: %w", err)
	}
	samples := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, parseErr := strconv.ParseFloat(s, 64)
		if parseErr != nil {
			continue
		}
		samples = append(samples, v)
	}
	return samples, nil
}

// ObserveMany feeds a batch of historical samples (oldest first) into the
// histogram for (projectID, workerID), used once at startup after Load.
func (e *Estimator) ObserveMany(projectID, workerID string, samples []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := histogramKey{projectID, workerID}
	h, ok := e.histograms[key]
	if !ok {
		h = &histogram{}
		e.histograms[key] = h
	}
	for _, s := range samples {
		h.observe(s)
	}
}
