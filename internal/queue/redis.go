package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

type redisList interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Close() error
}

// Redis consumes jobs from a Redis list with BRPOP. Producers LPUSH, so
// jobs are processed in arrival order.
type Redis struct {
	client  redisList
	key     string
	block   time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewRedis connects to url (redis://host:port/db) and reads from key.
func NewRedis(url, key string, logger *zap.Logger) (*Redis, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedis(redis.NewClient(opts), key, logger), nil
}

func newRedis(client redisList, key string, logger *zap.Logger) *Redis {
	if key == "" {
		key = "lime:jobs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:  client,
		key:     key,
		block:   5 * time.Second,
		backoff: time.Second,
		logger:  logger.With(zap.String("component", "queue"), zap.String("transport", "redis")),
	}
}

// Consume pops jobs until ctx is done.
func (q *Redis) Consume(ctx context.Context, handle Handler) error {
	q.logger.Info("consuming jobs", zap.String("key", q.key))
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.client.BRPop(ctx, q.block, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("brpop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.backoff):
			}
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		deliver(ctx, q.logger, []byte(res[1]), handle)
	}
}

// Enqueue pushes job onto the list.
func (q *Redis) Enqueue(ctx context.Context, job *model.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

func (q *Redis) Close() error { return q.client.Close() }

// deliver decodes one payload and hands it to the handler. Invalid
// payloads are logged and dropped.
func deliver(ctx context.Context, logger *zap.Logger, raw []byte, handle Handler) {
	job, err := DecodeJob(raw)
	if err != nil {
		logger.Warn("dropping invalid job", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}
	if err := handle(ctx, job); err != nil {
		logger.Error("job handler failed", zap.String("run_id", job.RunID), zap.Error(err))
	}
}
