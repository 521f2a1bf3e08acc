package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// Redis is a Bus over Redis pub/sub, for deployments where the API server
// and workers run in separate processes.
type Redis struct {
	client redisClient
	prefix string
	logger *zap.Logger
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(url, prefix string, logger *zap.Logger) (*Redis, error) {
	if url == "" {
		url = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		client: &redisClientAdapter{Client: redis.NewClient(opts)},
		prefix: prefix,
		logger: logger,
	}, nil
}

// Publish sends env on the run's channel. Failures are logged.
func (b *Redis) Publish(runID string, env *model.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("encoding event for redis", zap.String("run_id", runID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, Subject(b.prefix, runID), raw).Err(); err != nil {
		b.logger.Warn("publishing event to redis", zap.String("run_id", runID), zap.Error(err))
	}
}

func (b *Redis) Subscribe(ctx context.Context, runID string) (<-chan *model.Envelope, func(), error) {
	pubSub := b.client.Subscribe(ctx, Subject(b.prefix, runID))
	if pubSub == nil {
		return nil, nil, fmt.Errorf("subscribe failed")
	}
	rawCh := pubSub.Channel()
	out := make(chan *model.Envelope, subscriberBuffer)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = pubSub.Close()
			close(stop)
		})
	}
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-rawCh:
				if !ok {
					return
				}
				env := &model.Envelope{}
				if err := json.Unmarshal([]byte(msg.Payload), env); err != nil {
					continue
				}
				select {
				case out <- env:
				default:
				}
			}
		}
	}()
	return out, unsubscribe, nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}
