package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close()
}

// NATS is a Bus over core NATS subjects.
type NATS struct {
	conn   natsConn
	prefix string
	logger *zap.Logger
}

// NewNATS connects to the NATS server at url.
func NewNATS(url, prefix string, logger *zap.Logger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("lime-eventbus"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: natsConnAdapter{conn}, prefix: prefix, logger: logger}, nil
}

func (b *NATS) Publish(runID string, env *model.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("encoding event for nats", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := b.conn.Publish(Subject(b.prefix, runID), raw); err != nil {
		b.logger.Warn("publishing event to nats", zap.String("run_id", runID), zap.Error(err))
	}
}

func (b *NATS) Subscribe(ctx context.Context, runID string) (<-chan *model.Envelope, func(), error) {
	out := make(chan *model.Envelope, subscriberBuffer)
	var (
		stopped int32
		mu      sync.RWMutex
		once    sync.Once
		sub     natsSubscription
	)
	done := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			atomic.StoreInt32(&stopped, 1)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Lock()
			close(out)
			mu.Unlock()
			close(done)
		})
	}

	sub, err := b.conn.Subscribe(Subject(b.prefix, runID), func(msg *nats.Msg) {
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		env := &model.Envelope{}
		if err := json.Unmarshal(msg.Data, env); err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		select {
		case out <- env:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", runID, err)
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()
	return out, unsubscribe, nil
}

func (b *NATS) Close() error {
	b.conn.Close()
	return nil
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a natsConnAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, handler)
}
