package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aikaara/assembly-lime/model"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConn interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, group string, handler nats.MsgHandler) (natsSubscription, error)
	Close()
}

// NATS consumes jobs from a subject through a queue group, so each job
// goes to exactly one worker.
type NATS struct {
	conn    natsConn
	subject string
	group   string
	logger  *zap.Logger
}

// NewNATS connects to url and joins group on subject.
func NewNATS(url, subject, group string, logger *zap.Logger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("lime-queue"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATS(natsConnAdapter{conn}, subject, group, logger), nil
}

func newNATS(conn natsConn, subject, group string, logger *zap.Logger) *NATS {
	if subject == "" {
		subject = "lime.jobs"
	}
	if group == "" {
		group = "lime-workers"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{
		conn:    conn,
		subject: subject,
		group:   group,
		logger:  logger.With(zap.String("component", "queue"), zap.String("transport", "nats")),
	}
}

type ack struct {
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Consume handles messages one at a time until ctx is done. Requests that
// carry a reply subject get an ack with the run id or the error.
func (q *NATS) Consume(ctx context.Context, handle Handler) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(m *nats.Msg) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	q.logger.Info("consuming jobs", zap.String("subject", q.subject), zap.String("group", q.group))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			q.handle(ctx, m, handle)
		}
	}
}

func (q *NATS) handle(ctx context.Context, m *nats.Msg, handle Handler) {
	var reply ack
	job, err := DecodeJob(m.Data)
	if err != nil {
		q.logger.Warn("dropping invalid job", zap.Error(err), zap.Int("bytes", len(m.Data)))
		reply.Error = err.Error()
	} else if err := handle(ctx, job); err != nil {
		q.logger.Error("job handler failed", zap.String("run_id", job.RunID), zap.Error(err))
		reply.Error = err.Error()
	} else {
		reply.RunID = job.RunID
	}
	if m.Reply == "" {
		return
	}
	raw, _ := json.Marshal(reply)
	if err := q.conn.Publish(m.Reply, raw); err != nil {
		q.logger.Warn("acking job", zap.Error(err))
	}
}

// Enqueue publishes job on the subject.
func (q *NATS) Enqueue(_ context.Context, job *model.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.conn.Publish(q.subject, raw); err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	return nil
}

func (q *NATS) Close() error {
	q.conn.Close()
	return nil
}

type natsConnAdapter struct {
	*nats.Conn
}

func (a natsConnAdapter) QueueSubscribe(subject, group string, handler nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.QueueSubscribe(subject, group, handler)
}
