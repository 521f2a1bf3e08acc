// Package eventbus fans run events out to live subscribers (SSE, websocket,
// CLI followers). Events are persisted separately; a slow subscriber drops
// events rather than blocking the run.
package eventbus

import (
	"context"
	"sync"

	"github.com/aikaara/assembly-lime/model"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Bus is a per-run publish/subscribe channel.
type Bus interface {
	Publish(runID string, env *model.Envelope)
	// Subscribe returns a channel of events for runID and a function that
	// ends the subscription and closes the channel. The subscription also
	// ends when ctx is done.
	Subscribe(ctx context.Context, runID string) (<-chan *model.Envelope, func(), error)
	Close() error
}

// Memory is an in-process Bus.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch   chan *model.Envelope
	stop chan struct{}
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() {
		close(s.ch)
		close(s.stop)
	})
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: map[string]map[*memorySub]struct{}{}}
}

// Publish delivers env to every subscriber of runID without blocking.
func (b *Memory) Publish(runID string, env *model.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[runID] {
		select {
		case s.ch <- env:
		default:
		}
	}
}

func (b *Memory) Subscribe(ctx context.Context, runID string) (<-chan *model.Envelope, func(), error) {
	s := &memorySub{ch: make(chan *model.Envelope, subscriberBuffer), stop: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.ch, func() {}, nil
	}
	if b.subs[runID] == nil {
		b.subs[runID] = map[*memorySub]struct{}{}
	}
	b.subs[runID][s] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if subs := b.subs[runID]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.subs, runID)
			}
		}
		s.close()
		b.mu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-s.stop:
		}
	}()
	return s.ch, unsubscribe, nil
}

// Subscribers returns the number of live subscriptions for runID.
func (b *Memory) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Close ends every subscription.
func (b *Memory) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.subs = map[string]map[*memorySub]struct{}{}
	for _, s := range all {
		s.close()
	}
	b.mu.Unlock()
	return nil
}

// Subject returns the channel or subject name used for a run on
// networked buses.
func Subject(prefix, runID string) string {
	if prefix == "" {
		prefix = "lime.events"
	}
	return prefix + "." + runID
}
