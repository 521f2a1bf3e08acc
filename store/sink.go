package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aikaara/assembly-lime/model"
)

// LocalSink persists events and records and publishes events to live
// subscribers.
type LocalSink struct {
	events  EventStore
	records RecordStore
	bus     Publisher
}

// NewLocalSink returns a sink over the given stores. bus may be nil.
func NewLocalSink(events EventStore, records RecordStore, bus Publisher) *LocalSink {
	return &LocalSink{events: events, records: records, bus: bus}
}

// Emit stores ev and then publishes it with its assigned sequence number.
func (s *LocalSink) Emit(ctx context.Context, runID string, ev model.AgentEvent) error {
	env, err := model.Encode(runID, ev)
	if err != nil {
		return err
	}
	if err := s.events.AddEvent(ctx, env); err != nil {
		return fmt.Errorf("storing %s event: %w", ev.Kind(), err)
	}
	if s.bus != nil {
		s.bus.Publish(runID, env)
	}
	return nil
}

// Record marshals payload and stores it.
func (s *LocalSink) Record(ctx context.Context, runID string, kind model.RecordKind, payload any) error {
	if s.records == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", kind, err)
	}
	return s.records.AddRecord(ctx, runID, kind, b)
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, runID string, ev model.AgentEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, runID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiRecordSink delivers to every record sink and joins their errors.
type MultiRecordSink []RecordSink

func (m MultiRecordSink) Record(ctx context.Context, runID string, kind model.RecordKind, payload any) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, runID, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
