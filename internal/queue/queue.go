// Package queue receives job payloads from a message transport. Payloads
// are validated against an embedded JSON Schema before they are decoded.
package queue

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aikaara/assembly-lime/model"
)

//go:embed job.schema.json
var jobSchemaJSON string

var jobSchema = jsonschema.MustCompileString("job.schema.json", jobSchemaJSON)

// Handler processes one job. Errors are logged by the consumer; the
// payload is not redelivered.
type Handler func(ctx context.Context, job *model.Job) error

// Consumer delivers jobs to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handle Handler) error
	Close() error
}

// Producer enqueues jobs.
type Producer interface {
	Enqueue(ctx context.Context, job *model.Job) error
}

// DecodeJob validates raw against the job schema, decodes it and applies
// the job's own validation.
func DecodeJob(raw []byte) (*model.Job, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: job payload is not JSON: %v", model.ErrValidation, err)
	}
	if err := jobSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: job payload: %s", model.ErrValidation, schemaMessage(err))
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("%w: decoding job: %v", model.ErrValidation, err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// schemaMessage flattens a validation error to its leaf causes.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
