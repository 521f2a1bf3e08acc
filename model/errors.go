package model

import "errors"

var (
	// ErrValidation marks input the caller can correct: bad job payloads,
	// ambiguous edits, paths escaping the workspace, missing candidates.
	ErrValidation = errors.New("validation error")

	// ErrProvisioning marks fatal infrastructure failures such as sandbox
	// creation, clone or push.
	ErrProvisioning = errors.New("provisioning error")

	// ErrCancelled is returned when a run was cancelled externally.
	ErrCancelled = errors.New("run cancelled")

	// ErrApprovalTimeout is returned when an approval wait expires.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when a terminal run would change status.
	ErrTerminal = errors.New("run is in a terminal state")
)
