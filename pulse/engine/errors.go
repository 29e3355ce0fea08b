package engine

import (
	"fmt"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/pulse/schema"
)

// ErrNotQueued is returned by QueueJob when the durable queue dropped the
// job, which happens when a live job already holds its singleton key.
var ErrNotQueued = errors.New("job not queued")

// DuplicateJobError is returned when a job name is registered twice.
type DuplicateJobError struct {
	Name string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q is already registered", e.Name)
}

// Is matches errors.ErrConflict.
func (e *DuplicateJobError) Is(target error) bool { return target == errors.ErrConflict }

// UnknownJobError is returned when queueing a name with no definition.
type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %q", e.Name)
}

// Is matches errors.ErrNotFound.
func (e *UnknownJobError) Is(target error) bool { return target == errors.ErrNotFound }

// ValidationError lists the rules a payload violated.
type ValidationError struct {
	JobName    string
	Subject    string // "params", "stats" or "completion info"
	Violations schema.Violations
	Err        error // set when the failure is not a rule violation
}

func (e *ValidationError) Error() string {
	detail := ""
	if len(e.Violations) > 0 {
		detail = e.Violations.Error()
	} else if e.Err != nil {
		detail = e.Err.Error()
	}
	return fmt.Sprintf("invalid %s for job %q: %s", e.Subject, e.JobName, detail)
}

// Is matches errors.ErrInvalidRequest.
func (e *ValidationError) Is(target error) bool { return target == errors.ErrInvalidRequest }

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if len(e.Violations) > 0 {
		return e.Violations
	}
	return nil
}

// newValidationError converts a schema failure into a ValidationError.
func newValidationError(jobName, subject string, err error) *ValidationError {
	ve := &ValidationError{JobName: jobName, Subject: subject}
	var violations schema.Violations
	if errors.As(err, &violations) {
		ve.Violations = violations
	} else {
		ve.Err = err
	}
	return ve
}

// NotFoundError is returned by CancelJob and RetryJob for unknown executions.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job execution %q not found", e.ID)
}

// Is matches errors.ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == errors.ErrNotFound }
