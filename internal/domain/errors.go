package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound is returned when a job cannot be found for the account
	ErrJobNotFound = errors.New("job not found")

	// ErrLeadNotFound is returned when a lead cannot be found for the account
	ErrLeadNotFound = errors.New("lead not found")

	// ErrCandidateNotFound is returned when a candidate cannot be found
	ErrCandidateNotFound = errors.New("candidate not found")

	// ErrNoJobAvailable is returned by ClaimNext when the queue has nothing to hand out.
	// It is not a failure.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrClaimConflict is returned when another worker won the conditional claim update
	ErrClaimConflict = errors.New("claim conflict: job already claimed or no longer pending")

	// ErrDuplicateJob is returned when an idempotency key was already used for the account
	ErrDuplicateJob = errors.New("job with this idempotency key already exists")

	// ErrStageAlreadySent is returned when a history append lost against a concurrent pass
	ErrStageAlreadySent = errors.New("stage already recorded as sent")

	// ErrOutreachActive is returned when starting a sequence for a lead that already runs one
	ErrOutreachActive = errors.New("lead already has an active outreach sequence")

	// ErrOutreachInactive is returned for operations that need a running sequence
	ErrOutreachInactive = errors.New("lead has no active outreach sequence")

	// ErrLeadBusy is returned when another scheduler pass holds the lead claim
	ErrLeadBusy = errors.New("lead is claimed by another scheduler pass")

	// ErrNothingToResend is returned when a manual resend finds no sent stage
	ErrNothingToResend = errors.New("no sent stage to resend")

	// ErrMissingCredential is returned when an account has no credential for a collaborator
	ErrMissingCredential = errors.New("missing credential")

	// ErrNoContactFound is returned by an enrichment provider that found no way to reach
	// the business
	ErrNoContactFound = errors.New("no contact found")

	// ErrInvalidPayload is returned when a stored job payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// FieldError describes one rejected input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when an enqueue or create request is rejected synchronously.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a rejected field
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns e when at least one field was rejected
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError creates a ValidationError for a single field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// UpstreamError wraps a failure of an external collaborator (search API, enrichment API,
// mail transport).
type UpstreamError struct {
	Service    string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError creates an UpstreamError
func NewUpstreamError(service string, statusCode int, transient bool, err error) error {
	return &UpstreamError{Service: service, StatusCode: statusCode, Transient: transient, Err: err}
}

// IsTransient reports whether err is an upstream failure worth retrying soon
func IsTransient(err error) bool {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Transient
	}
	return false
}

// TemplateError is returned when a stage message cannot be rendered
type TemplateError struct {
	Stage string
	Err   error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Stage, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// StaleClaimError is returned when a worker acts on a job it no longer holds: the lease
// expired and the job was reclaimed, or it was cancelled underneath the worker.
type StaleClaimError struct {
	JobID    string
	WorkerID string
	Status   string
}

func (e *StaleClaimError) Error() string {
	return fmt.Sprintf("stale claim on job %s by %s (current status %s)", e.JobID, e.WorkerID, e.Status)
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
