// Package resultstatus defines the closed status taxonomy every
// dispatcher-facing operation reports instead of letting a bare Go error
// escape to the caller (SPEC_FULL.md §6.1): "All operations ... never
// throw to the caller — errors are encoded as {status: error|forbidden|
// not_found|rate_limited|queue_full|pending_approval|unauthorized, error:
// string}". internal/dispatch and internal/query both wrap their failure
// paths in this package's errors so the classification lives next to the
// error that caused it, rather than in a growing switch statement at the
// boundary.
package resultstatus

import "errors"

const (
	StatusError           = "error"
	StatusForbidden       = "forbidden"
	StatusNotFound        = "not_found"
	StatusRateLimited     = "rate_limited"
	StatusQueueFull       = "queue_full"
	StatusPendingApproval = "pending_approval"
	StatusUnauthorized    = "unauthorized"

	// Success-path statuses. Not part of the closed failure taxonomy above,
	// but kept here so dispatch.Result never mixes literal strings with
	// named constants for what is fundamentally the same field.
	StatusQueued     = "queued"
	StatusDispatched = "dispatched"
)

// Classifier is implemented by an error that knows which status it maps to.
type Classifier interface {
	ResultStatus() string
}

type classifiedError struct {
	status string
	err    error
}

func (e *classifiedError) Error() string        { return e.err.Error() }
func (e *classifiedError) Unwrap() error        { return e.err }
func (e *classifiedError) ResultStatus() string { return e.status }

// Wrap annotates err with status, so Classify(err) later recovers it.
func Wrap(status string, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{status: status, err: err}
}

// Classify walks err's Unwrap chain for a Classifier and returns its
// status, defaulting to StatusError for an error with no classification —
// an unclassified failure is still reported, just without a more specific
// taxonomy entry.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.ResultStatus()
	}
	return StatusError
}
