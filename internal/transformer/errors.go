package transformer

import (
	"errors"
	"fmt"

	"github.com/example/record-import-transformer/internal/common"
)

// Phase sentinels. Every error returned by Pipeline.Run matches exactly one of
// them through errors.Is, except a publish failure whose teardown also failed,
// which matches both ErrPublish and ErrTeardown.
var (
	ErrRead         = errors.New("read blob content failed")
	ErrTransform    = errors.New("transformation failed")
	ErrValidation   = errors.New("validation failed")
	ErrReporting    = errors.New("metadata update failed")
	ErrProvisioning = errors.New("queue provisioning failed")
	ErrPublish      = errors.New("publish failed")
	ErrTeardown     = errors.New("queue teardown failed")
)

var phaseNames = map[error]string{
	ErrRead:         "read",
	ErrTransform:    "transform",
	ErrValidation:   "validation",
	ErrReporting:    "reporting",
	ErrProvisioning: "provisioning",
	ErrPublish:      "publish",
	ErrTeardown:     "teardown",
}

// Error reports which phase of a batch failed. Sent carries the number of
// records already delivered to the broker when the failure happened.
type Error struct {
	Phase  error
	BlobID string
	Sent   int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("transformer: blob %s: %s", e.BlobID, e.Phase)
	if e.Phase == ErrPublish || e.Phase == ErrTeardown {
		msg += fmt.Sprintf(" (%d record(s) sent)", e.Sent)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, 2)
	if e.Phase != nil {
		errs = append(errs, e.Phase)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func phaseError(phase error, blobID string, sent int, err error) *Error {
	return &Error{Phase: phase, BlobID: blobID, Sent: sent, Err: err}
}

// PhaseName returns the short name of the phase err failed in, or an empty
// string when err did not come from the pipeline.
func PhaseName(err error) string {
	var pe *Error
	if !errors.As(err, &pe) {
		return ""
	}
	return phaseNames[pe.Phase]
}

// Retryable reports whether a caller may run the batch again. Only transient
// failures that happened before any record could reach the broker qualify;
// re-running after a partial publish would duplicate messages.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Phase {
	case ErrRead, ErrReporting, ErrProvisioning:
		return common.IsTransient(pe.Err)
	default:
		return false
	}
}
