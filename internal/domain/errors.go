package domain

import "github.com/pkg/errors"

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// PermanentError marks an orchestration failure the job runner must not
// retry: the schedule is missing, or it has nothing to publish to.
// Platform-level failures never take this form; they are captured as
// PublishResult data. Infra errors stay plain so retry machinery applies.
type PermanentError struct {
	err error
}

// Permanent wraps err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err: err}
}

// Permanentf formats a new non-retriable error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{err: errors.Errorf(format, args...)}
}

func (e *PermanentError) Error() string { return e.err.Error() }
func (e *PermanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err (or anything it wraps) is marked
// non-retriable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
