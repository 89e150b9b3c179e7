package sink

import "errors"

// Unrecoverable is implemented by errors that may fail the task. The host
// restarts a failed task with the same configuration.
type Unrecoverable interface {
	error
	IsUnrecoverable() bool
}

// IsUnrecoverable reports whether an error in err's chain is unrecoverable.
func IsUnrecoverable(err error) bool {
	var u Unrecoverable
	return errors.As(err, &u) && u.IsUnrecoverable()
}
