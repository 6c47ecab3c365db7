package store

import "fmt"

// Error is returned for all StateStore failures.
type Error struct {
	Kind   string
	Holder string // set only for LockConflict
	Err    error
}

const (
	KindEnclaveNotFound = "enclave_not_found"
	KindLockConflict    = "lock_conflict"
	KindSerialization   = "serialization"
	KindInternal        = "internal"
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindEnclaveNotFound:
		return fmt.Sprintf("enclave not found: %v", e.Err)
	case KindLockConflict:
		return fmt.Sprintf("state locked by %s", e.Holder)
	case KindSerialization:
		return fmt.Sprintf("serialization error: %v", e.Err)
	default:
		return fmt.Sprintf("internal store error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func ErrEnclaveNotFound(id string) error {
	return &Error{Kind: KindEnclaveNotFound, Err: fmt.Errorf("%s", id)}
}

func ErrLockConflict(holder string) error {
	return &Error{Kind: KindLockConflict, Holder: holder}
}

func ErrSerialization(err error) error {
	return &Error{Kind: KindSerialization, Err: err}
}

func ErrInternal(err error) error {
	return &Error{Kind: KindInternal, Err: err}
}

// IsLockConflict reports whether err is a lock-conflict error, and if
// so, the current holder's lock ID.
func IsLockConflict(err error) (holder string, ok bool) {
	se, is := err.(*Error)
	if !is || se.Kind != KindLockConflict {
		return "", false
	}
	return se.Holder, true
}
