package driver

import (
	"fmt"

	"github.com/nclav-io/nclav/pkg/domain"
)

// Error is returned by every Driver and Registry operation.
type Error struct {
	Kind  string
	Cloud domain.CloudTarget
	Err   error
}

const (
	KindProvisionFailed    = "provision_failed"
	KindTeardownFailed     = "teardown_failed"
	KindDriverNotConfigured = "driver_not_configured"
	KindInternal           = "internal"
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindProvisionFailed:
		return fmt.Sprintf("provision failed: %v", e.Err)
	case KindTeardownFailed:
		return fmt.Sprintf("teardown failed: %v", e.Err)
	case KindDriverNotConfigured:
		return fmt.Sprintf("no driver configured for cloud %q", e.Cloud)
	default:
		return fmt.Sprintf("internal driver error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func ErrProvisionFailed(format string, args ...any) error {
	return &Error{Kind: KindProvisionFailed, Err: fmt.Errorf(format, args...)}
}

func ErrTeardownFailed(format string, args ...any) error {
	return &Error{Kind: KindTeardownFailed, Err: fmt.Errorf(format, args...)}
}

func ErrDriverNotConfigured(cloud domain.CloudTarget) error {
	return &Error{Kind: KindDriverNotConfigured, Cloud: cloud}
}

func ErrInternal(format string, args ...any) error {
	return &Error{Kind: KindInternal, Err: fmt.Errorf(format, args...)}
}
