package reconciler

import "fmt"

// Error is returned by Reconcile for failures in the load, validate,
// or ordered-provisioning phases. Phase identifies which phase failed;
// the underlying error is usually a *config.Error, *graph.Error, or
// a *driver.Error.
type Error struct {
	Phase string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile: %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func loadError(err error) error     { return &Error{Phase: "load", Err: err} }
func validateError(err error) error { return &Error{Phase: "validate", Err: err} }
func storeError(err error) error    { return &Error{Phase: "store", Err: err} }
func driverError(err error) error   { return &Error{Phase: "driver", Err: err} }
