package domain

import "fmt"

// Error is raised when a value read from YAML cannot be turned into a
// valid domain value (as opposed to graph.Error, which is raised once
// every enclave's fields are individually well-formed but the set as a
// whole violates a cross-enclave invariant).
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ErrInvalidEnclaveID(id string) error {
	return newError("invalid_enclave_id", "%q", id)
}

func ErrInvalidPartitionID(id string) error {
	return newError("invalid_partition_id", "%q", id)
}

func ErrInvalidExportName(name string) error {
	return newError("invalid_export_name", "%q", name)
}

func ErrIncompatibleAuthType(auth AuthType, et ExportType) error {
	return newError("incompatible_auth_type", "auth %q for export type %q", auth, et)
}

func ErrMissingRequiredOutput(key string, produces ProducesType) error {
	return newError("missing_required_output", "key %q for produces type %q", key, produces)
}

func ErrInvalidConfig(msg string) error {
	return newError("invalid_config", "%s", msg)
}
