package graph

import (
	"fmt"
	"strings"

	"github.com/nclav-io/nclav/pkg/domain"
)

// Error is the graph validator's error type. The Kind discriminates
// which invariant failed; the struct carries only the fields relevant
// to that kind, mirroring the tagged-union error shape of the original
// validator.
type Error struct {
	Kind string

	Importer   domain.EnclaveID
	From       domain.EnclaveID
	ExportName string

	ImportType string
	ExportType string

	Partition    domain.PartitionID
	ProducesType string
	Key          string

	// Multiple holds the accumulated errors when Kind == "multiple".
	Multiple []*Error
}

const (
	KindDanglingImportEnclave  = "dangling_import_enclave"
	KindDanglingImportExport   = "dangling_import_export"
	KindAccessDenied           = "access_denied"
	KindTypeMismatch           = "type_mismatch"
	KindProducesExportMismatch = "produces_export_mismatch"
	KindMissingRequiredOutput  = "missing_required_output"
	KindCycleDetected          = "cycle_detected"
	KindMultiple               = "multiple"
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindDanglingImportEnclave:
		return fmt.Sprintf("dangling import: enclave %q imports from unknown enclave %q", e.Importer, e.From)
	case KindDanglingImportExport:
		return fmt.Sprintf("dangling import: enclave %q imports export %q which does not exist on %q", e.Importer, e.ExportName, e.From)
	case KindAccessDenied:
		return fmt.Sprintf("access denied: enclave %q is not permitted to import %q from %q", e.Importer, e.ExportName, e.From)
	case KindTypeMismatch:
		return fmt.Sprintf("type mismatch: enclave %q imports %q as %s but it is %s", e.Importer, e.ExportName, e.ImportType, e.ExportType)
	case KindProducesExportMismatch:
		return fmt.Sprintf("produces/export mismatch: partition %q produces %s but is targeted by export %q of type %s", e.Partition, e.ProducesType, e.ExportName, e.ExportType)
	case KindMissingRequiredOutput:
		return fmt.Sprintf("missing required output: partition %q produces %s but does not declare output %q", e.Partition, e.ProducesType, e.Key)
	case KindCycleDetected:
		return "cycle detected in enclave dependency graph"
	case KindMultiple:
		parts := make([]string, len(e.Multiple))
		for i, m := range e.Multiple {
			parts[i] = m.Error()
		}
		return "multiple errors: " + strings.Join(parts, "; ")
	default:
		return "graph error: " + e.Kind
	}
}

// AsMultiple flattens a non-empty error slice into a single error: the
// lone error itself if there's exactly one, otherwise a KindMultiple
// wrapper — matching the original validator's errors.remove(0) shortcut.
func AsMultiple(errs []*Error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &Error{Kind: KindMultiple, Multiple: errs}
}
