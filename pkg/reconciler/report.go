package reconciler

import (
	"github.com/nclav-io/nclav/pkg/domain"
)

// Request is the input to Reconcile.
type Request struct {
	EnclavesDir string
	DryRun      bool
	// ApiBase is nclav's own base URL, passed through to the IaC
	// backend for the Terraform HTTP state backend address.
	ApiBase string
	// AuthToken is nclav's bearer token, passed through to the IaC
	// backend as TF_HTTP_PASSWORD. Never logged.
	AuthToken string
}

// ChangeKind discriminates a Change's payload.
type ChangeKind string

const (
	ChangeEnclaveCreated   ChangeKind = "enclave_created"
	ChangeEnclaveUpdated   ChangeKind = "enclave_updated"
	ChangeEnclaveDeleted   ChangeKind = "enclave_deleted"
	ChangePartitionCreated ChangeKind = "partition_created"
	ChangePartitionUpdated ChangeKind = "partition_updated"
	ChangeExportWired      ChangeKind = "export_wired"
	ChangeImportWired      ChangeKind = "import_wired"
)

// Change is one detected or applied difference between desired and
// actual state.
type Change struct {
	Kind ChangeKind

	EnclaveID   domain.EnclaveID
	PartitionID domain.PartitionID

	ExportName string

	ImporterEnclave domain.EnclaveID
	Alias           string
}

// Report is the result of one Reconcile call.
type Report struct {
	DryRun  bool
	Changes []Change
	Errors  []string
}

func newReport(dryRun bool) *Report {
	return &Report{DryRun: dryRun, Changes: []Change{}, Errors: []string{}}
}
