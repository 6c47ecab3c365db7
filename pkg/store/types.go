// Package store persists enclave/partition reconciliation state, the
// audit event log, Terraform remote state + locks, and the IaC run
// log behind a single StateStore interface with interchangeable
// embedded and SQL backends.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nclav-io/nclav/pkg/domain"
)

// Handle is an opaque driver handle — whatever a driver returned from
// a provision call, round-tripped as JSON.
type Handle = json.RawMessage

// PartitionState is the last-known state of one partition.
type PartitionState struct {
	Desired         domain.Partition  `json:"desired"`
	PartitionHandle Handle            `json:"partition_handle,omitempty"`
	ResolvedOutputs map[string]string `json:"resolved_outputs,omitempty"`
}

// EnclaveState is the last-known state of one enclave, including every
// partition beneath it.
type EnclaveState struct {
	Desired          domain.Enclave             `json:"desired"`
	EnclaveHandle    Handle                     `json:"enclave_handle,omitempty"`
	Partitions       map[string]PartitionState  `json:"partitions,omitempty"`
	ExportHandles    map[string]Handle          `json:"export_handles,omitempty"`
	ImportHandles    map[string]Handle          `json:"import_handles,omitempty"`
	LastReconciledAt *time.Time                 `json:"last_reconciled_at,omitempty"`
}

// NewEnclaveState wraps a freshly-loaded desired enclave with empty
// runtime state.
func NewEnclaveState(desired domain.Enclave) EnclaveState {
	return EnclaveState{
		Desired:       desired,
		Partitions:    make(map[string]PartitionState),
		ExportHandles: make(map[string]Handle),
		ImportHandles: make(map[string]Handle),
	}
}

// AuditEventKind discriminates AuditEvent payloads.
type AuditEventKind string

const (
	EventReconcileStarted     AuditEventKind = "reconcile_started"
	EventReconcileCompleted   AuditEventKind = "reconcile_completed"
	EventEnclaveProvisioned   AuditEventKind = "enclave_provisioned"
	EventPartitionProvisioned AuditEventKind = "partition_provisioned"
	EventExportWired          AuditEventKind = "export_wired"
	EventImportWired          AuditEventKind = "import_wired"
	EventEnclaveError         AuditEventKind = "enclave_error"
)

// AuditEvent is one entry in the append-only reconciliation log.
type AuditEvent struct {
	Kind AuditEventKind `json:"kind"`
	ID   uuid.UUID      `json:"id"`
	At   time.Time      `json:"at"`

	DryRun  bool `json:"dry_run,omitempty"`
	Changes int  `json:"changes,omitempty"`

	EnclaveID   domain.EnclaveID   `json:"enclave_id,omitempty"`
	PartitionID domain.PartitionID `json:"partition_id,omitempty"`
	ExportName  string             `json:"export_name,omitempty"`

	ImporterEnclave domain.EnclaveID `json:"importer_enclave,omitempty"`

	Message string `json:"message,omitempty"`
}

// RelatedEnclave returns the enclave an event concerns, if any — used
// to filter the event log by enclave.
func (e AuditEvent) RelatedEnclave() (domain.EnclaveID, bool) {
	switch e.Kind {
	case EventEnclaveProvisioned, EventPartitionProvisioned, EventExportWired, EventEnclaveError:
		return e.EnclaveID, e.EnclaveID != ""
	case EventImportWired:
		return e.ImporterEnclave, e.ImporterEnclave != ""
	default:
		return "", false
	}
}

// IacOperation is the kind of Terraform/OpenTofu invocation a run
// record describes.
type IacOperation string

const (
	IacOperationProvision IacOperation = "provision"
	IacOperationTeardown  IacOperation = "teardown"
)

// IacRunStatus is the terminal outcome of an IaC run.
type IacRunStatus string

const (
	IacRunSucceeded IacRunStatus = "succeeded"
	IacRunFailed    IacRunStatus = "failed"
)

// IacRun is one logged Terraform/OpenTofu subprocess invocation.
type IacRun struct {
	ID              uuid.UUID          `json:"id"`
	EnclaveID       domain.EnclaveID   `json:"enclave_id"`
	PartitionID     domain.PartitionID `json:"partition_id"`
	Operation       IacOperation       `json:"operation"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Status          IacRunStatus       `json:"status"`
	ExitCode        *int               `json:"exit_code,omitempty"`
	Log             string             `json:"log"`
	ReconcileRunID  *uuid.UUID         `json:"reconcile_run_id,omitempty"`
}
