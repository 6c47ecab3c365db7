// Package driver dispatches provisioning calls to cloud-specific
// implementations and defines the opaque handle/outputs contract the
// reconciler and IaC backend build on.
package driver

import (
	"context"
	"encoding/json"

	"github.com/nclav-io/nclav/pkg/domain"
)

// Handle is an opaque, driver-defined value used to reference a
// provisioned resource across reconcile cycles.
type Handle = json.RawMessage

// ProvisionResult is returned by every mutating Driver call.
type ProvisionResult struct {
	Handle  Handle
	Outputs map[string]string
}

// ObservedState is a read-only snapshot of a resource as it exists in
// the cloud right now, used by the drift-detection path. Observe
// calls never modify cloud state.
type ObservedState struct {
	Exists  bool
	Healthy bool
	Outputs map[string]string
	Raw     Handle
}

// Driver provisions, tears down, and observes one cloud's resources
// on behalf of the reconciler.
type Driver interface {
	Name() string

	ProvisionEnclave(ctx context.Context, enclave *domain.Enclave, existing Handle) (*ProvisionResult, error)
	TeardownEnclave(ctx context.Context, enclave *domain.Enclave, handle Handle) error

	ProvisionPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, resolvedInputs map[string]string, existing Handle) (*ProvisionResult, error)
	TeardownPartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, handle Handle) error

	ProvisionExport(ctx context.Context, enclave *domain.Enclave, export *domain.Export, partitionOutputs map[string]string, existing Handle) (*ProvisionResult, error)
	ProvisionImport(ctx context.Context, importer *domain.Enclave, imp *domain.Import, exportHandle Handle, existing Handle) (*ProvisionResult, error)

	// ObserveEnclave and ObservePartition read current cloud state
	// without mutating anything; used for drift detection.
	ObserveEnclave(ctx context.Context, enclave *domain.Enclave, handle Handle) (*ObservedState, error)
	ObservePartition(ctx context.Context, enclave *domain.Enclave, partition *domain.Partition, handle Handle) (*ObservedState, error)

	// ContextVars returns cloud-specific Terraform variable values
	// (written to nclav_context.auto.tfvars), derived from the
	// enclave's handle.
	ContextVars(enclave *domain.Enclave, handle Handle) map[string]string
	// AuthEnv returns environment variables the Terraform subprocess
	// needs for cloud authentication. Never written to disk.
	AuthEnv(enclave *domain.Enclave, handle Handle) map[string]string
}
