package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/log"
)

// LocalDriver simulates infrastructure locally: it produces synthetic
// handles, stubs required outputs with local:// values, and performs
// no real I/O. Used for development and for enclaves whose cloud is
// "local".
type LocalDriver struct{}

// NewLocalDriver returns a ready LocalDriver.
func NewLocalDriver() *LocalDriver { return &LocalDriver{} }

func (d *LocalDriver) Name() string { return "local" }

func (d *LocalDriver) ProvisionEnclave(_ context.Context, enclave *domain.Enclave, _ Handle) (*ProvisionResult, error) {
	log.WithComponent("driver.local").Debug().Str("enclave_id", string(enclave.ID)).Msg("provision_enclave")
	handle := mustMarshal(map[string]any{
		"driver": "local", "kind": "enclave", "id": string(enclave.ID), "cloud": "local",
	})
	return &ProvisionResult{Handle: handle, Outputs: map[string]string{}}, nil
}

func (d *LocalDriver) TeardownEnclave(_ context.Context, enclave *domain.Enclave, _ Handle) error {
	log.WithComponent("driver.local").Debug().Str("enclave_id", string(enclave.ID)).Msg("teardown_enclave")
	return nil
}

func (d *LocalDriver) ProvisionPartition(_ context.Context, enclave *domain.Enclave, partition *domain.Partition, _ map[string]string, _ Handle) (*ProvisionResult, error) {
	log.WithComponent("driver.local").Debug().
		Str("enclave_id", string(enclave.ID)).
		Str("partition_id", string(partition.ID)).
		Msg("provision_partition")

	handle := mustMarshal(map[string]any{
		"driver": "local", "kind": "partition",
		"enclave_id": string(enclave.ID), "partition_id": string(partition.ID),
	})

	outputs := map[string]string{}
	if partition.Produces != "" {
		for _, key := range partition.Produces.RequiredOutputs() {
			outputs[key] = fmt.Sprintf("local://%s/%s", partition.ID, key)
		}
	}
	return &ProvisionResult{Handle: handle, Outputs: outputs}, nil
}

func (d *LocalDriver) TeardownPartition(_ context.Context, _ *domain.Enclave, partition *domain.Partition, _ Handle) error {
	log.WithComponent("driver.local").Debug().Str("partition_id", string(partition.ID)).Msg("teardown_partition")
	return nil
}

func (d *LocalDriver) ProvisionExport(_ context.Context, enclave *domain.Enclave, export *domain.Export, partitionOutputs map[string]string, _ Handle) (*ProvisionResult, error) {
	log.WithComponent("driver.local").Debug().
		Str("enclave_id", string(enclave.ID)).Str("export", export.Name).Msg("provision_export")

	handle := mustMarshal(map[string]any{
		"driver": "local", "kind": "export",
		"enclave_id": string(enclave.ID), "export_name": export.Name, "outputs": partitionOutputs,
	})
	return &ProvisionResult{Handle: handle, Outputs: copyMap(partitionOutputs)}, nil
}

func (d *LocalDriver) ProvisionImport(_ context.Context, importer *domain.Enclave, imp *domain.Import, exportHandle Handle, _ Handle) (*ProvisionResult, error) {
	log.WithComponent("driver.local").Debug().
		Str("importer", string(importer.ID)).Str("alias", imp.Alias).Msg("provision_import")

	var parsed struct {
		Outputs map[string]string `json:"outputs"`
	}
	outputs := map[string]string{}
	if exportHandle != nil {
		if err := json.Unmarshal(exportHandle, &parsed); err == nil && parsed.Outputs != nil {
			outputs = parsed.Outputs
		}
	}

	handle := mustMarshal(map[string]any{
		"driver": "local", "kind": "import",
		"importer_enclave": string(importer.ID), "alias": imp.Alias, "outputs": outputs,
	})
	return &ProvisionResult{Handle: handle, Outputs: outputs}, nil
}

func (d *LocalDriver) ObserveEnclave(_ context.Context, _ *domain.Enclave, handle Handle) (*ObservedState, error) {
	return &ObservedState{Exists: handle != nil, Healthy: handle != nil, Outputs: map[string]string{}, Raw: handle}, nil
}

func (d *LocalDriver) ObservePartition(_ context.Context, _ *domain.Enclave, _ *domain.Partition, handle Handle) (*ObservedState, error) {
	return &ObservedState{Exists: handle != nil, Healthy: handle != nil, Outputs: map[string]string{}, Raw: handle}, nil
}

func (d *LocalDriver) ContextVars(*domain.Enclave, Handle) map[string]string { return map[string]string{} }
func (d *LocalDriver) AuthEnv(*domain.Enclave, Handle) map[string]string    { return map[string]string{} }

func mustMarshal(v any) Handle {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
