package driver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nclav-io/nclav/pkg/domain"
)

func TestLocalProvisionEnclaveReturnsHandle(t *testing.T) {
	d := NewLocalDriver()
	enc := &domain.Enclave{ID: "acme"}

	res, err := d.ProvisionEnclave(context.Background(), enc, nil)
	if err != nil {
		t.Fatalf("ProvisionEnclave: %v", err)
	}
	if res.Handle == nil {
		t.Fatal("expected non-nil handle")
	}

	var parsed map[string]string
	if err := json.Unmarshal(res.Handle, &parsed); err != nil {
		t.Fatalf("handle not valid json: %v", err)
	}
	if parsed["id"] != "acme" || parsed["driver"] != "local" {
		t.Fatalf("unexpected handle contents: %v", parsed)
	}
}

func TestLocalProvisionHTTPPartitionStubsOutputs(t *testing.T) {
	d := NewLocalDriver()
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "web", Produces: domain.ProducesHTTP}

	res, err := d.ProvisionPartition(context.Background(), enc, part, nil, nil)
	if err != nil {
		t.Fatalf("ProvisionPartition: %v", err)
	}
	if res.Outputs["hostname"] != "local://web/hostname" {
		t.Fatalf("unexpected hostname output: %q", res.Outputs["hostname"])
	}
	if res.Outputs["port"] != "local://web/port" {
		t.Fatalf("unexpected port output: %q", res.Outputs["port"])
	}
}

func TestLocalProvisionQueuePartitionStubsOutputs(t *testing.T) {
	d := NewLocalDriver()
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "jobs", Produces: domain.ProducesQueue}

	res, err := d.ProvisionPartition(context.Background(), enc, part, nil, nil)
	if err != nil {
		t.Fatalf("ProvisionPartition: %v", err)
	}
	if res.Outputs["queue_url"] != "local://jobs/queue_url" {
		t.Fatalf("unexpected queue_url output: %q", res.Outputs["queue_url"])
	}
	if len(res.Outputs) != 1 {
		t.Fatalf("expected exactly one output, got %v", res.Outputs)
	}
}

func TestLocalPartitionWithoutProducesHasNoOutputs(t *testing.T) {
	d := NewLocalDriver()
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "worker"}

	res, err := d.ProvisionPartition(context.Background(), enc, part, nil, nil)
	if err != nil {
		t.Fatalf("ProvisionPartition: %v", err)
	}
	if len(res.Outputs) != 0 {
		t.Fatalf("expected no outputs, got %v", res.Outputs)
	}
}

func TestLocalProvisionImportPropagatesExportOutputs(t *testing.T) {
	d := NewLocalDriver()
	importer := &domain.Enclave{ID: "consumer"}
	imp := &domain.Import{From: "producer", ExportName: "api", Alias: "upstream"}

	exportHandle, err := json.Marshal(map[string]any{
		"outputs": map[string]string{"hostname": "local://web/hostname"},
	})
	if err != nil {
		t.Fatalf("marshal export handle: %v", err)
	}

	res, err := d.ProvisionImport(context.Background(), importer, imp, exportHandle, nil)
	if err != nil {
		t.Fatalf("ProvisionImport: %v", err)
	}
	if res.Outputs["hostname"] != "local://web/hostname" {
		t.Fatalf("expected propagated hostname output, got %v", res.Outputs)
	}
}

func TestLocalObserveReflectsHandlePresence(t *testing.T) {
	d := NewLocalDriver()
	enc := &domain.Enclave{ID: "acme"}

	state, err := d.ObserveEnclave(context.Background(), enc, nil)
	if err != nil {
		t.Fatalf("ObserveEnclave: %v", err)
	}
	if state.Exists || state.Healthy {
		t.Fatal("expected nil handle to observe as absent")
	}

	handle := mustMarshal(map[string]string{"id": "acme"})
	state, err = d.ObserveEnclave(context.Background(), enc, handle)
	if err != nil {
		t.Fatalf("ObserveEnclave: %v", err)
	}
	if !state.Exists || !state.Healthy {
		t.Fatal("expected present handle to observe as healthy")
	}
}

func TestLocalTeardownIsNoop(t *testing.T) {
	d := NewLocalDriver()
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "web"}

	if err := d.TeardownEnclave(context.Background(), enc, mustMarshal(map[string]string{})); err != nil {
		t.Fatalf("TeardownEnclave: %v", err)
	}
	if err := d.TeardownPartition(context.Background(), enc, part, mustMarshal(map[string]string{})); err != nil {
		t.Fatalf("TeardownPartition: %v", err)
	}
}
