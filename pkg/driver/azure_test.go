package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nclav-io/nclav/pkg/domain"
)

func TestSanitizeSubscriptionAlias(t *testing.T) {
	cases := map[string]string{
		"acme-prod":        "acme-prod",
		"acme prod!!":      "acme-prod",
		"acme___prod":      "acme___prod",
		"-leading-hyphen":  "leading-hyphen",
		"trailing-hyphen-": "trailing-hyphen",
	}
	for in, want := range cases {
		if got := sanitizeSubscriptionAlias(in); got != want {
			t.Errorf("sanitizeSubscriptionAlias(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPartitionMiNameShortIDUsesDirectForm(t *testing.T) {
	got := partitionMiName("web")
	if got != "partition-web" {
		t.Fatalf("got %q", got)
	}
}

func TestPartitionMiNameLongIDHashesForm(t *testing.T) {
	longID := "this-is-a-very-long-partition-identifier-that-exceeds-the-limit"
	got := partitionMiName(longID)
	if len(got) > 64 {
		t.Fatalf("expected name of at most 64 chars, got %d: %q", len(got), got)
	}
	if got[:3] != "pt-" {
		t.Fatalf("expected hashed form to start with pt-, got %q", got)
	}
}

func TestExtractURLHostname(t *testing.T) {
	cases := map[string]string{
		"https://api.acme.com/v1":  "api.acme.com",
		"http://10.0.0.5:8080":     "10.0.0.5",
		"service.internal":         "service.internal",
	}
	for in, want := range cases {
		if got := extractURLHostname(in); got != want {
			t.Errorf("extractURLHostname(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAzureProvisionExportHTTPComputesHostnameAndPort(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	export := &domain.Export{Name: "api", ExportType: domain.ExportHTTP}
	outputs := map[string]string{"endpoint_url": "https://api.acme.internal", "port": "8443", "pls_id": "pls-1"}

	res, err := d.ProvisionExport(context.Background(), enc, export, outputs, nil)
	if err != nil {
		t.Fatalf("ProvisionExport: %v", err)
	}
	if res.Outputs["hostname"] != "api.acme.internal" || res.Outputs["port"] != "8443" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}
}

func TestAzureProvisionExportQueueBuildsQueueURL(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	export := &domain.Export{Name: "jobs", ExportType: domain.ExportQueue}
	outputs := map[string]string{
		"service_bus_namespace_name": "acme-ns",
		"topic_name":                 "jobs-topic",
		"service_bus_resource_id":    "/subscriptions/x/.../jobs-topic",
	}

	res, err := d.ProvisionExport(context.Background(), enc, export, outputs, nil)
	if err != nil {
		t.Fatalf("ProvisionExport: %v", err)
	}
	want := "acme-ns.servicebus.windows.net/jobs-topic"
	if res.Outputs["queue_url"] != want {
		t.Fatalf("got %q, want %q", res.Outputs["queue_url"], want)
	}
}

func TestAzureProvisionExportMissingOutputErrors(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	export := &domain.Export{Name: "api", ExportType: domain.ExportHTTP}

	if _, err := d.ProvisionExport(context.Background(), enc, export, map[string]string{}, nil); err == nil {
		t.Fatal("expected error for missing endpoint_url output")
	}
}

func TestAzureProvisionExportIsIdempotent(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	export := &domain.Export{Name: "api", ExportType: domain.ExportHTTP}

	existing := mustMarshal(map[string]any{
		"driver": "azure", "kind": "export", "type": "http",
		"endpoint_url": "https://old.acme.internal", "port": float64(443),
	})

	res, err := d.ProvisionExport(context.Background(), enc, export, map[string]string{}, existing)
	if err != nil {
		t.Fatalf("ProvisionExport: %v", err)
	}
	if res.Outputs["hostname"] != "old.acme.internal" {
		t.Fatalf("expected idempotent reuse of existing handle outputs, got %v", res.Outputs)
	}
}

func TestAzureProvisionImportPropagatesHTTPHostname(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	importer := &domain.Enclave{ID: "consumer"}
	imp := &domain.Import{From: "producer", ExportName: "api", Alias: "upstream"}
	exportHandle := mustMarshal(map[string]any{"type": "http", "private_ip": "10.1.2.3"})

	res, err := d.ProvisionImport(context.Background(), importer, imp, exportHandle, nil)
	if err != nil {
		t.Fatalf("ProvisionImport: %v", err)
	}
	if res.Outputs["hostname"] != "10.1.2.3" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}
}

func TestAzureProvisionImportPropagatesQueueURL(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	importer := &domain.Enclave{ID: "consumer"}
	imp := &domain.Import{From: "producer", ExportName: "jobs", Alias: "jobs"}
	exportHandle := mustMarshal(map[string]any{"type": "queue", "queue_url": "acme-ns.servicebus.windows.net/jobs-topic"})

	res, err := d.ProvisionImport(context.Background(), importer, imp, exportHandle, nil)
	if err != nil {
		t.Fatalf("ProvisionImport: %v", err)
	}
	if res.Outputs["queue_url"] != "acme-ns.servicebus.windows.net/jobs-topic" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}
}

func TestAzureObservePartitionChecksHandleShape(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", defaultAzureBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "web"}

	state, err := d.ObservePartition(context.Background(), enc, part, nil)
	if err != nil {
		t.Fatalf("ObservePartition: %v", err)
	}
	if state.Exists || state.Healthy {
		t.Fatal("expected nil handle to observe as absent")
	}

	handle := mustMarshal(map[string]any{"driver": "azure", "kind": "partition"})
	state, err = d.ObservePartition(context.Background(), enc, part, handle)
	if err != nil {
		t.Fatalf("ObservePartition: %v", err)
	}
	if !state.Exists || !state.Healthy {
		t.Fatal("expected matching handle to observe as healthy")
	}
}

func TestAzureObserveEnclaveReportsAbsentOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "SubscriptionNotFound", "message": "gone"}})
	}))
	defer server.Close()

	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", azureBaseUrls{management: server.URL, login: server.URL})
	enc := &domain.Enclave{ID: "acme"}
	handle := mustMarshal(map[string]any{"subscription_id": "sub-1"})

	state, err := d.ObserveEnclave(context.Background(), enc, handle)
	if err != nil {
		t.Fatalf("ObserveEnclave: %v", err)
	}
	if state.Exists {
		t.Fatal("expected 404 to report absent")
	}
}

func TestAzureObserveEnclaveHealthyWhenEnabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"subscriptionId": "sub-1", "state": "Enabled"})
	}))
	defer server.Close()

	d := newAzureDriverForTest(AzureDriverConfig{}, "tok", azureBaseUrls{management: server.URL, login: server.URL})
	enc := &domain.Enclave{ID: "acme"}
	handle := mustMarshal(map[string]any{"subscription_id": "sub-1"})

	state, err := d.ObserveEnclave(context.Background(), enc, handle)
	if err != nil {
		t.Fatalf("ObserveEnclave: %v", err)
	}
	if !state.Exists || !state.Healthy {
		t.Fatalf("expected healthy state, got %+v", state)
	}
}

func TestAzureContextVarsAndAuthEnv(t *testing.T) {
	d := newAzureDriverForTest(AzureDriverConfig{TenantID: "tenant-1", DefaultLocation: "eastus"}, "tok", defaultAzureBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	handle := mustMarshal(map[string]any{"subscription_id": "sub-1", "location": "westus", "identity_client_id": "client-1"})

	vars := d.ContextVars(enc, handle)
	if vars["nclav_subscription_id"] != "sub-1" || vars["nclav_location"] != "westus" {
		t.Fatalf("unexpected context vars: %v", vars)
	}

	env := d.AuthEnv(enc, handle)
	if env["ARM_TENANT_ID"] != "tenant-1" || env["ARM_SUBSCRIPTION_ID"] != "sub-1" {
		t.Fatalf("unexpected auth env: %v", env)
	}
}
