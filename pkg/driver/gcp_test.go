package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nclav-io/nclav/pkg/domain"
)

func allGcpBaseUrls(url string) gcpBaseUrls {
	return gcpBaseUrls{
		resourcemanager: url, compute: url, run: url, iam: url,
		pubsub: url, sqladmin: url, serviceusage: url, cloudbilling: url,
	}
}

func TestGcpProvisionEnclaveIsIdempotentWhenProjectExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			_ = json.NewEncoder(w).Encode(map[string]any{"projectId": "acme", "lifecycleState": "ACTIVE"})
			return
		}
		t.Fatalf("unexpected method %s for idempotent provision", r.Method)
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	enc := &domain.Enclave{ID: "acme", Name: "Acme"}
	existing := mustMarshal(map[string]any{"project_id": "acme"})

	res, err := d.ProvisionEnclave(context.Background(), enc, existing)
	if err != nil {
		t.Fatalf("ProvisionEnclave: %v", err)
	}
	if string(res.Handle) != string(existing) {
		t.Fatalf("expected existing handle reused, got %s", res.Handle)
	}
}

func TestGcpProvisionPartitionRoutesByProducesType(t *testing.T) {
	var gotPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		switch {
		case r.Method == "PUT":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"name": "projects/acme/topics/jobs"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"name": "projects/acme/topics/jobs"})
		}
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	enc := &domain.Enclave{ID: "acme", Region: "us-central1"}
	part := &domain.Partition{ID: "jobs", Produces: domain.ProducesQueue}

	res, err := d.ProvisionPartition(context.Background(), enc, part, nil, nil)
	if err != nil {
		t.Fatalf("ProvisionPartition: %v", err)
	}
	if res.Outputs["queue_url"] != "projects/acme/topics/jobs" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}
}

func TestGcpProvisionPartitionRequiresProducesType(t *testing.T) {
	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", defaultGcpBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "mystery"}

	if _, err := d.ProvisionPartition(context.Background(), enc, part, nil, nil); err == nil {
		t.Fatal("expected error for partition with no produces type")
	}
}

func TestGcpProvisionExportHTTPAppliesPublicIAMBindingWhenAuthNone(t *testing.T) {
	var sawSetIamPolicy bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			sawSetIamPolicy = true
		}
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	enc := &domain.Enclave{ID: "acme", Region: "us-central1"}
	export := &domain.Export{Name: "api", ExportType: domain.ExportHTTP, TargetPartition: "web", Auth: domain.AuthNone}
	outputs := map[string]string{"hostname": "web-abc.a.run.app", "port": "443"}

	res, err := d.ProvisionExport(context.Background(), enc, export, outputs, nil)
	if err != nil {
		t.Fatalf("ProvisionExport: %v", err)
	}
	if !sawSetIamPolicy {
		t.Fatal("expected setIamPolicy call for AuthNone export")
	}
	if res.Outputs["hostname"] != "web-abc.a.run.app" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}
}

func TestGcpProvisionImportQueueCreatesSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	importer := &domain.Enclave{ID: "consumer"}
	imp := &domain.Import{From: "producer", ExportName: "jobs", Alias: "jobs-sub"}
	exportHandle := mustMarshal(map[string]any{"type": "queue", "topic": "projects/producer/topics/jobs"})

	res, err := d.ProvisionImport(context.Background(), importer, imp, exportHandle, nil)
	if err != nil {
		t.Fatalf("ProvisionImport: %v", err)
	}
	want := "projects/consumer/subscriptions/jobs-sub"
	if res.Outputs["queue_url"] != want {
		t.Fatalf("got %q, want %q", res.Outputs["queue_url"], want)
	}
}

func TestGcpObserveEnclaveReportsAbsentOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	enc := &domain.Enclave{ID: "acme"}
	handle := mustMarshal(map[string]any{"project_id": "acme"})

	state, err := d.ObserveEnclave(context.Background(), enc, handle)
	if err != nil {
		t.Fatalf("ObserveEnclave: %v", err)
	}
	if state.Exists {
		t.Fatal("expected 404 to report absent")
	}
}

func TestGcpObserveEnclaveHealthyWhenActive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"projectId": "acme", "lifecycleState": "ACTIVE"})
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	enc := &domain.Enclave{ID: "acme"}
	handle := mustMarshal(map[string]any{"project_id": "acme"})

	state, err := d.ObserveEnclave(context.Background(), enc, handle)
	if err != nil {
		t.Fatalf("ObserveEnclave: %v", err)
	}
	if !state.Exists || !state.Healthy {
		t.Fatalf("expected healthy state, got %+v", state)
	}
}

func TestGcpObservePartitionCloudRunReadyCondition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uri":        "https://web-abc.a.run.app",
			"conditions": []map[string]any{{"type": "Ready", "status": "True"}},
		})
	}))
	defer server.Close()

	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", allGcpBaseUrls(server.URL))
	enc := &domain.Enclave{ID: "acme", Region: "us-central1"}
	part := &domain.Partition{ID: "web"}
	handle := mustMarshal(map[string]any{"project_id": "acme", "type": "cloud_run"})

	state, err := d.ObservePartition(context.Background(), enc, part, handle)
	if err != nil {
		t.Fatalf("ObservePartition: %v", err)
	}
	if !state.Exists || !state.Healthy {
		t.Fatalf("expected healthy cloud run service, got %+v", state)
	}
	if state.Outputs["hostname"] != "web-abc.a.run.app" {
		t.Fatalf("unexpected outputs: %v", state.Outputs)
	}
}

func TestGcpObservePartitionUnknownTypeReportsAbsent(t *testing.T) {
	d := newGcpDriverForTest(GcpDriverConfig{}, "tok", defaultGcpBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "mystery"}
	handle := mustMarshal(map[string]any{"project_id": "acme", "type": "unknown_kind"})

	state, err := d.ObservePartition(context.Background(), enc, part, handle)
	if err != nil {
		t.Fatalf("ObservePartition: %v", err)
	}
	if state.Exists {
		t.Fatal("expected unknown partition type to report absent")
	}
}

func TestGcpContextVarsAndAuthEnv(t *testing.T) {
	d := newGcpDriverForTest(GcpDriverConfig{DefaultRegion: "us-central1"}, "tok", defaultGcpBaseUrls())
	enc := &domain.Enclave{ID: "acme"}
	handle := mustMarshal(map[string]any{"project_id": "acme", "region": "us-east1", "service_account_email": "acme@acme.iam.gserviceaccount.com"})

	vars := d.ContextVars(enc, handle)
	if vars["nclav_project_id"] != "acme" || vars["nclav_region"] != "us-east1" {
		t.Fatalf("unexpected context vars: %v", vars)
	}

	env := d.AuthEnv(enc, handle)
	if env["GOOGLE_PROJECT"] != "acme" || env["GOOGLE_IMPERSONATE_SERVICE_ACCOUNT"] != "acme@acme.iam.gserviceaccount.com" {
		t.Fatalf("unexpected auth env: %v", env)
	}
}
