package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/driver"
	"github.com/nclav-io/nclav/pkg/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeWiredFixture writes a two-enclave tree: "producer" exports an
// http partition, "consumer" imports it and templates the hostname
// into one of its own partition's inputs.
func writeWiredFixture(t *testing.T, root string) {
	t.Helper()

	producer := filepath.Join(root, "producer")
	writeFile(t, filepath.Join(producer, "config.yml"), `
id: producer
name: producer
cloud: local
region: local
partitions:
  - web
exports:
  - name: api
    target_partition: web
    type: http
    to: public
    auth: none
`)
	writeFile(t, filepath.Join(producer, "web", "config.yml"), `
id: web
name: web
produces: http
declared_outputs:
  - hostname
  - port
`)

	consumer := filepath.Join(root, "consumer")
	writeFile(t, filepath.Join(consumer, "config.yml"), `
id: consumer
name: consumer
cloud: local
region: local
partitions:
  - app
imports:
  - from: producer
    export_name: api
    alias: upstream
`)
	writeFile(t, filepath.Join(consumer, "app", "config.yml"), `
id: app
name: app
inputs:
  API_HOST: "{{ upstream.hostname }}"
`)
}

func newLocalRegistry() *driver.Registry {
	return driver.NewRegistry(domain.CloudLocal).Register(domain.CloudLocal, driver.NewLocalDriver())
}

func openStore(t *testing.T) store.StateStore {
	t.Helper()
	s, err := store.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReconcileDryRunReportsChangesWithoutPersisting(t *testing.T) {
	root := t.TempDir()
	writeWiredFixture(t, root)

	st := openStore(t)
	registry := newLocalRegistry()

	report, err := Reconcile(context.Background(), Request{EnclavesDir: root, DryRun: true}, st, registry)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !report.DryRun {
		t.Error("expected DryRun report")
	}
	if len(report.Changes) == 0 {
		t.Fatal("expected changes for two brand new enclaves")
	}

	got, err := st.ListEnclaves(context.Background())
	if err != nil {
		t.Fatalf("ListEnclaves() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("dry run must not persist state, found %d enclaves", len(got))
	}
}

func TestReconcileApplyProvisionsAndWiresImport(t *testing.T) {
	root := t.TempDir()
	writeWiredFixture(t, root)

	st := openStore(t)
	registry := newLocalRegistry()
	ctx := context.Background()

	report, err := Reconcile(ctx, Request{EnclavesDir: root}, st, registry)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.DryRun {
		t.Error("expected non-dry-run report")
	}

	producer, err := st.GetEnclave(ctx, "producer")
	if err != nil {
		t.Fatalf("GetEnclave(producer) error = %v", err)
	}
	if producer == nil {
		t.Fatal("expected producer state to be persisted")
	}
	if len(producer.EnclaveHandle) == 0 {
		t.Error("expected producer to have an enclave handle")
	}
	if _, ok := producer.ExportHandles["api"]; !ok {
		t.Error("expected producer export 'api' to be wired")
	}

	consumer, err := st.GetEnclave(ctx, "consumer")
	if err != nil {
		t.Fatalf("GetEnclave(consumer) error = %v", err)
	}
	if consumer == nil {
		t.Fatal("expected consumer state to be persisted")
	}
	if _, ok := consumer.ImportHandles["upstream"]; !ok {
		t.Error("expected consumer import 'upstream' to be wired")
	}

	appState, ok := consumer.Partitions["app"]
	if !ok {
		t.Fatal("expected consumer partition 'app' to be persisted")
	}
	_ = appState

	events, err := st.ListEvents(ctx, nil, 100)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	var sawCompleted bool
	for _, e := range events {
		if e.Kind == store.EventReconcileCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("expected a reconcile_completed audit event")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeWiredFixture(t, root)

	st := openStore(t)
	registry := newLocalRegistry()
	ctx := context.Background()

	if _, err := Reconcile(ctx, Request{EnclavesDir: root}, st, registry); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	report, err := Reconcile(ctx, Request{EnclavesDir: root}, st, registry)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if len(report.Changes) != 0 {
		t.Errorf("expected no changes on second pass, got %+v", report.Changes)
	}
}

func TestReconcileDeletesRemovedEnclave(t *testing.T) {
	root := t.TempDir()
	writeWiredFixture(t, root)

	st := openStore(t)
	registry := newLocalRegistry()
	ctx := context.Background()

	if _, err := Reconcile(ctx, Request{EnclavesDir: root}, st, registry); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}

	if err := os.RemoveAll(filepath.Join(root, "consumer")); err != nil {
		t.Fatalf("remove consumer fixture: %v", err)
	}

	report, err := Reconcile(ctx, Request{EnclavesDir: root}, st, registry)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}

	var sawDelete bool
	for _, c := range report.Changes {
		if c.Kind == ChangeEnclaveDeleted && c.EnclaveID == "consumer" {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Errorf("expected consumer deletion in report, got %+v", report.Changes)
	}

	got, err := st.GetEnclave(ctx, "consumer")
	if err != nil {
		t.Fatalf("GetEnclave(consumer) error = %v", err)
	}
	if got != nil {
		t.Error("expected consumer state to be removed from the store")
	}
}

func TestReconcileMissingDirReturnsLoadError(t *testing.T) {
	st := openStore(t)
	registry := newLocalRegistry()

	_, err := Reconcile(context.Background(), Request{EnclavesDir: "/nonexistent/path"}, st, registry)
	if err == nil {
		t.Fatal("expected error for nonexistent enclaves dir")
	}
	rerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rerr.Phase != "load" {
		t.Errorf("Phase = %q, want load", rerr.Phase)
	}
}

func TestResolveTemplateLeavesUnresolvedPlaceholderLiteral(t *testing.T) {
	encState := store.NewEnclaveState(domain.Enclave{ID: "consumer"})
	got := resolveTemplate("{{ unknown.key }}", encState)
	if got != "{{ unknown.key }}" {
		t.Errorf("resolveTemplate() = %q, want unchanged placeholder", got)
	}
}

func TestResolveTemplateSubstitutesKnownAlias(t *testing.T) {
	encState := store.NewEnclaveState(domain.Enclave{ID: "consumer"})
	encState.ImportHandles["upstream"] = []byte(`{"outputs":{"hostname":"local://web/hostname"}}`)

	got := resolveTemplate("host={{ upstream.hostname }}", encState)
	if got != "host=local://web/hostname" {
		t.Errorf("resolveTemplate() = %q", got)
	}
}
