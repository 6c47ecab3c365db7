package iac

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/store"
)

func openBboltStore(t *testing.T) *store.BboltStore {
	t.Helper()
	s, err := store.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeTerraformBinary writes a shell script named "terraform" (or the
// given name) to a temp dir and prepends it to PATH, so runTf exercises
// a real subprocess without needing the actual terraform toolchain.
func fakeTerraformBinary(t *testing.T, name, script string) {
	t.Helper()
	bin := t.TempDir()
	path := filepath.Join(bin, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func testPartition(dir string) *domain.Partition {
	return &domain.Partition{
		ID:              "web",
		Backend:         domain.BackendTerraform,
		DeclaredOutputs: []string{"hostname", "port"},
		Terraform:       &domain.TerraformConfig{Dir: dir},
	}
}

func TestExtractTfConfigDefaultsBinaryByBackend(t *testing.T) {
	tf := &domain.Partition{Backend: domain.BackendTerraform, Terraform: &domain.TerraformConfig{}}
	binary, cfg, err := extractTfConfig(tf)
	if err != nil || binary != "terraform" || cfg == nil {
		t.Fatalf("got (%q, %v, %v)", binary, cfg, err)
	}

	tofu := &domain.Partition{Backend: domain.BackendOpenTofu, Terraform: &domain.TerraformConfig{}}
	binary, _, err = extractTfConfig(tofu)
	if err != nil || binary != "tofu" {
		t.Fatalf("got (%q, %v)", binary, err)
	}

	custom := &domain.Partition{Backend: domain.BackendTerraform, Terraform: &domain.TerraformConfig{Tool: "terraform-1.5"}}
	binary, _, err = extractTfConfig(custom)
	if err != nil || binary != "terraform-1.5" {
		t.Fatalf("got (%q, %v)", binary, err)
	}
}

func TestExtractTfConfigRejectsManagedBackend(t *testing.T) {
	managed := &domain.Partition{Backend: domain.BackendManaged}
	if _, _, err := extractTfConfig(managed); err == nil {
		t.Fatal("expected error for managed partition")
	}
}

func TestTfvarEscapesBackslashesAndQuotes(t *testing.T) {
	got := tfvar("greeting", `say "hi\there"`)
	want := `greeting = "say \"hi\\there\""` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSetupWorkspaceSymlinksTfFiles(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "main.tf"), []byte("# main"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := &TerraformBackend{}
	workspace := filepath.Join(t.TempDir(), "ws")
	cfg := &domain.TerraformConfig{Dir: srcDir}
	if err := b.setupWorkspace(workspace, cfg); err != nil {
		t.Fatalf("setupWorkspace: %v", err)
	}

	link := filepath.Join(workspace, "main.tf")
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("expected main.tf symlink: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(workspace, "README.md")); !os.IsNotExist(err) {
		t.Fatal("expected non-.tf files to be skipped")
	}
}

func TestSetupWorkspaceSkipsSymlinkingWhenSourceSet(t *testing.T) {
	b := &TerraformBackend{}
	workspace := filepath.Join(t.TempDir(), "ws")
	cfg := &domain.TerraformConfig{Source: "git::https://example.com/modules/web.git"}
	if err := b.setupWorkspace(workspace, cfg); err != nil {
		t.Fatalf("setupWorkspace: %v", err)
	}
	if _, err := os.Stat(workspace); err != nil {
		t.Fatalf("expected workspace dir to exist: %v", err)
	}
}

func TestWriteBackendTfAndTfvars(t *testing.T) {
	b := &TerraformBackend{}
	workspace := t.TempDir()
	if err := b.writeBackendTf(workspace, "acme", "web"); err != nil {
		t.Fatalf("writeBackendTf: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(workspace, "nclav_backend.tf"))
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(content), `backend "http" {}`) || !contains(string(content), `"acme"`) {
		t.Fatalf("unexpected backend tf:\n%s", content)
	}

	enc := &domain.Enclave{ID: "acme"}
	part := &domain.Partition{ID: "web"}
	err = b.writeTfvars(workspace, map[string]string{"image": "acme/web:latest"}, map[string]string{"nclav_region": "us-central1"}, enc, part)
	if err != nil {
		t.Fatalf("writeTfvars: %v", err)
	}
	tfvars, err := os.ReadFile(filepath.Join(workspace, "nclav_context.auto.tfvars"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`nclav_enclave_id = "acme"`, `nclav_region = "us-central1"`, `image = "acme/web:latest"`} {
		if !contains(string(tfvars), want) {
			t.Fatalf("tfvars missing %q:\n%s", want, tfvars)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestProvisionRunsInitApplyAndExtractsOutputs(t *testing.T) {
	fakeTerraformBinary(t, "terraform", `
case "$1" in
  init) exit 0 ;;
  apply) exit 0 ;;
  output) echo '{"hostname":{"value":"web.acme.internal"},"port":{"value":"8080"}}' ;;
esac
`)

	st := openBboltStore(t)
	b := &TerraformBackend{ApiBase: "http://nclav.local", AuthToken: "tok", Store: st}

	home := t.TempDir()
	t.Setenv("HOME", home)

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "main.tf"), []byte("# main"), 0o644); err != nil {
		t.Fatal(err)
	}

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(srcDir)

	res, err := b.Provision(context.Background(), enc, part, nil, map[string]string{"nclav_region": "us-central1"}, nil, nil)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if res.Outputs["hostname"] != "web.acme.internal" || res.Outputs["port"] != "8080" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}

	runs, err := st.ListIacRuns(context.Background(), enc.ID, part.ID)
	if err != nil {
		t.Fatalf("ListIacRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.IacRunSucceeded {
		t.Fatalf("expected one succeeded run, got %+v", runs)
	}
}

func TestProvisionFailsWhenApplyExitsNonZero(t *testing.T) {
	fakeTerraformBinary(t, "terraform", `
case "$1" in
  init) exit 0 ;;
  apply) echo "boom" 1>&2; exit 1 ;;
esac
`)

	st := openBboltStore(t)
	b := &TerraformBackend{ApiBase: "http://nclav.local", AuthToken: "tok", Store: st}
	t.Setenv("HOME", t.TempDir())

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "main.tf"), []byte("# main"), 0o644); err != nil {
		t.Fatal(err)
	}

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(srcDir)

	_, err := b.Provision(context.Background(), enc, part, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error when terraform apply fails")
	}

	runs, err := st.ListIacRuns(context.Background(), enc.ID, part.ID)
	if err != nil {
		t.Fatalf("ListIacRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.IacRunFailed {
		t.Fatalf("expected one failed run, got %+v", runs)
	}
}

func TestProvisionFailsWhenDeclaredOutputMissing(t *testing.T) {
	fakeTerraformBinary(t, "terraform", `
case "$1" in
  init) exit 0 ;;
  apply) exit 0 ;;
  output) echo '{"hostname":{"value":"web.acme.internal"}}' ;;
esac
`)

	st := openBboltStore(t)
	b := &TerraformBackend{ApiBase: "http://nclav.local", AuthToken: "tok", Store: st}
	t.Setenv("HOME", t.TempDir())

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "main.tf"), []byte("# main"), 0o644); err != nil {
		t.Fatal(err)
	}

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(srcDir) // declares hostname+port, only hostname produced

	_, err := b.Provision(context.Background(), enc, part, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing declared output 'port'")
	}
}

func TestTeardownSkipsWhenNoWorkspaceExists(t *testing.T) {
	st := openBboltStore(t)
	b := &TerraformBackend{ApiBase: "http://nclav.local", AuthToken: "tok", Store: st}
	t.Setenv("HOME", t.TempDir())

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(t.TempDir())

	if err := b.Teardown(context.Background(), enc, part, nil, nil); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	runs, err := st.ListIacRuns(context.Background(), enc.ID, part.ID)
	if err != nil {
		t.Fatalf("ListIacRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no run logged when workspace never existed, got %+v", runs)
	}
}

func TestTeardownRunsDestroyAndLogsRun(t *testing.T) {
	fakeTerraformBinary(t, "terraform", `
case "$1" in
  init) exit 0 ;;
  apply) exit 0 ;;
  output) echo '{"hostname":{"value":"web.acme.internal"},"port":{"value":"8080"}}' ;;
  destroy) exit 0 ;;
esac
`)

	st := openBboltStore(t)
	b := &TerraformBackend{ApiBase: "http://nclav.local", AuthToken: "tok", Store: st}
	home := t.TempDir()
	t.Setenv("HOME", home)

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "main.tf"), []byte("# main"), 0o644); err != nil {
		t.Fatal(err)
	}

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(srcDir)

	if _, err := b.Provision(context.Background(), enc, part, nil, nil, nil, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := b.Teardown(context.Background(), enc, part, nil, nil); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	runs, err := st.ListIacRuns(context.Background(), enc.ID, part.ID)
	if err != nil {
		t.Fatalf("ListIacRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected provision + teardown runs, got %d", len(runs))
	}
}

func TestObserveReportsAbsentWhenWorkspaceMissing(t *testing.T) {
	b := &TerraformBackend{}
	t.Setenv("HOME", t.TempDir())

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(t.TempDir())

	state, err := b.Observe(context.Background(), enc, part, nil, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if state.Exists || state.Healthy {
		t.Fatalf("expected absent state, got %+v", state)
	}
}

func TestObserveReturnsOutputsWhenWorkspaceExists(t *testing.T) {
	fakeTerraformBinary(t, "terraform", `
case "$1" in
  init) exit 0 ;;
  apply) exit 0 ;;
  output) echo '{"hostname":{"value":"web.acme.internal"},"port":{"value":"8080"}}' ;;
esac
`)

	st := openBboltStore(t)
	b := &TerraformBackend{ApiBase: "http://nclav.local", AuthToken: "tok", Store: st}
	t.Setenv("HOME", t.TempDir())

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "main.tf"), []byte("# main"), 0o644); err != nil {
		t.Fatal(err)
	}

	enc := &domain.Enclave{ID: "acme"}
	part := testPartition(srcDir)

	if _, err := b.Provision(context.Background(), enc, part, nil, nil, nil, nil); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	state, err := b.Observe(context.Background(), enc, part, nil, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !state.Exists || !state.Healthy {
		t.Fatalf("expected healthy state, got %+v", state)
	}
	if state.Outputs["hostname"] != "web.acme.internal" {
		t.Fatalf("unexpected outputs: %v", state.Outputs)
	}
}

func TestRunTfReportsNonZeroExitWithoutError(t *testing.T) {
	fakeTerraformBinary(t, "terraform", `echo "not ok" 1>&2; exit 3`)

	b := &TerraformBackend{}
	code, output, err := b.runTf(context.Background(), "terraform", t.TempDir(), []string{"plan"}, nil)
	if err != nil {
		t.Fatalf("runTf returned error for a clean non-zero exit: %v", err)
	}
	if code != 3 {
		t.Fatalf("got exit code %d, want 3", code)
	}
	if !contains(output, "not ok") {
		t.Fatalf("expected combined log to contain stderr, got %q", output)
	}
}
