// Package iac runs Terraform/OpenTofu as a subprocess on behalf of
// partitions whose backend is not "managed": it maintains a workspace
// per enclave/partition, generates the HTTP state backend config and
// tfvars, drives init/apply/destroy/output, and logs every run.
package iac

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nclav-io/nclav/pkg/domain"
	"github.com/nclav-io/nclav/pkg/driver"
	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
	"github.com/nclav-io/nclav/pkg/store"
)

// TerraformBackend executes IaC-backed partitions by invoking the
// terraform or tofu binary.
//
// Responsibilities:
//   - maintain a workspace under ~/.nclav/workspaces/{enclave_id}/{partition_id}/
//   - symlink the partition's .tf files into the workspace
//   - generate nclav_backend.tf and nclav_context.auto.tfvars
//   - run init, apply/destroy, and extract declared outputs
//   - log every run to the store as a store.IacRun
type TerraformBackend struct {
	// ApiBase is nclav's own base URL, used to point the Terraform HTTP
	// backend at the store-backed state protocol.
	ApiBase string
	// AuthToken is passed as TF_HTTP_PASSWORD to the subprocess.
	AuthToken string
	Store     store.StateStore
}

// Provision creates or updates a terraform-backed partition.
func (b *TerraformBackend) Provision(
	ctx context.Context,
	enclave *domain.Enclave,
	partition *domain.Partition,
	resolvedInputs map[string]string,
	contextVars map[string]string,
	authEnv map[string]string,
	reconcileRunID *uuid.UUID,
) (*driver.ProvisionResult, error) {
	binary, cfg, err := extractTfConfig(partition)
	if err != nil {
		return nil, err
	}
	workspace := b.workspaceDir(string(enclave.ID), string(partition.ID))

	if err := b.setupWorkspace(workspace, cfg); err != nil {
		return nil, driver.ErrInternal("setup workspace: %v", err)
	}
	if err := b.writeBackendTf(workspace, string(enclave.ID), string(partition.ID)); err != nil {
		return nil, driver.ErrInternal("write nclav_backend.tf: %v", err)
	}
	if err := b.writeTfvars(workspace, resolvedInputs, contextVars, enclave, partition); err != nil {
		return nil, driver.ErrInternal("write nclav_context.auto.tfvars: %v", err)
	}

	var runLog strings.Builder

	initExit, initOutput, err := b.runTf(ctx, binary, workspace, []string{
		"init", "-reconfigure", "-no-color",
		fmt.Sprintf("-backend-config=address=%s/terraform/state/%s/%s", strings.TrimRight(b.ApiBase, "/"), enclave.ID, partition.ID),
		fmt.Sprintf("-backend-config=lock_address=%s/terraform/state/%s/%s/lock", strings.TrimRight(b.ApiBase, "/"), enclave.ID, partition.ID),
		fmt.Sprintf("-backend-config=unlock_address=%s/terraform/state/%s/%s/lock", strings.TrimRight(b.ApiBase, "/"), enclave.ID, partition.ID),
		"-backend-config=lock_method=POST",
		"-backend-config=unlock_method=DELETE",
		"-backend-config=username=nclav",
	}, authEnv)
	if err != nil {
		b.writeRun(ctx, enclave, partition, store.IacOperationProvision, reconcileRunID, err.Error(), intPtr(1))
		return nil, driver.ErrProvisionFailed("terraform init: %v", err)
	}
	runLog.WriteString("=== terraform init ===\n")
	runLog.WriteString(initOutput)
	if initExit != 0 {
		b.writeRun(ctx, enclave, partition, store.IacOperationProvision, reconcileRunID, runLog.String(), &initExit)
		return nil, driver.ErrProvisionFailed("terraform init exited with code %d", initExit)
	}

	applyExit, applyOutput, err := b.runTf(ctx, binary, workspace, []string{"apply", "-auto-approve", "-no-color"}, authEnv)
	if err != nil {
		runLog.WriteString("\n=== terraform apply ===\n")
		runLog.WriteString(err.Error())
		one := 1
		b.writeRun(ctx, enclave, partition, store.IacOperationProvision, reconcileRunID, runLog.String(), &one)
		return nil, driver.ErrProvisionFailed("terraform apply: %v", err)
	}
	runLog.WriteString("\n=== terraform apply ===\n")
	runLog.WriteString(applyOutput)
	if applyExit != 0 {
		b.writeRun(ctx, enclave, partition, store.IacOperationProvision, reconcileRunID, runLog.String(), &applyExit)
		return nil, driver.ErrProvisionFailed("terraform apply exited with code %d", applyExit)
	}

	outputs, err := b.readOutputs(ctx, binary, workspace, partition.DeclaredOutputs, authEnv)
	if err != nil {
		return nil, err
	}

	zero := 0
	b.writeRun(ctx, enclave, partition, store.IacOperationProvision, reconcileRunID, runLog.String(), &zero)

	handle, err := json.Marshal(map[string]string{
		"backend":      binary,
		"workspace":    workspace,
		"enclave_id":   string(enclave.ID),
		"partition_id": string(partition.ID),
	})
	if err != nil {
		return nil, driver.ErrInternal("marshal handle: %v", err)
	}

	return &driver.ProvisionResult{Handle: handle, Outputs: outputs}, nil
}

// Teardown destroys a terraform-backed partition's infrastructure.
func (b *TerraformBackend) Teardown(
	ctx context.Context,
	enclave *domain.Enclave,
	partition *domain.Partition,
	authEnv map[string]string,
	reconcileRunID *uuid.UUID,
) error {
	binary, _, err := extractTfConfig(partition)
	if err != nil {
		return err
	}
	workspace := b.workspaceDir(string(enclave.ID), string(partition.ID))

	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		log.WithComponent("iac").Debug().
			Str("enclave_id", string(enclave.ID)).
			Str("partition_id", string(partition.ID)).
			Msg("no workspace found; nothing to destroy")
		return nil
	}

	exitCode, output, err := b.runTf(ctx, binary, workspace, []string{"destroy", "-auto-approve", "-no-color"}, authEnv)
	if err != nil {
		one := 1
		b.writeRun(ctx, enclave, partition, store.IacOperationTeardown, reconcileRunID, err.Error(), &one)
		return driver.ErrTeardownFailed("terraform destroy: %v", err)
	}

	runLog := "=== terraform destroy ===\n" + output
	if exitCode != 0 {
		b.writeRun(ctx, enclave, partition, store.IacOperationTeardown, reconcileRunID, runLog, &exitCode)
		return driver.ErrTeardownFailed("terraform destroy exited with code %d", exitCode)
	}

	zero := 0
	b.writeRun(ctx, enclave, partition, store.IacOperationTeardown, reconcileRunID, runLog, &zero)
	return nil
}

// Observe reads an IaC-backed partition's current outputs without
// mutating anything. A missing workspace or a failed output read both
// report the partition as absent, never an error.
func (b *TerraformBackend) Observe(
	ctx context.Context,
	enclave *domain.Enclave,
	partition *domain.Partition,
	authEnv map[string]string,
	handle driver.Handle,
) (*driver.ObservedState, error) {
	binary, _, err := extractTfConfig(partition)
	if err != nil {
		return nil, err
	}
	workspace := b.workspaceDir(string(enclave.ID), string(partition.ID))

	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		return &driver.ObservedState{Exists: false, Healthy: false, Outputs: map[string]string{}, Raw: handle}, nil
	}

	outputs, err := b.readOutputs(ctx, binary, workspace, partition.DeclaredOutputs, authEnv)
	if err != nil {
		return &driver.ObservedState{Exists: false, Healthy: false, Outputs: map[string]string{}, Raw: handle}, nil
	}
	return &driver.ObservedState{Exists: true, Healthy: true, Outputs: outputs, Raw: handle}, nil
}

// ── Workspace helpers ───────────────────────────────────────────────

func (b *TerraformBackend) workspaceDir(enclaveID, partitionID string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nclav", "workspaces", enclaveID, partitionID)
}

// setupWorkspace creates the workspace directory and symlinks every
// .tf file from the partition's source directory into it. Existing
// symlinks are replaced rather than left stale.
func (b *TerraformBackend) setupWorkspace(workspace string, cfg *domain.TerraformConfig) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if cfg.Source != "" {
		return nil
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return fmt.Errorf("read source dir %s: %w", cfg.Dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".tf") {
			continue
		}
		link := filepath.Join(workspace, name)
		target, err := filepath.Abs(filepath.Join(cfg.Dir, name))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}

		if _, err := os.Lstat(link); err == nil {
			if err := os.Remove(link); err != nil {
				return fmt.Errorf("remove stale symlink: %w", err)
			}
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
		}
	}
	return nil
}

func (b *TerraformBackend) writeBackendTf(workspace, enclaveID, partitionID string) error {
	content := fmt.Sprintf(`# Generated by nclav — do not edit
terraform {
  backend "http" {}
}
# Variables declared here so nclav_context.auto.tfvars can set them
variable "nclav_enclave_id"   { default = "%s" }
variable "nclav_partition_id" { default = "%s" }
variable "nclav_region"       { default = "" }
variable "nclav_project_id"   { default = "" }
`, enclaveID, partitionID)
	return os.WriteFile(filepath.Join(workspace, "nclav_backend.tf"), []byte(content), 0o644)
}

func (b *TerraformBackend) writeTfvars(
	workspace string,
	resolvedInputs map[string]string,
	contextVars map[string]string,
	enclave *domain.Enclave,
	partition *domain.Partition,
) error {
	var content strings.Builder
	content.WriteString("# Generated by nclav — do not edit\n")

	content.WriteString(tfvar("nclav_enclave_id", string(enclave.ID)))
	content.WriteString(tfvar("nclav_partition_id", string(partition.ID)))
	content.WriteString(tfvar("nclav_region", contextVars["nclav_region"]))
	content.WriteString(tfvar("nclav_project_id", contextVars["nclav_project_id"]))

	for k, v := range contextVars {
		if k != "nclav_region" && k != "nclav_project_id" {
			content.WriteString(tfvar(k, v))
		}
	}

	if len(resolvedInputs) > 0 {
		content.WriteString("\n# resolved partition inputs\n")
		for k, v := range resolvedInputs {
			content.WriteString(tfvar(k, v))
		}
	}

	return os.WriteFile(filepath.Join(workspace, "nclav_context.auto.tfvars"), []byte(content.String()), 0o644)
}

// ── Process execution ────────────────────────────────────────────────

// runTf runs a terraform subcommand, capturing combined stdout+stderr
// into one ordered log. Each line is also mirrored to the component
// logger as it arrives.
func (b *TerraformBackend) runTf(ctx context.Context, binary, workspace string, args []string, authEnv map[string]string) (int, string, error) {
	logger := log.WithComponent("iac")
	logger.Info().Str("binary", binary).Strs("args", args).Str("workspace", workspace).Msg("running IaC command")

	action := "unknown"
	if len(args) > 0 {
		action = args[0]
	}
	timer := metrics.NewTimer()
	outcome := "error"
	defer func() {
		timer.ObserveDurationVec(metrics.IacRunDuration, action)
		metrics.IacRunsTotal.WithLabelValues(action, outcome).Inc()
	}()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(),
		"TF_HTTP_PASSWORD="+b.AuthToken,
		"TF_IN_AUTOMATION=1",
	)
	for k, v := range authEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("spawn %s: %w", binary, err)
	}

	// Merge stdout and stderr by reading them concurrently into a
	// shared channel, so interleaved lines land in the log roughly in
	// the order they were emitted.
	lines := make(chan string)
	done := make(chan struct{}, 2)
	pump := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		done <- struct{}{}
	}
	go pump(stdout)
	go pump(stderr)
	go func() {
		<-done
		<-done
		close(lines)
	}()

	var combined strings.Builder
	for line := range lines {
		logger.Debug().Msg(line)
		combined.WriteString(line)
		combined.WriteByte('\n')
	}

	waitErr := cmd.Wait()
	code := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			return 0, "", fmt.Errorf("wait %s: %w", binary, waitErr)
		}
	}
	if code != 0 {
		logger.Warn().Str("binary", binary).Int("code", code).Msg("IaC command exited non-zero")
		outcome = "nonzero_exit"
	} else {
		outcome = "success"
	}
	return code, combined.String(), nil
}

// readOutputs runs terraform output -json and extracts declaredOutputs.
func (b *TerraformBackend) readOutputs(ctx context.Context, binary, workspace string, declaredOutputs []string, authEnv map[string]string) (map[string]string, error) {
	exit, outJSON, err := b.runTf(ctx, binary, workspace, []string{"output", "-json", "-no-color"}, authEnv)
	if err != nil {
		return nil, driver.ErrProvisionFailed("terraform output: %v", err)
	}
	if exit != 0 {
		return nil, driver.ErrProvisionFailed("terraform output exited with code %d", exit)
	}

	var raw map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(outJSON)), &raw); err != nil {
		return nil, driver.ErrProvisionFailed("parse terraform output: %v", err)
	}

	outputs := make(map[string]string, len(declaredOutputs))
	for _, key := range declaredOutputs {
		entry, ok := raw[key]
		if !ok {
			return nil, driver.ErrProvisionFailed("declared output '%s' missing from terraform output", key)
		}
		var s string
		if err := json.Unmarshal(entry.Value, &s); err != nil {
			return nil, driver.ErrProvisionFailed("declared output '%s' is not a string", key)
		}
		outputs[key] = s
	}
	return outputs, nil
}

// ── IaC run logging ──────────────────────────────────────────────────

func (b *TerraformBackend) writeRun(
	ctx context.Context,
	enclave *domain.Enclave,
	partition *domain.Partition,
	operation store.IacOperation,
	reconcileRunID *uuid.UUID,
	runLog string,
	exitCode *int,
) {
	status := store.IacRunFailed
	if exitCode != nil && *exitCode == 0 {
		status = store.IacRunSucceeded
	}

	now := time.Now()
	run := &store.IacRun{
		ID:             uuid.New(),
		EnclaveID:      enclave.ID,
		PartitionID:    partition.ID,
		Operation:      operation,
		StartedAt:      now,
		FinishedAt:     &now,
		Status:         status,
		ExitCode:       exitCode,
		Log:            runLog,
		ReconcileRunID: reconcileRunID,
	}

	if err := b.Store.UpsertIacRun(ctx, run); err != nil {
		log.WithComponent("iac").Warn().Err(err).Msg("failed to persist IaC run log")
	}
}

// ── Helpers ───────────────────────────────────────────────────────────

// extractTfConfig resolves the binary name and TerraformConfig for a
// partition's backend. Called only on Terraform/OpenTofu partitions;
// Managed partitions are handled entirely by the reconciler.
func extractTfConfig(partition *domain.Partition) (string, *domain.TerraformConfig, error) {
	switch partition.Backend {
	case domain.BackendTerraform:
		cfg := partition.Terraform
		binary := "terraform"
		if cfg != nil && cfg.Tool != "" {
			binary = cfg.Tool
		}
		return binary, cfg, nil
	case domain.BackendOpenTofu:
		cfg := partition.Terraform
		binary := "tofu"
		if cfg != nil && cfg.Tool != "" {
			binary = cfg.Tool
		}
		return binary, cfg, nil
	default:
		return "", nil, driver.ErrInternal("extractTfConfig called on a %s partition", partition.Backend)
	}
}

// tfvar formats a single HCL string variable assignment, escaping
// backslashes and double-quotes in value.
func tfvar(key, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf("%s = \"%s\"\n", key, escaped)
}

func intPtr(v int) *int { return &v }
