package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nclav-io/nclav/pkg/reconciler"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile DIR",
	Short: "Reconcile the enclave directory tree against the state store",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().Bool("dry-run", false, "Compute and print the diff without provisioning anything")
	reconcileCmd.Flags().String("api-base", "http://127.0.0.1:8088", "nclav's own base URL, passed to the IaC subprocess backend")
	reconcileCmd.Flags().String("auth-token", "", "Bearer token handed to the IaC subprocess backend as TF_HTTP_PASSWORD")

	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	dir := args[0]
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	apiBase, _ := cmd.Flags().GetString("api-base")
	authToken, _ := cmd.Flags().GetString("auth-token")

	ctx := context.Background()

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := buildRegistry(ctx)
	if err != nil {
		return fmt.Errorf("build driver registry: %w", err)
	}

	report, err := reconciler.Reconcile(ctx, reconciler.Request{
		EnclavesDir: dir,
		DryRun:      dryRun,
		ApiBase:     apiBase,
		AuthToken:   authToken,
	}, st, registry)
	if err != nil {
		return err
	}

	printReport(report)
	if len(report.Errors) > 0 {
		return fmt.Errorf("reconcile completed with %d error(s)", len(report.Errors))
	}
	return nil
}

func printReport(report *reconciler.Report) {
	if report.DryRun {
		fmt.Println("Dry run — no changes were applied.")
	}
	if len(report.Changes) == 0 {
		fmt.Println("No changes.")
	}
	for _, c := range report.Changes {
		fmt.Printf("  %-20s %s\n", c.Kind, changeSummary(c))
	}
	for _, e := range report.Errors {
		fmt.Printf("error: %s\n", e)
	}
}

func changeSummary(c reconciler.Change) string {
	switch c.Kind {
	case reconciler.ChangeEnclaveCreated, reconciler.ChangeEnclaveUpdated, reconciler.ChangeEnclaveDeleted:
		return string(c.EnclaveID)
	case reconciler.ChangePartitionCreated, reconciler.ChangePartitionUpdated:
		return fmt.Sprintf("%s/%s", c.EnclaveID, c.PartitionID)
	case reconciler.ChangeExportWired:
		return fmt.Sprintf("%s.%s", c.EnclaveID, c.ExportName)
	case reconciler.ChangeImportWired:
		return fmt.Sprintf("%s (alias %s)", c.ImporterEnclave, c.Alias)
	default:
		return ""
	}
}
