package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nclav-io/nclav/pkg/config"
	"github.com/nclav-io/nclav/pkg/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate DIR",
	Short: "Load and validate an enclave directory tree without touching any store or driver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]

		enclaves, err := config.Load(dir)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}

		resolved, err := graph.Validate(enclaves)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}

		fmt.Printf("✓ %d enclaves, %d wirings\n", len(enclaves), len(resolved.Wiring))
		fmt.Println("Topological order:")
		for i, id := range resolved.TopoOrder {
			fmt.Printf("  %d. %s\n", i+1, id)
		}
		if len(resolved.Wiring) > 0 {
			fmt.Println("Wiring:")
			for _, w := range resolved.Wiring {
				fmt.Printf("  %s -> %s (%s)\n", w.ExporterEnclave, w.ImporterEnclave, w.ExportName)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
