package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nclav-io/nclav/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nclav",
	Short: "nclav - declarative multi-cloud enclave reconciler",
	Long: `nclav reconciles a directory of declarative enclave configs
against the state of their underlying cloud resources: projects,
compute partitions, managed databases, queues, and the network/DNS
wiring between them.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nclav version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./nclav-data", "Directory for the embedded state store (ignored if --store-dsn is set)")
	rootCmd.PersistentFlags().String("store-dsn", "", "PostgreSQL DSN for the state store (uses the embedded bbolt store if empty)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
