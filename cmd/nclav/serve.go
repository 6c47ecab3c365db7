package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
	"github.com/nclav-io/nclav/pkg/reconciler"
	"github.com/nclav-io/nclav/pkg/stateapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve DIR",
	Short: "Stand up the store-backed IaC state API, optionally reconciling DIR on a fixed interval",
	Long: `serve runs the Terraform remote-state/lock HTTP API IaC
subprocesses talk to. Reconcile itself is normally invoked externally
(CI, a human, cron); passing --interval layers an optional periodic
reconcile of DIR on top of the single-shot Reconcile call, for
deployments that want nclav to drive its own convergence loop.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8088", "Address the state API listens on")
	serveCmd.Flags().Duration("interval", 0, "Reconcile DIR on this interval (0 disables periodic reconcile)")
	serveCmd.Flags().String("api-base", "", "nclav's own base URL as seen by IaC subprocesses (defaults to http://<listen>)")
	serveCmd.Flags().String("auth-token", "", "Bearer token handed to the IaC subprocess backend as TF_HTTP_PASSWORD")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := args[0]
	listen, _ := cmd.Flags().GetString("listen")
	interval, _ := cmd.Flags().GetDuration("interval")
	apiBase, _ := cmd.Flags().GetString("api-base")
	authToken, _ := cmd.Flags().GetString("auth-token")
	if apiBase == "" {
		apiBase = fmt.Sprintf("http://%s", listen)
	}

	logger := log.WithComponent("cli")
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

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

	server := stateapi.NewServer(st, authToken)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(listen); err != nil && err.Error() != "http: Server closed" {
			metrics.RegisterComponent("stateapi", false, err.Error())
			errCh <- fmt.Errorf("state api server: %w", err)
		}
	}()
	metrics.RegisterComponent("stateapi", true, "ready")
	fmt.Printf("✓ State API listening on %s\n", listen)

	var c *cron.Cron
	if interval > 0 {
		c = cron.New()
		spec := fmt.Sprintf("@every %s", interval)
		_, err := c.AddFunc(spec, func() {
			logger.Info().Str("enclaves_dir", dir).Msg("periodic reconcile starting")
			report, err := reconciler.Reconcile(ctx, reconciler.Request{
				EnclavesDir: dir,
				ApiBase:     apiBase,
				AuthToken:   authToken,
			}, st, registry)
			if err != nil {
				logger.Error().Err(err).Msg("periodic reconcile failed")
				return
			}
			logger.Info().Int("changes", len(report.Changes)).Int("errors", len(report.Errors)).Msg("periodic reconcile completed")
		})
		if err != nil {
			return fmt.Errorf("schedule reconcile: %w", err)
		}
		c.Start()
		fmt.Printf("✓ Periodic reconcile of %s every %s\n", dir, interval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	if c != nil {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown state api server: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
