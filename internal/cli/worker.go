// ============================================================================
// Worker CLI
// ============================================================================
//
// Package: internal/cli
// File: worker.go
// Purpose: cobra command tree for cmd/contestworker. A worker has no local
// job submission concept (spec.md §6: workers only ever react to RPCs from
// the master and push heartbeats back), so this wires a single `run`
// subcommand, unlike the master's run/status pair.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prologin-contest/contestmaster/internal/agent"
	"github.com/prologin-contest/contestmaster/internal/config"
	"github.com/prologin-contest/contestmaster/internal/rpc"
	"github.com/prologin-contest/contestmaster/internal/workersvc"
)

// BuildWorkerCLI constructs cmd/contestworker's command tree.
func BuildWorkerCLI() *cobra.Command {
	var configFile string
	var masterAddr string

	rootCmd := &cobra.Command{
		Use:     "contestworker",
		Short:   "Worker node of a Prologin-style contest match scheduler",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/worker.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&masterAddr, "master", "", "master base URL, e.g. http://master:9000")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker: RPC server, job runner, heartbeat sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			if masterAddr == "" {
				return fmt.Errorf("cli: --master is required")
			}
			return runWorker(configFile, masterAddr)
		},
	}
	rootCmd.AddCommand(runCmd)
	return rootCmd
}

func runWorker(configFile, masterAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	runner := agent.NewRunner(
		agent.PathConfig{
			CompileScript: cfg.Path.CompileScript,
			Makefiles:     cfg.Path.Makefiles,
			StechecServer: cfg.Path.StechecServer,
			StechecClient: cfg.Path.StechecClient,
			Rules:         cfg.Path.Rules,
			Dumper:        cfg.Path.Dumper,
		},
		agent.TimeoutConfig{
			Compile: cfg.Timeout.Compile,
			Server:  cfg.Timeout.Server,
			Dumper:  cfg.Timeout.Dumper,
			Client:  cfg.Timeout.Client,
		},
	)

	masterClient := rpc.NewClient(masterAddr, []byte(cfg.Master.SharedSecret), 10*time.Second)
	svc := workersvc.New(workersvc.Hostname(), cfg.Worker.Port, cfg.Worker.AvailableSlots,
		cfg.Worker.PortRangeStart, cfg.Worker.PortRangeEnd, runner, masterClient,
		time.Duration(cfg.Master.HeartbeatSecs)*time.Second)

	srv := rpc.NewServer([]byte(cfg.Master.SharedSecret), nil)
	svc.RegisterHandlers(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.SendHeartbeats(ctx)
	defer cancel()

	addr := fmt.Sprintf(":%d", cfg.Worker.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv}
	go func() {
		log.Info("worker RPC server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("worker RPC server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, stopping worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}
