// ============================================================================
// Master CLI
// ============================================================================
//
// Package: internal/cli
// File: master.go
// Purpose: cobra command tree for cmd/contestmaster. Grounded on
// internal/cli/cli.go's BuildCLI/buildRunCommand pattern (persistent
// --config flag, a run subcommand that wires every component and blocks
// on SIGINT/SIGTERM, plus a status subcommand).
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

	"github.com/prologin-contest/contestmaster/internal/config"
	"github.com/prologin-contest/contestmaster/internal/contestdb"
	"github.com/prologin-contest/contestmaster/internal/dispatch"
	"github.com/prologin-contest/contestmaster/internal/master"
	"github.com/prologin-contest/contestmaster/internal/metrics"
	"github.com/prologin-contest/contestmaster/internal/rpc"
)

// BuildMasterCLI constructs cmd/contestmaster's command tree.
func BuildMasterCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:     "contestmaster",
		Short:   "Master node of a Prologin-style contest match scheduler",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/master.yaml", "config file path")

	rootCmd.AddCommand(buildMasterRunCommand(&configFile))
	rootCmd.AddCommand(buildMasterStatusCommand(&configFile))
	return rootCmd
}

func buildMasterRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the master: RPC server, dispatcher, reap loop, sweep loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(*configFile)
		},
	}
}

func runMaster(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	db, err := contestdb.Open(cfg.Master.Contest + ".db")
	if err != nil {
		return fmt.Errorf("cli: open contest db: %w", err)
	}
	defer db.Close()

	var coll *metrics.Collector
	if cfg.Metrics.Enabled {
		coll = metrics.NewCollector()
	}

	m := master.New(db, coll, cfg.Master.HeartbeatTimeout)

	srv := rpc.NewServer([]byte(cfg.Master.SharedSecret), nil)
	m.RegisterHandlers(srv)

	pool := rpc.NewPool([]byte(cfg.Master.SharedSecret), 10*time.Second)
	d := dispatch.New(m.Registry, m.Queue, m.Match, pool, db, dispatch.Config{RPCTimeout: 10 * time.Second})
	m.Tasks = d
	go d.Run()
	defer d.Stop()

	stopCh := make(chan struct{})
	go m.ReapLoop(stopCh, time.Duration(cfg.Master.HeartbeatSecs)*time.Second)
	go m.MatchSweepLoop(stopCh, 5*time.Second, 10*time.Minute)
	defer close(stopCh)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Master.Host, cfg.Master.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv}
	go func() {
		log.Info("master RPC server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("master RPC server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, stopping master")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

func buildMasterStatusCommand(configFile *string) *cobra.Command {
	var masterAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running master's /rpc/status and render a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("cli: load config: %w", err)
			}
			addr := masterAddr
			if addr == "" {
				addr = fmt.Sprintf("http://%s:%d", cfg.Master.Host, cfg.Master.Port)
			}
			return showMasterStatus(addr, []byte(cfg.Master.SharedSecret))
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "", "master base URL, e.g. http://localhost:9000 (default: from config)")
	return cmd
}
