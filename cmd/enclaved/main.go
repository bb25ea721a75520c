// Command enclaved runs the confidential task platform's server: the
// storage engine, scheduler ingest loop, and gRPC Service Fabric, wired
// together under one root command that serves directly; --version
// prints the build version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloakmesh/enclave/pkg/api"
	"github.com/cloakmesh/enclave/pkg/audit"
	"github.com/cloakmesh/enclave/pkg/config"
	"github.com/cloakmesh/enclave/pkg/log"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/scheduler"
	"github.com/cloakmesh/enclave/pkg/security"
	"github.com/cloakmesh/enclave/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "enclaved",
	Short:   "enclaved runs the confidential-computing task platform server",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("enclaved version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().String("config", "", "path to a YAML config file (defaults applied if empty)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("enclaved: create data dir: %w", err)
	}
	db, err := storage.Open(cfg.DataDir, storage.Options{CreateIfMissing: true}, log.WithComponent("storage"))
	if err != nil {
		return fmt.Errorf("enclaved: open storage: %w", err)
	}
	defer db.Close()

	metrics.SetVersion(Version)
	metrics.RegisterProbe("storage", true, func() (bool, string) {
		if _, err := db.Get([]byte("healthz"), nil); err != nil && !storage.IsNotFound(err) {
			return false, err.Error()
		}
		return true, ""
	})

	store := objectstore.New(db)
	auditLog := audit.New(db)
	sched := scheduler.New(store)
	sched.Start()
	defer sched.Stop()
	metrics.RegisterProbe("scheduler", true, func() (bool, string) {
		age := time.Since(sched.LastIngestTick())
		if age > 3*scheduler.IngestInterval {
			return false, fmt.Sprintf("last ingest tick %s ago", age.Round(time.Second))
		}
		return true, ""
	})

	collector := metrics.NewCollector(sched.QueueDepth, sched.ExecutorCounts, store.ListTasks)
	collector.Start()
	defer collector.Stop()

	var peers *security.PeerManifest
	if len(cfg.PeerIdentities) > 0 {
		peers = security.NewPeerManifest(cfg.PeerIdentities...)
	}
	srv := api.NewServer(api.Config{Store: store, Scheduler: sched, Audit: auditLog, Peers: peers})
	metrics.RegisterProbe("api", true, func() (bool, string) {
		if !srv.Serving() {
			return false, "listener not accepting connections"
		}
		return true, ""
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := api.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutting down")
		cancel()
		srv.Stop()
	}()

	return srv.Serve(cfg.ListenAddr)
}
