package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gantrycd/gantry/pkg/config"
	"github.com/gantrycd/gantry/pkg/coordination"
	"github.com/gantrycd/gantry/pkg/events"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/metrics"
	"github.com/gantrycd/gantry/pkg/scheduler"
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
	Use:   "gantry",
	Short: "Gantry - Speculative gating pipeline scheduler",
	Long: `Gantry keeps software projects always mergeable: changes are tested
against the speculative future state of every change ahead of them, and
only merge when their combined result succeeds.

Pipelines, queues, and semaphores are described in a single YAML file;
state is shared between schedulers through an embedded coordination
store, single-node or raft-replicated.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gantry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run CONFIG",
	Short: "Run the scheduler for a tenant",
	Long: `Run the scheduler for the tenant described by CONFIG.

Pipeline state lives in the coordination store under the data directory.
With --raft, the store is replicated: the first node passes --bootstrap,
later nodes join an existing quorum. Code review connectors, mergers,
executors, and node providers attach in process through the scheduler
API; the binary itself serves the coordination, metrics, and event
plane.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		useRaft, _ := cmd.Flags().GetBool("raft")
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")

		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: jsonLogs,
		})
		logger := log.WithComponent("main")

		cfg, err := config.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		store, err := openStore(useRaft, dataDir, nodeID, bindAddr, bootstrap)
		if err != nil {
			return fmt.Errorf("failed to open coordination store: %v", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		sched, err := scheduler.New(scheduler.Config{
			Tenant: cfg,
			Store:  store,
			Broker: broker,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %v", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %v", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %v", err)
			}
		}()

		logger.Info().
			Str("tenant", cfg.Tenant).
			Int("pipelines", len(cfg.Pipelines)).
			Str("metrics", metricsAddr).
			Msg("Gantry is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("Shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("Shutting down")
		}

		sched.Stop()
		httpServer.Close()
		return nil
	},
}

func openStore(useRaft bool, dataDir, nodeID, bindAddr string,
	bootstrap bool) (coordination.Store, error) {
	if !useRaft {
		return coordination.NewBoltStore(dataDir)
	}
	store, err := coordination.NewRaftStore(&coordination.RaftConfig{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return nil, err
	}
	if bootstrap {
		err = store.Bootstrap()
	} else {
		err = store.Join()
	}
	if err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func init() {
	runCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("json-logs", false, "Emit JSON logs instead of console output")
	runCmd.Flags().String("data-dir", "./gantry-data", "Data directory for the coordination store")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for the Prometheus metrics endpoint")
	runCmd.Flags().Bool("raft", false, "Replicate the coordination store with raft")
	runCmd.Flags().String("node-id", "gantry-1", "Unique node ID for raft")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7947", "Address for raft communication")
	runCmd.Flags().Bool("bootstrap", false, "Bootstrap a new raft quorum with this node")
}
