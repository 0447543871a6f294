package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surgehq/surge/pkg/api"
	"github.com/surgehq/surge/pkg/config"
	"github.com/surgehq/surge/pkg/events"
	"github.com/surgehq/surge/pkg/executor"
	"github.com/surgehq/surge/pkg/lease"
	"github.com/surgehq/surge/pkg/log"
	"github.com/surgehq/surge/pkg/node"
	"github.com/surgehq/surge/pkg/planner"
	"github.com/surgehq/surge/pkg/policy"
	"github.com/surgehq/surge/pkg/provider"
	"github.com/surgehq/surge/pkg/selfheal"
	"github.com/surgehq/surge/pkg/storage"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a convergence node",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a convergence node",
	Long: `Start a convergence node: the embedded lease coordinator, the
convergence loop, the self-heal scheduler, and the HTTP API.

The first node of a cluster runs with --bootstrap; later nodes point
--peers at any running replica.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyNodeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: !cfg.Logging.Pretty,
		})
		logger := log.WithNodeID(cfg.NodeID)

		store, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "state"), cfg.BootstrapSchema)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		coordinator := lease.NewCoordinator(lease.CoordinatorConfig{
			NodeID:        cfg.NodeID,
			DataDir:       filepath.Join(cfg.DataDir, "leases"),
			BindAddr:      cfg.Partition.BindAddr,
			HTTPAddr:      cfg.Partition.HTTPAddr,
			Peers:         cfg.Partition.Peers,
			Bootstrap:     cfg.Partition.Bootstrap,
			SweepInterval: cfg.Partition.SweepEvery,
		})
		if err := coordinator.Start(ctx); err != nil {
			return fmt.Errorf("failed to start lease coordinator: %w", err)
		}
		defer coordinator.Stop()
		logger.Info().Str("bind", cfg.Partition.BindAddr).Msg("lease coordinator started")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		var providerOpts []provider.Option
		if cfg.Provider.AuthEndpoint != "" {
			providerOpts = append(providerOpts, provider.WithAuth(provider.Auth{
				Endpoint: cfg.Provider.AuthEndpoint,
				Username: cfg.Provider.AuthUsername,
				APIKey:   cfg.Provider.AuthAPIKey,
			}))
		}
		cloud := provider.NewHTTPProvider(cfg.Provider.Endpoint, providerOpts...)
		evaluator := policy.NewEvaluator(store, broker)

		nodeCfg := node.DefaultConfig(cfg.NodeID)
		nodeCfg.LeaseTTL = cfg.Partition.LeaseTTL
		nodeCfg.RenewInterval = cfg.Partition.LeaseTTL / 3
		nodeCfg.MaxConcurrent = cfg.Converge.MaxConcurrent
		nodeCfg.PollInterval = cfg.Converge.PollInterval
		nodeCfg.StoreBackoff = cfg.Converge.StoreBackoff
		nodeCfg.PendingDeadline = cfg.Converge.PendingDeadline
		nodeCfg.Executor = executor.Config{
			MaxAttempts:     cfg.Converge.MaxAttempts,
			StepConcurrency: cfg.Converge.StepConcurrency,
			Backoff: executor.Backoff{
				Base:   cfg.Converge.RetryBase,
				Max:    cfg.Converge.RetryMax,
				Factor: 2,
			},
		}
		worker := node.New(nodeCfg, store, cloud, coordinator, broker)

		nodeErrCh := make(chan error, 1)
		go func() {
			nodeErrCh <- worker.Run(ctx)
		}()
		logger.Info().Msg("convergence loop started")

		healer := selfheal.NewScheduler(store, evaluator, worker, cfg.Converge.SelfHealInterval)
		healer.Start()
		defer healer.Stop()
		logger.Info().Dur("interval", cfg.Converge.SelfHealInterval).Msg("self-heal scheduler started")

		apiServer := api.NewServer(store, evaluator, planner.New(cfg.Converge.PendingDeadline), coordinator, cfg.API.RootURL)
		apiErrCh := make(chan error, 1)
		go func() {
			apiErrCh <- apiServer.Start(cfg.API.ListenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-apiErrCh:
			logger.Error().Err(err).Msg("api server failed")
		case err := <-nodeErrCh:
			if err != nil {
				logger.Error().Err(err).Msg("convergence loop failed")
			}
		}

		cancel()
		return nil
	},
}

func applyNodeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.Partition.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("lease-addr"); v != "" {
		cfg.Partition.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetStringSlice("peers"); len(v) > 0 {
		cfg.Partition.Peers = v
	}
	if cmd.Flags().Changed("bootstrap") {
		cfg.Partition.Bootstrap, _ = cmd.Flags().GetBool("bootstrap")
	}
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)

	nodeRunCmd.Flags().String("config", "", "Path to YAML config file")
	nodeRunCmd.Flags().String("node-id", "", "Unique node ID")
	nodeRunCmd.Flags().String("data-dir", "", "Data directory for state and lease logs")
	nodeRunCmd.Flags().String("bind-addr", "", "Address for lease replication")
	nodeRunCmd.Flags().String("lease-addr", "", "Address for the lease HTTP API")
	nodeRunCmd.Flags().String("api-addr", "", "Address for the status API")
	nodeRunCmd.Flags().StringSlice("peers", nil, "Lease HTTP addresses of existing replicas")
	nodeRunCmd.Flags().Bool("bootstrap", false, "Bootstrap a fresh single-node cluster")
}
