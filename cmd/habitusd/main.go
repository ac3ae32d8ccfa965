package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/pipeline"
)

func main() {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "habitusd",
		Short: "habitus - privacy-first smart-home co-pilot core",
		Long:  "Runs the habitus inference pipeline: the bounded brain graph, neuron ticks, habit mining and candidate lifecycle, all on the local machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.Flags()

	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides HABITUS_CONFIG env)")
	cliOverrides.DataPath = f.String("data-path", "", "Data directory for persisted state")
	cliOverrides.StorageEngine = f.String("engine", "", "Graph store engine (memory|badger)")
	cliOverrides.Compress = f.Bool("compress", false, "Compress graph snapshots")
	cliOverrides.GraphMaxNodes = f.Int("max-nodes", 0, "Graph node capacity")
	cliOverrides.GraphMaxEdges = f.Int("max-edges", 0, "Graph edge capacity")
	cliOverrides.MinerThrottle = f.Duration("miner-throttle", 0, "Minimum gap between mining runs")
	cliOverrides.MinerMaxRules = f.Int("miner-max-rules", 0, "Maximum rules kept per mining run")
	cliOverrides.MoodHistory = f.Int("mood-history", 0, "Mood snapshot history length")
	cliOverrides.TickInterval = f.Duration("tick-interval", 0, "Neuron tick interval")
	cliOverrides.Workers = f.Int("workers", 0, "Worker pool size for blocking operations")
	cliOverrides.DecayInterval = f.Duration("decay-interval", 0, "Graph decay/prune interval")
	cliOverrides.PersistInterval = f.Duration("persist-interval", 0, "State flush interval")
	cliOverrides.MineInterval = f.Duration("mine-interval", 0, "Background mining interval")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run implements the daemon startup sequence after CLI flags are parsed.
func run(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) error {
	// Resolve config path: --config flag > HABITUS_CONFIG env var.
	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("HABITUS_CONFIG")
	}

	// Load config through the hierarchy: defaults -> YAML -> env vars.
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply only flags that were explicitly set on the command line.
	applyExplicitFlags(flags, cfg, cliOverrides)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting habitusd",
		zap.String("data_path", cfg.Storage.DataPath),
		zap.String("engine", cfg.Storage.Engine))

	c, err := pipeline.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	c.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The tick loop drives neuron evaluation until shutdown. Sensor
	// readings arrive via ingress collaborators; ticks between readings
	// evaluate on the derived inputs alone.
	ticker := time.NewTicker(cfg.Pipeline.TickInterval)
	defer ticker.Stop()

	logger.Info("habitusd ready", zap.Duration("tick_interval", cfg.Pipeline.TickInterval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			if err := c.Close(); err != nil {
				logger.Error("shutdown error", zap.Error(err))
				return err
			}
			logger.Info("habitusd shutdown complete")
			return nil
		case now := <-ticker.C:
			res := c.Tick(now, nil)
			if res.MoodChanged {
				logger.Info("dominant mood changed",
					zap.String("mood", res.DominantMood),
					zap.Float64("confidence", res.Confidence))
			}
		}
	}
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("engine") {
		overrides.StorageEngine = o.StorageEngine
	}
	if flags.Changed("compress") {
		overrides.Compress = o.Compress
	}
	if flags.Changed("max-nodes") {
		overrides.GraphMaxNodes = o.GraphMaxNodes
	}
	if flags.Changed("max-edges") {
		overrides.GraphMaxEdges = o.GraphMaxEdges
	}
	if flags.Changed("miner-throttle") {
		overrides.MinerThrottle = o.MinerThrottle
	}
	if flags.Changed("miner-max-rules") {
		overrides.MinerMaxRules = o.MinerMaxRules
	}
	if flags.Changed("mood-history") {
		overrides.MoodHistory = o.MoodHistory
	}
	if flags.Changed("tick-interval") {
		overrides.TickInterval = o.TickInterval
	}
	if flags.Changed("workers") {
		overrides.Workers = o.Workers
	}
	if flags.Changed("decay-interval") {
		overrides.DecayInterval = o.DecayInterval
	}
	if flags.Changed("persist-interval") {
		overrides.PersistInterval = o.PersistInterval
	}
	if flags.Changed("mine-interval") {
		overrides.MineInterval = o.MineInterval
	}

	cfg.ApplyCLIOverrides(&overrides)
}
