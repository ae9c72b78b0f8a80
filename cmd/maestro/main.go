package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"maestro/internal/cache"
	"maestro/internal/conductor"
	"maestro/internal/config"
	"maestro/internal/ledger"
	"maestro/internal/logging"
	"maestro/internal/registry"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "maestro - deterministic obligation conductor",
	Long: `maestro resolves declarative obligations into executions of registered
deterministic tools: capability matching, tie-broken selection,
dependency-aware caching, budget enforcement, postcondition verification,
and escalation of failures into successor obligations.

Same obligations plus same backing state produce byte-identical traces.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// runCmd resolves a request of obligations and prints the trace.
var runCmd = &cobra.Command{
	Use:   "run [request.json]",
	Short: "Resolve an obligation request and emit its trace",
	Long: `Reads an obligation request ({"obligations": [{"type", "payload"}]})
from the given file, or from stdin when the argument is omitted, runs it
through the conductor, and prints the trace as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRequest,
}

// toolsCmd lists the registered tool contracts.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tool contracts and their selection attributes",
	RunE:  listTools,
}

// validateCmd checks the contracts directory without running anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every tool contract in the contracts directory",
	RunE:  validateContracts,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "maestro.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildConductor wires the full pipeline from config.
func buildConductor(ctx context.Context) (*conductor.Conductor, *registry.ContractWatcher, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	reg, err := registry.LoadRegistry(cfg.ContractsDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load contracts: %w", err)
	}
	logger.Info("contracts loaded", zap.Int("count", reg.Len()), zap.String("dir", cfg.ContractsDir))

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { db.Close() }

	bs, err := store.NewBackingStore(db)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if err := bs.SeedPeople(store.DefaultPeople()); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	cs, err := cache.NewStore(db)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	vl, err := ledger.New(db)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	rn := runner.New()
	builtins := &runner.Builtins{Store: bs, NewID: uuid.NewString, Now: time.Now}
	builtins.RegisterAll(rn)

	var watcher *registry.ContractWatcher
	if cfg.WatchContracts {
		watcher, err = registry.NewContractWatcher(cfg.ContractsDir, reg)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		if err := watcher.Start(ctx); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}

	cond := conductor.New(cfg, reg, cs, cache.NewFingerprinter(), bs, vl, rn)
	return cond, watcher, cleanup, nil
}

func runRequest(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	req, err := types.ParseObligationRequest(data)
	if err != nil {
		return err
	}

	cond, watcher, cleanup, err := buildConductor(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()
	if watcher != nil {
		defer watcher.Stop()
	}

	trace, execErr := cond.Execute(cmd.Context(), req)
	if trace != nil {
		out, err := trace.Bytes()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	if execErr != nil {
		return execErr
	}

	logger.Info("request finished",
		zap.String("trace_id", trace.TraceID),
		zap.String("status", trace.Status),
		zap.Int("tool_runs", trace.Metrics.ToolRuns),
		zap.Int("cache_hits", trace.Metrics.CacheHits))
	return nil
}

func listTools(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := registry.LoadRegistry(cfg.ContractsDir)
	if err != nil {
		return err
	}

	for _, name := range reg.Names() {
		c, _ := reg.Get(name)
		fmt.Printf("%-24s v%-8s reliability=%-6s cost=%-6s latency=%dms satisfies=%v\n",
			c.Name, c.Version, c.Reliability, c.Cost, c.LatencyMS, c.Satisfies)
	}
	return nil
}

func validateContracts(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := registry.LoadRegistry(cfg.ContractsDir)
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d contracts valid\n", reg.Len())
	return nil
}
