package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cagcore/internal/cache"
	"cagcore/internal/config"
	"cagcore/internal/engine"
	"cagcore/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cag",
	Short: "CAG - Cache-Augmented Generation engine",
	Long: `cag is the Cache-Augmented Generation core.

It preloads ranked knowledge into a layered warm cache and assembles a
token-budgeted context window per query, so downstream generation never
waits on the knowledge store.

Knowledge access is configured with exactly one of a direct PostgreSQL
store or a tool-invocation endpoint (see --config).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// testCmd runs the built-in self-test against the configured store
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the built-in engine self-test",
	Long: `Runs three representative queries against one session, printing the
per-query envelope summaries, the final cache summary, and the aggregate
performance metrics.`,
	RunE: runSelfTest,
}

// queryCmd processes a single query
var queryCmd = &cobra.Command{
	Use:   "query [text...]",
	Short: "Process a single query and print the envelope summary",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (CAG_* env vars override)")

	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(queryCmd)
}

// buildEngine loads configuration and constructs the engine. Errors here are
// the only ones that exit non-zero.
func buildEngine() (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := logging.Configure(logging.Settings{
		Enabled:    cfg.Logging.DebugMode,
		Dir:        cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	eng, cfg, err := buildEngine()
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	mode := "direct"
	if cfg.ToolMode() {
		mode = "tool"
	}
	fmt.Println("=== CAG ENGINE TEST ===")
	fmt.Printf("Mode: %s, project: %s\n", mode, cfg.Project)

	testSession := "cag-test-session-001"
	testQueries := []string{
		"How do I implement CAG architecture?",
		"What is the database schema for knowledge persistence?",
		"Show me pattern recognition implementation details",
	}
	userCtx := &cache.UserContext{
		Keywords: []string{"CAG", "implementation", "architecture"},
		Project:  cfg.Project,
	}

	ctx := context.Background()
	for i, query := range testQueries {
		fmt.Printf("\n--- Query %d: %s ---\n", i+1, query)

		env, err := eng.ProcessQuery(ctx, query, testSession, userCtx)
		if err != nil {
			logger.Error("query failed", zap.String("query", query), zap.Error(err))
			continue
		}
		fmt.Printf("Context loaded: %v\n", env.ContextLoaded)
		fmt.Printf("Context size: %d tokens\n", env.ContextSizeTokens)
		fmt.Printf("Cached items: %d\n", env.CachedKnowledgeItems)
		fmt.Printf("Processing time: %v\n", env.Performance.TotalProcessingTime)
		fmt.Printf("Cache hit: %v\n", env.Performance.CacheHit)
	}

	fmt.Println("\n--- FINAL CACHE SUMMARY ---")
	summary := eng.CachedKnowledgeSummary("")
	fmt.Printf("Total cached items: %d\n", summary.TotalCachedItems)
	fmt.Printf("Cache layers: %d\n", summary.CacheLayers)
	fmt.Printf("Average priority: %.2f\n", summary.AveragePriority)
	fmt.Printf("Memory usage estimate: %d chars\n", summary.MemoryEstimate)
	for _, sample := range summary.SampleItems {
		fmt.Printf("  %s (priority %.2f): %s\n", sample.Key, sample.Priority, sample.Title)
	}

	fmt.Println("\n--- PERFORMANCE METRICS ---")
	m := summary.Metrics
	fmt.Printf("Total queries: %d\n", m.TotalQueries)
	fmt.Printf("Cache hits: %d\n", m.CacheHits)
	fmt.Printf("Cache misses: %d\n", m.CacheMisses)
	fmt.Printf("Average response time: %v\n", m.AverageResponseTime)
	fmt.Printf("Cache hit rate: %.1f%%\n", m.HitRate()*100)
	if m.ToolCalls > 0 {
		fmt.Printf("Tool calls: %d\n", m.ToolCalls)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	eng, _, err := buildEngine()
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	query := strings.Join(args, " ")
	fmt.Printf("Processing query: %s\n", query)

	env, err := eng.ProcessQuery(context.Background(), query, "cli-session", nil)
	if err != nil {
		// Pipeline failures degrade inside the envelope; anything else is
		// logged but does not change the exit code.
		logger.Error("query failed", zap.Error(err))
		return nil
	}

	status := "MISS"
	if env.Performance.CacheHit {
		status = "HIT"
	}
	fmt.Println("\nResponse Summary:")
	fmt.Printf("- Context tokens: %d\n", env.ContextSizeTokens)
	fmt.Printf("- Processing time: %v\n", env.Performance.TotalProcessingTime)
	fmt.Printf("- Cache status: %s\n", status)

	if verbose {
		fmt.Println("\nContext layers:")
		for layer, present := range env.ContextLayers {
			fmt.Printf("- %s: %v\n", layer, present)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
