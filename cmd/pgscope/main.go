package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pgscope/pgscope/pkg/advisor"
	"github.com/pgscope/pgscope/pkg/config"
	"github.com/pgscope/pgscope/pkg/hypo"
	"github.com/pgscope/pgscope/pkg/logger"
	"github.com/pgscope/pgscope/pkg/pgstats"
	"github.com/pgscope/pgscope/pkg/planhistory"
	"github.com/pgscope/pgscope/pkg/rewrite"
	mcpserver "github.com/pgscope/pgscope/server/mcp"
)

var (
	configPath  string
	dsn         string
	transport   string
	logLevel    string
	historyPath string
)

var rootCmd = &cobra.Command{
	Use:   "pgscope",
	Short: "PostgreSQL performance introspection over MCP",
	Long: `pgscope is an MCP server that gives AI assistants read-only insight
into PostgreSQL performance: slow queries, plan analysis, health
checks, plan history, and an index advisor that verifies its
recommendations against the planner with hypopg.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to JSON config file")
	rootCmd.Flags().StringVarP(&dsn, "dsn", "d", "", "PostgreSQL connection string (overrides config and PGSCOPE_DSN)")
	rootCmd.Flags().StringVarP(&transport, "transport", "t", "", "MCP transport: stdio or http (overrides config)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.Flags().StringVar(&historyPath, "history-path", "", "Directory for the plan history database (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✘ %v", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Server.Transport = transport
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if historyPath != "" {
		cfg.History.Path = historyPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level)

	// On stdio the protocol owns stdout, so the banner goes to stderr.
	banner(cfg)

	// The --dsn flag wins over both the config file and PGSCOPE_DSN.
	effectiveDSN := cfg.Database.EffectiveDSN()
	if dsn != "" {
		effectiveDSN = dsn
	}

	ctx := context.Background()
	db, err := pgstats.Connect(ctx, pgstats.ConnConfig{
		DSN:             effectiveDSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	introspector := pgstats.NewIntrospector(db, "")
	provider := pgstats.NewPostgresProvider(db, "")

	var bridge hypo.Bridge
	if hb, err := hypo.NewHypoPGBridge(ctx, db); err != nil {
		log.Warn("hypopg unavailable, index recommendations will not be planner-verified", "error", err)
		fmt.Fprintln(os.Stderr, color.YellowString("! hypopg not available; recommendations will be analytical only"))
	} else {
		bridge = hb
		defer hb.Close(ctx)
		fmt.Fprintln(os.Stderr, color.GreenString("✔ hypopg available, recommendations are planner-verified"))
	}

	history, err := planhistory.Open(cfg.History.Path, cfg.History.Retention, log)
	if err != nil {
		return fmt.Errorf("open plan history: %w", err)
	}
	defer history.Close()

	deps := &mcpserver.ToolDeps{
		Introspector: introspector,
		Workload:     provider,
		Bridge:       bridge,
		Advisor:      advisor.New(provider, bridge, log),
		History:      history,
		Rewriter:     rewrite.New(),
		AdvisorCfg:   cfg.Advisor,
		Log:          log,
	}

	return mcpserver.NewServer(cfg, deps, log).Start()
}

func banner(cfg *config.Config) {
	color.New(color.FgCyan, color.Bold).Fprintln(os.Stderr, "pgscope")
	fmt.Fprintf(os.Stderr, "  transport: %s", cfg.Server.Transport)
	if cfg.Server.Transport == "http" {
		fmt.Fprintf(os.Stderr, " (%s:%d%s)", cfg.Server.Host, cfg.Server.Port, cfg.Server.EndpointPath)
	}
	fmt.Fprintln(os.Stderr)
	if cfg.History.Path == "" {
		fmt.Fprintln(os.Stderr, "  plan history: in-memory")
	} else {
		fmt.Fprintf(os.Stderr, "  plan history: %s\n", cfg.History.Path)
	}
}
