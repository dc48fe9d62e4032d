package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/xbrlflow/internal/config"
)

var (
	cfgFile   string
	dataDir   string
	dbPath    string
	workers   int
	logFormat string
	logLevel  string

	rootLogger *slog.Logger
	appConfig  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "xbrlflow",
	Short: "Extract facts from bulk XBRL filing releases.",
	Long: `xbrlflow parses monthly releases of inline XBRL company accounts into one
row per fact, verifies that enough documents made it into the table and exports
the table as a single tab separated file.

The 'run' command executes the whole pipeline on this machine, with files under
--data-dir and tables and run state in a DuckDB database. The same stages run as
Cloud Functions in production.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(cfgFile)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("data-dir") {
			cfg.Local.DataDir = dataDir
		}
		if flags.Changed("db-path") {
			cfg.Local.DBPath = dbPath
		}
		if flags.Changed("workers") {
			cfg.Pipeline.Workers = workers
		}
		if flags.Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if flags.Changed("log-format") {
			cfg.Logging.Format = logFormat
		}
		appConfig = cfg

		var level slog.Level
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}
		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if cfg.Logging.Format == "json" {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(os.Stderr, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Configuration loaded", "dataDir", cfg.Local.DataDir, "dbPath", cfg.Local.DBPath, "config", cfgFile)
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(jobsCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file; environment variables override it")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "Directory standing in for the source and export buckets")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "data/xbrlflow.duckdb", "Path to the DuckDB database holding tables and run state")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Parser workers per batch (0 uses every CPU)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func main() {
	Execute()
}
