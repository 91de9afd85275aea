// Package cli implements the feedsync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/config"
	"github.com/tunjid/heron-sub003/internal/db"
	"github.com/tunjid/heron-sub003/internal/logging"
)

var (
	configFile  string
	jsonOutput  bool
	jsonlOutput bool
	quiet       bool
	verbose     bool
	logLevel    string
	logFormat   string
	dbPath      string
	remoteAddr  string
	viewerFlag  string

	appConfig *config.Config
	logCloser io.Closer

	// contextStore is swapped in tests.
	contextStore = config.NewContextStore("")
)

var rootCmd = &cobra.Command{
	Use:           "feedsync",
	Short:         "Inspect and drive the local feed sync store",
	Long:          "feedsync inspects the local item cache, write queue and sync event log, and runs one-shot syncs against a remote.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput && jsonlOutput {
			return fmt.Errorf("--json and --jsonl are mutually exclusive")
		}
		return initConfig()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is $HOME/.config/feedsync/config.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress human-readable output")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.StringVar(&logLevel, "log-level", "", "override logging level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "override logging format (auto, json, console)")
	flags.StringVar(&dbPath, "db", "", "database path (default is <data_dir>/feedsync.db)")
	flags.StringVar(&remoteAddr, "remote", "", "remote address host:port")
	flags.StringVar(&viewerFlag, "viewer", "", "viewer to act as")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func initConfig() error {
	loader := config.NewLoader()
	if configFile != "" {
		loader.SetConfigFile(configFile)
	}
	if dbPath != "" {
		loader.Set("database.path", dbPath)
	}
	if remoteAddr != "" {
		loader.Set("remote.addr", remoteAddr)
	}
	if viewerFlag != "" {
		loader.Set("global.viewer", viewerFlag)
	}
	if logLevel != "" {
		loader.Set("logging.level", logLevel)
	} else if verbose {
		loader.Set("logging.level", "debug")
	}
	if logFormat != "" {
		loader.Set("logging.format", logFormat)
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	appConfig = cfg

	logCloser = logging.Init(cfg.LoggingConfig())
	if used := loader.ConfigFileUsed(); used != "" {
		logger := logging.Component("cli")
		logger.Debug().Str("config_file", used).Msg("loaded config file")
	}
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// openDatabase opens and migrates the configured database.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	if cfg.Database.Path == "" {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
	}

	database, err := db.Open(cfg.DBConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := database.MigrateUp(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// IsJSONOutput reports whether --json was passed.
func IsJSONOutput() bool { return jsonOutput }

// IsJSONLOutput reports whether --jsonl was passed.
func IsJSONLOutput() bool { return jsonlOutput }

// IsQuiet reports whether human-readable output is suppressed.
func IsQuiet() bool { return quiet }

// IsVerbose reports whether --verbose was passed.
func IsVerbose() bool { return verbose }

func stdout() io.Writer { return os.Stdout }
