package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/msgarchive/internal/config"
	"github.com/Napageneral/msgarchive/internal/db"
	"github.com/Napageneral/msgarchive/internal/logging"
	"github.com/Napageneral/msgarchive/internal/render"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
)

// Exit statuses.
const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "msgarchive",
		Short: "Export a Messages database to a static HTML archive",
		Long: `msgarchive reads a local Messages database (chat.db), resolves
senders against your contacts and writes one HTML page per
conversation plus a searchable index.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("msgarchive %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newChatsCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize msgarchive config and run ledger",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigDir  string `json:"config_dir,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				DataDir    string `json:"data_dir,omitempty"`
				DBPath     string `json:"db_path,omitempty"`
			}

			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				result.OK = false
				result.Message = fmt.Sprintf("Failed to get config directory: %v", err)
				fail(result, result.Message)
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				result.OK = false
				result.Message = fmt.Sprintf("Failed to get data directory: %v", err)
				fail(result, result.Message)
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(dataDir, 0755); err != nil {
				result.OK = false
				result.Message = fmt.Sprintf("Failed to create data directory: %v", err)
				fail(result, result.Message)
			}

			if err := db.Init(); err != nil {
				result.OK = false
				result.Message = fmt.Sprintf("Failed to initialize database: %v", err)
				fail(result, result.Message)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				result.OK = false
				result.Message = fmt.Sprintf("Failed to get database path: %v", err)
				fail(result, result.Message)
			}
			result.DBPath = dbPath

			// An existing config is left untouched.
			result.ConfigPath = filepath.Join(configDir, "config.yaml")
			if _, err := os.Stat(result.ConfigPath); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					result.OK = false
					result.Message = fmt.Sprintf("Failed to save config: %v", err)
					fail(result, result.Message)
				}
			}
			cfg, err := config.Load()
			if err != nil {
				result.OK = false
				result.Message = fmt.Sprintf("Failed to load config: %v", err)
				fail(result, result.Message)
			}
			result.Message = "Initialized"

			if jsonOutput {
				printJSON(result)
				return
			}
			fmt.Printf("✓ Config:   %s\n", result.ConfigPath)
			fmt.Printf("✓ Ledger:   %s\n", result.DBPath)
			fmt.Printf("  Messages: %s\n", cfg.Source.ChatDB)
		},
	}
}

// loadConfig loads the config and builds the logger it describes.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Verbose: verbose,
	})
}

// exitCode maps an export error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, render.ErrPartial):
		return exitPartial
	default:
		return exitFailure
	}
}

// fail reports result and exits with status 1.
func fail(result any, message string) {
	if jsonOutput {
		printJSON(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
	os.Exit(exitFailure)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
