// Command drive runs the file storage service and its maintenance tools.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drive",
		Short: "drive - personal file storage with sharing and quotas",
		Long: `drive stores uploaded files as deduplicated, encrypted blobs and keeps a
record per file with its name, folder, sharing list and trash state.

QUICK START:

  # Issue a token for a user (auth.jwt_secret must be set in the config):
  drive token --config drive.yaml --user alice

  # Run the server:
  drive serve --config drive.yaml

  # Check storage consistency without changing anything:
  drive reconcile --config drive.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drive %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	})
	return rootCmd
}

// setupLogging configures the global logger. The --log-level flag wins over
// the configured level.
func setupLogging(configured string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	name := configured
	if logLevel != "" {
		name = logLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
