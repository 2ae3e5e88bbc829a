// Package cli provides the command-line interface for cryoprocess.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cryoprocess",
		Short: "Automated cryo-EM preprocessing pipeline orchestrator",
		Long: `cryoprocess ` + version.Version + ` - Built: ` + version.BuildTime + `
Watches microscope output directories and drives the preprocessing
pipeline (import, motion correction, CTF estimation, picking,
extraction, 2D classification) as new movies arrive.

Typical workflow:
  # Create a session watching a collection directory
  cryoprocess session create --project krios1 --name grid3 \
      --dir /data/grid3/movies --pixel-size 1.07 --voltage 300

  # Run it in the foreground
  cryoprocess session start <session-id>

  # Or run all resumed sessions as a long-lived service
  cryoprocess serve`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefault()
			if verbose {
				logging.SetGlobalLevel("debug")
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newVersionCmd creates the 'version' command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cryoprocess %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}

// Execute runs the root command with signal-driven cancellation.
func Execute() error {
	rootContext, cancelFunc = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	return NewRootCmd().ExecuteContext(rootContext)
}

// GetLogger returns the CLI logger, initializing one if commands run
// outside Execute (tests).
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return logger
}

// GetContext returns the signal-aware root context.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}
