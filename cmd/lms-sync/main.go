package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/RomanDovgii/testing-lms/internal/config"
	"github.com/RomanDovgii/testing-lms/internal/errors"
	"github.com/RomanDovgii/testing-lms/internal/logging"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	logger  *logrus.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when the command could not start, such as on invalid
// configuration, and 1 for any other failure.
func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "lms-sync",
	Short: "Keep classroom clones in sync and analyze them",
	Long: `lms-sync pulls every student repository of the registered assignments,
records commit activity, flags unusual commits, compares submissions
for similarity and keeps the participant roster up to date.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var loadErr error
		cfg, loadErr = config.Load(cfgFile)
		if loadErr != nil {
			cfg = config.Default()
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		l, err := logging.NewLogger(logging.Config{
			Level:      level,
			OutputFile: cfg.Logging.File,
			JSONFormat: cfg.Logging.JSON,
		})
		if err != nil {
			logger = logrus.New()
			logger.WithError(err).Warn("Failed to set up logging, writing to stderr")
		} else {
			logger = l.Logger
		}

		if loadErr != nil {
			logger.WithError(loadErr).Warn("Failed to load config, using defaults")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .lms-sync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`lms-sync {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(assignmentCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(configCmd)
}
