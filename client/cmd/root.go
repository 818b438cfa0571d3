package cmd

import (
	"github.com/spf13/cobra"

	"github.com/skybundle/skybundle/version"
)

const (
	defaultConfigPath = "/etc/skybundle/config.json"
	defaultLogFile    = "console"
)

var (
	configPath string
	logLevel   string
	logFile    string

	rootCmd = &cobra.Command{
		Use:          "skybundle",
		Short:        "skybundle keeps an app's over-the-air bundle updates downloaded and ready to launch",
		Version:      version.Version(),
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "skybundle config file location")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "sets skybundle log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", defaultLogFile,
		"sets skybundle log path. If console is specified the log will be output to stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
}
