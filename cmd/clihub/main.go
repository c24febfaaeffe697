package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clihub/internal/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "clihub",
	Short: "Supervise long-running developer commands across workspaces",
	Long: `clihub runs named shell commands for your project folders as
pseudo-terminal sessions, streams them to a browser UI over a WebSocket,
and tears down their whole process trees on stop.

Running clihub without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the config file and environment, then applies the
// persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
		if _, err := config.ParseLevel(logLevel); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
