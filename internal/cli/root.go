package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epa-bot/epa/internal/daemon"
)

var (
	configPath string
	newDaemon  = daemon.New
)

var rootCmd = &cobra.Command{
	Use:   "epa",
	Short: "Economy ledger and marketplace engine",
	Long: `epa keeps the coin ledger for a chat bot: balances, daily rewards,
trades between users, timed auctions and achievement payouts.
Every balance change is committed in one SQLite transaction together
with its ledger row.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.toml (default $EPA_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig resolves --config, falling back to the home directory file.
func loadConfig() (daemon.Config, error) {
	path := configPath
	if path == "" {
		path = daemon.ConfigPath()
	}
	return daemon.LoadConfig(path)
}

// openDaemon loads config and wires the core without starting the server.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newDaemon(cfg)
}
