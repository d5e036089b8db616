package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "agent-pool",
		Short: "Agent Pool - run coding agents on a bounded worker pool",
		Long: `Agent Pool delegates tasks to external coding agents (Claude Code, OpenCode,
Codex and others) running as child processes. Tasks are queued by priority,
dispatched to a fixed number of workers and supervised until they finish,
time out or are cancelled.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: nearest .agent-pool.toml, then ~/.config/agent-pool/config.toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default: from [web] config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
