package main

import (
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-swarm/pkg/config"
	"tarun-kavipurapu/p2p-swarm/pkg/logger"
)

var (
	configPath string
	logLevel   string
	logFile    string
	logConsole bool

	// cfg is loaded before any subcommand runs; flags then override it.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "p2p-swarm",
	Short: "P2P Swarm File Sharing",
	Long: `Share files between peers in swarms. A tracker introduces peers to each
other, peers exchange pieces directly, and a relay forwards traffic for peers
that cannot accept connections.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			cfg.Log.File = logFile
		}
		if cmd.Flags().Changed("console") {
			cfg.Log.Console = logConsole
		}
		return logger.Init(logger.Options{
			Level:   cfg.Log.Level,
			File:    cfg.Log.File,
			Console: cfg.Log.Console,
		})
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path; empty logs to stderr only")
	rootCmd.PersistentFlags().BoolVar(&logConsole, "console", false, "Also log to stderr when a log file is set")
}
