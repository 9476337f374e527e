package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	centralserver "tarun-kavipurapu/p2p-swarm/central-server"
	"tarun-kavipurapu/p2p-swarm/pkg/logger"
)

var (
	trackerAddr        string
	trackerMaxPeers    int
	trackerNoAdvertise bool
	trackerInteractive bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Tracker.ListenAddr = trackerAddr
		}
		if cmd.Flags().Changed("max-peers") {
			cfg.Tracker.MaxPeersPerReply = trackerMaxPeers
		}
		if trackerNoAdvertise {
			cfg.Tracker.Advertise = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger.Sugar.Infof("Starting Tracker on %s", cfg.Tracker.ListenAddr)
		server := centralserver.NewCentralServer(cfg.Tracker)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start tracker: %w", err)
		}

		if trackerInteractive {
			fmt.Println("P2P Swarm Tracker Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			p := prompt.New(
				func(in string) { trackerExecutor(in, server) },
				trackerCompleter,
				prompt.OptionPrefix("tracker> "),
				prompt.OptionTitle("P2P Swarm Tracker"),
			)
			p.Run()
			return nil
		}

		waitForSignal()
		server.Stop()
		return nil
	},
}

func trackerExecutor(in string, server *centralserver.CentralServer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "list":
		swarms := server.GetSwarmList()
		if len(swarms) == 0 {
			fmt.Println("No swarms.")
			return
		}
		for _, s := range swarms {
			fmt.Printf("%s (%s, %s)\n", s.Name, s.Hash, formatSize(s.Size))
			for _, m := range s.Members {
				fmt.Println("  - " + m.String())
			}
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show tracker status")
		fmt.Println("  list         - List swarms and their members")
		fmt.Println("  exit         - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func trackerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status"},
		{Text: "list", Description: "List swarms and members"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	trackerCmd.Flags().StringVarP(&trackerAddr, "addr", "a", "0.0.0.0:7777", "UDP address to listen on")
	trackerCmd.Flags().IntVar(&trackerMaxPeers, "max-peers", 50, "Most peers returned per connect reply")
	trackerCmd.Flags().BoolVar(&trackerNoAdvertise, "no-mdns", false, "Do not advertise over mDNS")
	trackerCmd.Flags().BoolVarP(&trackerInteractive, "interactive", "i", false, "Start in interactive mode")
}
