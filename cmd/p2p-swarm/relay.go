package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	relayserver "tarun-kavipurapu/p2p-swarm/relay-server"
)

var (
	relayAddr        string
	relayPortBase    int
	relayPortCount   int
	relayNoAdvertise bool
	relayInteractive bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start a relay for peers behind address translation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Relay.ListenAddr = relayAddr
		}
		if cmd.Flags().Changed("port-base") {
			cfg.Relay.PortBase = relayPortBase
		}
		if cmd.Flags().Changed("port-count") {
			cfg.Relay.PortCount = relayPortCount
		}
		if relayNoAdvertise {
			cfg.Relay.Advertise = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger.Sugar.Infof("Starting Relay on %s", cfg.Relay.ListenAddr)
		server := relayserver.NewRelayServer(cfg.Relay)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}

		if relayInteractive {
			fmt.Println("P2P Swarm Relay Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { relayExecutor(in, server) },
				relayCompleter,
				prompt.OptionPrefix("relay> "),
				prompt.OptionTitle("P2P Swarm Relay"),
			).Run()
			return nil
		}

		waitForSignal()
		server.Stop()
		return nil
	},
}

func relayExecutor(in string, server *relayserver.RelayServer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping relay...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show clients and forwarding ports")
		fmt.Println("  exit         - Stop relay and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func relayCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show relay status"},
		{Text: "exit", Description: "Exit the relay"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVarP(&relayAddr, "addr", "a", "0.0.0.0:7778", "Control address to listen on")
	relayCmd.Flags().IntVar(&relayPortBase, "port-base", 40000, "First forwarding port")
	relayCmd.Flags().IntVar(&relayPortCount, "port-count", 100, "Number of forwarding ports")
	relayCmd.Flags().BoolVar(&relayNoAdvertise, "no-mdns", false, "Do not advertise over mDNS")
	relayCmd.Flags().BoolVarP(&relayInteractive, "interactive", "i", false, "Start in interactive mode")
}
