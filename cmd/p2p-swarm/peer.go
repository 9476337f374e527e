package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-swarm/peer"
	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/metainfo"
	"tarun-kavipurapu/p2p-swarm/pkg/monitor"
)

var (
	peerListen       string
	peerTracker      string
	peerRelay        string
	peerRelayMode    string
	peerDiscover     bool
	peerOut          string
	fileToShare      string
	fileToDownload   string
	descriptorFile   string
	exitWhenComplete bool
	peerInteractive  bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer node",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Peer.ListenAddr = peerListen
		}
		if flags.Changed("tracker") {
			cfg.Peer.TrackerAddr = peerTracker
		}
		if flags.Changed("relay") {
			cfg.Peer.RelayAddr = peerRelay
		}
		if flags.Changed("relay-mode") {
			cfg.Peer.RelayMode = peerRelayMode
		}
		if flags.Changed("discover") {
			cfg.Peer.Discover = peerDiscover
		}
		if flags.Changed("out") {
			cfg.Peer.DownloadDir = peerOut
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		downloading := fileToDownload != "" || descriptorFile != ""
		if fileToShare != "" && downloading {
			return errors.New("--share and --download are mutually exclusive")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := peer.NewPeerServer(cfg.Peer)
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start peer: %w", err)
		}
		defer shutdown(p)
		go monitor.Global.LogPeriodic(ctx, 30*time.Second)

		if fileToShare != "" {
			if _, err := p.Share(ctx, fileToShare); err != nil {
				return fmt.Errorf("share %s: %w", fileToShare, err)
			}
			fmt.Printf("Seeding %s\n", fileToShare)
		}
		if downloading {
			t, err := startDownload(ctx, p, fileToDownload, descriptorFile)
			if err != nil {
				return err
			}
			if !peerInteractive {
				if err := followDownload(ctx, t); err != nil {
					return err
				}
				if exitWhenComplete {
					return nil
				}
			}
		}

		if peerInteractive {
			fmt.Println("P2P Swarm Peer Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { peerExecutor(ctx, in, p) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("P2P Swarm Peer"),
			).Run()
			return nil
		}

		<-ctx.Done()
		return nil
	},
}

func shutdown(p *peer.PeerServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		logger.Sugar.Warnf("Stopping peer: %v", err)
	}
}

func startDownload(ctx context.Context, p *peer.PeerServer, name, descPath string) (*peer.Transfer, error) {
	var opts peer.DownloadOptions
	if descPath != "" {
		desc, err := metainfo.Load(descPath)
		if err != nil {
			return nil, err
		}
		hash := desc.Hash()
		opts.ExpectedHash = &hash
		if name == "" {
			name = desc.Name
		}
	}
	t, err := p.Download(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	return t, nil
}

// followDownload renders progress until the transfer completes or ctx ends.
func followDownload(ctx context.Context, t *peer.Transfer) error {
	pr := peer.NewProgressRenderer(t.Progress())
	go pr.Start()
	err := t.Wait(ctx)
	pr.Stop()
	if err != nil {
		return err
	}
	fmt.Printf("Downloaded %s, now seeding\n", t.Descriptor().Name)
	return nil
}

func peerExecutor(ctx context.Context, in string, p *peer.PeerServer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		shutdown(p)
		os.Exit(0)
	case "status":
		fmt.Println(p.GetStatus())
	case "list":
		listing, err := p.ListFiles(ctx)
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		if listing == "" {
			fmt.Println("No files shared.")
			return
		}
		fmt.Print(listing)
		if !strings.HasSuffix(listing, "\n") {
			fmt.Println()
		}
	case "share":
		if len(blocks) < 2 {
			fmt.Println("Usage: share <file_path>")
			return
		}
		if _, err := p.Share(ctx, blocks[1]); err != nil {
			fmt.Printf("Error sharing file: %v\n", err)
			return
		}
		fmt.Println("File announced, seeding.")
	case "download":
		if len(blocks) < 2 {
			fmt.Println("Usage: download <file_name> [descriptor.swarm]")
			return
		}
		descPath := ""
		if len(blocks) > 2 {
			descPath = blocks[2]
		}
		t, err := startDownload(ctx, p, blocks[1], descPath)
		if err != nil {
			fmt.Printf("Error starting download: %v\n", err)
			return
		}
		fmt.Printf("Downloading %s (%d pieces). Use 'progress' to follow it.\n", t.Descriptor().Name, t.Descriptor().PieceCount)
	case "progress":
		printProgress(p)
	case "stop":
		if err := p.StopTransfer(); err != nil {
			fmt.Printf("Error stopping transfer: %v\n", err)
			return
		}
		fmt.Println("Transfer stopped.")
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                     - Show peer status")
		fmt.Println("  list                       - List files known to the tracker")
		fmt.Println("  share <path>               - Announce and seed a local file")
		fmt.Println("  download <name> [.swarm]   - Download a file by name")
		fmt.Println("  progress                   - Show piece states of the transfer")
		fmt.Println("  stop                       - Stop the active transfer")
		fmt.Println("  exit                       - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func printProgress(p *peer.PeerServer) {
	t := p.Transfer()
	if t == nil {
		fmt.Println("No active transfer.")
		return
	}
	tracker := t.Progress()
	prog := tracker.GetProgress()
	var b strings.Builder
	for i, st := range tracker.PieceStates() {
		if i > 0 && i%40 == 0 {
			b.WriteByte('\n')
		}
		b.WriteString(st.Icon())
	}
	fmt.Println(b.String())
	fmt.Printf("%d/%d pieces (%.1f%%), %d peers, %d rejected\n",
		prog.Completed, prog.Total, prog.Percent, prog.ActivePeers, prog.Failed)
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "list", Description: "List shared files"},
		{Text: "share", Description: "Share a file"},
		{Text: "download", Description: "Download a file"},
		{Text: "progress", Description: "Show transfer progress"},
		{Text: "stop", Description: "Stop the active transfer"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	f := peerCmd.Flags()
	f.StringVarP(&peerListen, "addr", "a", "0.0.0.0:0", "Address for this peer to listen on")
	f.StringVarP(&peerTracker, "tracker", "t", "127.0.0.1:7777", "Tracker address")
	f.StringVar(&peerRelay, "relay", "", "Relay address")
	f.StringVar(&peerRelayMode, "relay-mode", "off", "Relay use: off, auto or always")
	f.BoolVar(&peerDiscover, "discover", false, "Find tracker and relay over mDNS")
	f.StringVarP(&peerOut, "out", "o", "downloads", "Directory for downloaded files")
	f.StringVarP(&fileToShare, "share", "s", "", "Path to a file to share immediately")
	f.StringVarP(&fileToDownload, "download", "d", "", "Name of a file to download immediately")
	f.StringVar(&descriptorFile, "descriptor", "", "Descriptor (.swarm) the downloaded file must match")
	f.BoolVar(&exitWhenComplete, "exit", false, "Exit once the download completes instead of seeding")
	f.BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
