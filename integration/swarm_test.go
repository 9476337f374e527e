package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cucumber/godog"

	centralserver "tarun-kavipurapu/p2p-swarm/central-server"
	"tarun-kavipurapu/p2p-swarm/peer"
	"tarun-kavipurapu/p2p-swarm/pkg/config"
	relayserver "tarun-kavipurapu/p2p-swarm/relay-server"
)

type swarmTest struct {
	workdir string
	tracker *centralserver.CentralServer
	relay   *relayserver.RelayServer
	seed    *peer.PeerServer
	leecher *peer.PeerServer
	shared  []byte
	outDir  string
}

func (s *swarmTest) peerConfig(dir string) config.PeerConfig {
	return config.PeerConfig{
		ListenAddr:          "127.0.0.1:0",
		TrackerAddr:         s.tracker.Addr(),
		RelayMode:           config.RelayOff,
		DownloadDir:         dir,
		CycleInterval:       20 * time.Millisecond,
		RequestTimeout:      2 * time.Second,
		TrackerTimeout:      2 * time.Second,
		MaxRequestsPerCycle: 10,
	}
}

func (s *swarmTest) startPeer(cfg config.PeerConfig) (*peer.PeerServer, error) {
	p := peer.NewPeerServer(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *swarmTest) aTracker() error {
	s.tracker = centralserver.NewCentralServer(config.TrackerConfig{ListenAddr: "127.0.0.1:0", MaxPeersPerReply: 50})
	return s.tracker.Start()
}

func (s *swarmTest) aRelay() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	base := l.Addr().(*net.TCPAddr).Port
	l.Close()

	s.relay = relayserver.NewRelayServer(config.RelayConfig{ListenAddr: "127.0.0.1:0", PortBase: base, PortCount: 1})
	return s.relay.Start()
}

func (s *swarmTest) share(cfg config.PeerConfig, size int, name string) error {
	s.shared = make([]byte, size)
	if _, err := rand.Read(s.shared); err != nil {
		return err
	}
	path := filepath.Join(s.workdir, name)
	if err := os.WriteFile(path, s.shared, 0644); err != nil {
		return err
	}

	seed, err := s.startPeer(cfg)
	if err != nil {
		return err
	}
	s.seed = seed
	_, err = seed.Share(context.Background(), path)
	return err
}

func (s *swarmTest) aSeedSharing(size int, name string) error {
	return s.share(s.peerConfig(s.workdir), size, name)
}

func (s *swarmTest) aRelayedSeedSharing(size int, name string) error {
	cfg := s.peerConfig(s.workdir)
	cfg.RelayMode = config.RelayAlways
	cfg.RelayAddr = s.relay.Addr()
	return s.share(cfg, size, name)
}

func (s *swarmTest) aLeecher() error {
	s.outDir = filepath.Join(s.workdir, "downloads")
	leecher, err := s.startPeer(s.peerConfig(s.outDir))
	if err != nil {
		return err
	}
	s.leecher = leecher
	return nil
}

func (s *swarmTest) theLeecherDownloads(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	t, err := s.leecher.Download(ctx, name, peer.DownloadOptions{})
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

func (s *swarmTest) theLeechersCopyMatches() error {
	entries, err := os.ReadDir(s.outDir)
	if err != nil {
		return err
	}
	if len(entries) != 1 {
		return fmt.Errorf("expected one downloaded file, found %d", len(entries))
	}
	got, err := os.ReadFile(filepath.Join(s.outDir, entries[0].Name()))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, s.shared) {
		return fmt.Errorf("downloaded %d bytes that differ from the %d shared", len(got), len(s.shared))
	}
	return nil
}

func (s *swarmTest) theSwarmHasMembers(name string, n int) error {
	for _, sw := range s.tracker.GetSwarmList() {
		if sw.Name == name {
			if len(sw.Members) != n {
				return fmt.Errorf("swarm %s has %d members, want %d", name, len(sw.Members), n)
			}
			return nil
		}
	}
	return fmt.Errorf("swarm %s not found", name)
}

func (s *swarmTest) theSeedLeaves() error {
	err := s.seed.Stop(context.Background())
	s.seed = nil
	return err
}

func (s *swarmTest) theTrackerListsNoSwarms() error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.tracker.GetSwarmList()) == 0 {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("tracker still lists %d swarms", len(s.tracker.GetSwarmList()))
}

func (s *swarmTest) cleanup() {
	ctx := context.Background()
	for _, p := range []*peer.PeerServer{s.leecher, s.seed} {
		if p != nil {
			p.Stop(ctx)
		}
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	os.RemoveAll(s.workdir)
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	s := &swarmTest{}
	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "swarm-")
		s.workdir = dir
		return ctx, err
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		s.cleanup()
		return ctx, nil
	})

	ctx.Step(`^a tracker$`, s.aTracker)
	ctx.Step(`^a relay$`, s.aRelay)
	ctx.Step(`^a seed sharing a (\d+) byte file "([^"]*)"$`, s.aSeedSharing)
	ctx.Step(`^a relayed seed sharing a (\d+) byte file "([^"]*)"$`, s.aRelayedSeedSharing)
	ctx.Step(`^a leecher$`, s.aLeecher)
	ctx.Step(`^the leecher downloads "([^"]*)"$`, s.theLeecherDownloads)
	ctx.Step(`^the leecher's copy matches the shared file$`, s.theLeechersCopyMatches)
	ctx.Step(`^the swarm "([^"]*)" has (\d+) members$`, s.theSwarmHasMembers)
	ctx.Step(`^the seed leaves$`, s.theSeedLeaves)
	ctx.Step(`^the tracker lists no swarms$`, s.theTrackerListsNoSwarms)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
