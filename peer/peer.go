package peer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"tarun-kavipurapu/p2p-swarm/pkg/config"
	"tarun-kavipurapu/p2p-swarm/pkg/discovery"
	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/monitor"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/storage"
	"tarun-kavipurapu/p2p-swarm/pkg/transport"
	"tarun-kavipurapu/p2p-swarm/pkg/transport/relay"
	"tarun-kavipurapu/p2p-swarm/pkg/transport/tcp"
)

var (
	ErrNoTransfer         = errors.New("no active transfer")
	ErrTransferActive     = errors.New("a transfer is already active")
	ErrNotStarted         = errors.New("peer server not started")
	ErrDescriptorMismatch = errors.New("tracker descriptor does not match the expected one")
)

// DownloadOptions adjusts a single download.
type DownloadOptions struct {
	// ExpectedHash, when set, must equal the hash of the tracker's descriptor.
	ExpectedHash *protocol.Hash
	// Dir overrides the configured download directory.
	Dir string
}

// PeerServer is one node of the swarm: it reaches the tracker, accepts and
// dials peers (directly or through a relay) and runs at most one transfer.
type PeerServer struct {
	id        protocol.PeerID
	cfg       config.PeerConfig
	Transport *tcp.TCPTransport
	tracker   *TrackerClient
	dir       *Directory
	metrics   *monitor.Metrics

	mu       sync.Mutex
	started  bool
	public   netip.AddrPort
	relay    *relayLink
	transfer *Transfer
	stopCtx  context.CancelFunc
}

func NewPeerServer(cfg config.PeerConfig) *PeerServer {
	id := protocol.NewPeerID()
	trans := tcp.NewTCPTransport(cfg.ListenAddr)
	p := &PeerServer{
		id:        id,
		cfg:       cfg,
		Transport: trans,
		tracker:   NewTrackerClient(cfg.TrackerAddr, cfg.TrackerTimeout),
		dir:       NewDirectory(id),
		metrics:   monitor.Global,
	}
	trans.SetOnPeer(p.OnPeer)

	logger.Sugar.Infof("[PeerServer] Initialized: id=%s listen=%s tracker=%s relay_mode=%s", id, cfg.ListenAddr, cfg.TrackerAddr, cfg.RelayMode)
	return p
}

func (p *PeerServer) ID() protocol.PeerID { return p.id }

// PublicAddr is the address announced to the tracker.
func (p *PeerServer) PublicAddr() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.public
}

func (p *PeerServer) Directory() *Directory { return p.dir }

// Transfer returns the active transfer, or nil.
func (p *PeerServer) Transfer() *Transfer { return p.activeTransfer() }

// Start makes the node reachable: it listens directly, or allocates a
// forwarding port on the relay when the relay mode asks for one.
func (p *PeerServer) Start(ctx context.Context) error {
	if err := p.resolveServices(ctx); err != nil {
		return err
	}

	if p.cfg.RelayMode != config.RelayOff {
		link, seen, err := p.connectRelay(ctx)
		if err != nil {
			return err
		}
		switch {
		case p.cfg.RelayMode == config.RelayAuto && isLocalAddress(seen):
			logger.Sugar.Infof("[PeerServer] relay sees %s, a local address: listening directly", seen)
			link.Close()
		default:
			if err := p.useRelayLink(ctx, link); err != nil {
				return err
			}
		}
	}

	if p.PublicAddr().Port() == 0 {
		if err := p.Transport.ListenAndAccept(); err != nil {
			return fmt.Errorf("failed to start listening: %w", err)
		}
		public, err := netip.ParseAddrPort(p.Transport.Addr())
		if err != nil {
			return fmt.Errorf("parse listen address: %w", err)
		}
		p.mu.Lock()
		p.public = public
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	logger.Sugar.Infof("[PeerServer] Started: id=%s public=%s", p.id, p.PublicAddr())
	return nil
}

// connectRelay opens the control connection and waits for the relay to tell
// us which address it sees.
func (p *PeerServer) connectRelay(ctx context.Context) (*relayLink, netip.Addr, error) {
	link, err := dialRelay(ctx, p.Transport, p.cfg.RelayAddr, p)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.TrackerTimeout*5)
	defer cancel()
	seen, err := link.awaitGreeting(waitCtx)
	if err != nil {
		link.Close()
		return nil, netip.Addr{}, err
	}
	return link, seen, nil
}

func (p *PeerServer) useRelayLink(ctx context.Context, link *relayLink) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.TrackerTimeout*5)
	defer cancel()
	public, err := link.allocate(waitCtx, p.id)
	if err != nil {
		link.Close()
		return err
	}
	p.mu.Lock()
	p.relay = link
	p.public = public
	p.mu.Unlock()
	logger.Sugar.Infof("[PeerServer] relay %s forwards %s to us", p.cfg.RelayAddr, public)
	return nil
}

// resolveServices fills in tracker and relay addresses over mDNS when asked to.
func (p *PeerServer) resolveServices(ctx context.Context) error {
	if !p.cfg.Discover {
		return nil
	}
	resolver, err := discovery.NewResolver()
	if err != nil {
		return err
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 3*p.cfg.TrackerTimeout)
	defer cancel()

	addr, err := resolver.Lookup(lookupCtx, discovery.RoleTracker)
	if err != nil {
		return fmt.Errorf("discover tracker: %w", err)
	}
	p.cfg.TrackerAddr = addr
	p.tracker = NewTrackerClient(addr, p.cfg.TrackerTimeout)
	logger.Sugar.Infof("[PeerServer] discovered tracker: %s", addr)

	if p.cfg.RelayMode != config.RelayOff && p.cfg.RelayAddr == "" {
		addr, err := resolver.Lookup(lookupCtx, discovery.RoleRelay)
		if err != nil {
			return fmt.Errorf("discover relay: %w", err)
		}
		p.cfg.RelayAddr = addr
		logger.Sugar.Infof("[PeerServer] discovered relay: %s", addr)
	}
	return nil
}

func (p *PeerServer) self() protocol.PeerAddress {
	public := p.PublicAddr()
	return protocol.PeerAddress{ID: p.id, IP: public.Addr().Unmap(), Port: public.Port()}
}

func (p *PeerServer) activeTransfer() *Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transfer
}

// ListFiles returns the tracker's directory listing.
func (p *PeerServer) ListFiles(ctx context.Context) (string, error) {
	return p.tracker.List(ctx)
}

// Share seeds the file at path: every piece is hashed, the swarm is announced
// and the upload cycle starts serving requests.
func (p *PeerServer) Share(ctx context.Context, path string) (*Transfer, error) {
	if err := p.checkIdle(); err != nil {
		return nil, err
	}
	store, err := storage.OpenSeed(path)
	if err != nil {
		return nil, err
	}
	desc := store.Descriptor()
	logger.Sugar.Infof("[PeerServer] Sharing %s hash=%s", desc, desc.Hash())

	if err := p.tracker.Announce(ctx, p.self(), desc); err != nil {
		store.Close()
		return nil, err
	}
	return p.begin(store)
}

// Download joins the swarm for name, connects to every known member and
// starts fetching pieces. Use the returned transfer to wait for completion.
func (p *PeerServer) Download(ctx context.Context, name string, opts DownloadOptions) (*Transfer, error) {
	if err := p.checkIdle(); err != nil {
		return nil, err
	}
	desc, peers, err := p.tracker.Connect(ctx, p.self(), name)
	if err != nil {
		return nil, err
	}
	if opts.ExpectedHash != nil && desc.Hash() != *opts.ExpectedHash {
		return nil, fmt.Errorf("%w: got %s want %s", ErrDescriptorMismatch, desc.Hash(), *opts.ExpectedHash)
	}

	dir := opts.Dir
	if dir == "" {
		dir = p.cfg.DownloadDir
	}
	store, err := storage.Create(filepath.Join(dir, filepath.Base(desc.Name)), desc)
	if err != nil {
		return nil, err
	}
	t, err := p.begin(store)
	if err != nil {
		return nil, err
	}

	logger.Sugar.Infof("[PeerServer] Downloading %s from %d peers", desc, len(peers))
	for _, addr := range peers {
		go p.connectPeer(ctx, t, addr)
	}
	return t, nil
}

func (p *PeerServer) checkIdle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.transfer != nil {
		return ErrTransferActive
	}
	return nil
}

func (p *PeerServer) begin(store *storage.PieceStore) (*Transfer, error) {
	t := NewTransfer(p.id, store, p.dir, TransferOptions{
		CycleInterval:       p.cfg.CycleInterval,
		RequestTimeout:      p.cfg.RequestTimeout,
		MaxRequestsPerCycle: p.cfg.MaxRequestsPerCycle,
		UploadRateLimit:     p.cfg.UploadRateLimit,
		Metrics:             p.metrics,
	})

	p.mu.Lock()
	if p.transfer != nil {
		p.mu.Unlock()
		store.Close()
		return nil, ErrTransferActive
	}
	p.transfer = t
	ctx, cancel := context.WithCancel(context.Background())
	p.stopCtx = cancel
	p.mu.Unlock()

	t.Start(ctx)
	return t, nil
}

// connectPeer dials one swarm member and opens a session keyed by the id the
// tracker reported.
func (p *PeerServer) connectPeer(ctx context.Context, t *Transfer, addr protocol.PeerAddress) {
	if addr.ID == p.id {
		return
	}
	if _, ok := p.dir.Get(addr.ID); ok {
		return
	}
	node, err := p.Transport.Dial(ctx, addr.AddrPort().String())
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] dial peer failed: peer=%s err=%v", addr, err)
		return
	}
	s := newSession(addr.ID, node, t, false)
	if err := p.dir.Add(s); err != nil {
		node.Close()
		return
	}
	if err := s.Open(); err != nil {
		logger.Sugar.Warnf("[PeerServer] open session failed: peer=%s err=%v", addr, err)
		s.Close()
	}
}

// OnPeer accepts a direct connection. The session is keyed by a temporary id
// until the remote handshake arrives.
func (p *PeerServer) OnPeer(node transport.Node) error {
	t := p.activeTransfer()
	if t == nil {
		return ErrNoTransfer
	}
	s := newSession(protocol.NewPeerID(), node, t, false)
	if err := p.dir.Add(s); err != nil {
		return err
	}
	logger.Sugar.Infof("[PeerServer] New peer connected: %s", node.Addr())
	if err := s.Open(); err != nil {
		s.Close()
		return err
	}
	return nil
}

// onRelayedFrame hands a frame that arrived through the relay to the session
// of its sender, creating a relay-backed session on the first handshake.
func (p *PeerServer) onRelayedFrame(link *relayLink, sender protocol.PeerID, frame []byte) {
	s, ok := p.dir.Get(sender)
	if ok && !s.Relayed() {
		logger.Sugar.Debugf("[PeerServer] peer %s already connected directly: dropping relayed path", sender)
		link.dropPeer(sender)
		return
	}
	if !ok {
		t := p.activeTransfer()
		if t == nil || protocol.MessageType(frame[protocol.LengthSize]) != protocol.TypeHandshake {
			link.dropPeer(sender)
			return
		}
		s = newSession(sender, relay.NewNode(link.node, sender), t, true)
		if err := p.dir.Add(s); err != nil {
			return
		}
		if err := s.Open(); err != nil {
			s.Close()
			return
		}
		logger.Sugar.Infof("[PeerServer] New relayed peer: %s", sender)
	}
	if err := s.OnBytes(frame); err != nil {
		logger.Sugar.Warnf("[PeerServer] relayed peer broke protocol: peer=%s err=%v", sender, err)
		s.Close()
	}
}

func (p *PeerServer) onRelayLost(link *relayLink) {
	p.mu.Lock()
	current := p.relay == link
	if current {
		p.relay = nil
	}
	p.mu.Unlock()
	if !current {
		return
	}
	for _, s := range p.dir.Sessions() {
		if s.Relayed() {
			s.Close()
		}
	}
}

// StopTransfer ends the active transfer and closes all of its sessions.
func (p *PeerServer) StopTransfer() error {
	p.mu.Lock()
	t := p.transfer
	cancel := p.stopCtx
	p.transfer = nil
	p.stopCtx = nil
	p.mu.Unlock()
	if t == nil {
		return ErrNoTransfer
	}
	if cancel != nil {
		cancel()
	}
	t.Stop()
	p.dir.CloseAll()
	return t.store.Close()
}

// Stop leaves the swarm and releases every resource.
func (p *PeerServer) Stop(ctx context.Context) error {
	var err error
	p.mu.Lock()
	started := p.started
	p.started = false
	link := p.relay
	p.relay = nil
	p.mu.Unlock()

	if started {
		if exitErr := p.tracker.Exit(ctx, p.id); exitErr != nil {
			err = multierr.Append(err, fmt.Errorf("tracker exit: %w", exitErr))
		}
	}
	if stopErr := p.StopTransfer(); stopErr != nil && !errors.Is(stopErr, ErrNoTransfer) {
		err = multierr.Append(err, stopErr)
	}
	p.dir.CloseAll()
	err = multierr.Append(err, p.Transport.Close())
	if link != nil {
		err = multierr.Append(err, link.Close())
	}
	logger.Sugar.Infof("[PeerServer] Stopped: id=%s", p.id)
	return err
}

// GetStatus summarizes the node for the interactive shell.
func (p *PeerServer) GetStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Peer %s\n", p.id)
	fmt.Fprintf(&b, "  Public address: %s\n", p.PublicAddr())
	fmt.Fprintf(&b, "  Tracker: %s\n", p.tracker.Addr())

	p.mu.Lock()
	relayed := p.relay != nil
	t := p.transfer
	p.mu.Unlock()
	fmt.Fprintf(&b, "  Via relay: %t\n", relayed)
	fmt.Fprintf(&b, "  Connected peers: %d\n", p.dir.Len())

	if t != nil {
		prog := t.Progress().GetProgress()
		fmt.Fprintf(&b, "  Transfer: %s\n", t.Descriptor())
		fmt.Fprintf(&b, "  Pieces: %d/%d (%.1f%%), %d rejected, %d retried\n",
			prog.Completed, prog.Total, prog.Percent, prog.Failed, prog.Retries)
	}
	m := p.metrics.Snapshot()
	fmt.Fprintf(&b, "  Downloaded: %s  Uploaded: %s\n", formatBytes(float64(m.BytesDownloaded)), formatBytes(float64(m.BytesUploaded)))
	return b.String()
}
