// Package relayserver forwards peer traffic for clients that cannot accept
// connections themselves. Each client keeps one control connection; the relay
// listens on a forwarding port on its behalf and multiplexes every peer that
// dials that port over the control connection.
package relayserver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"tarun-kavipurapu/p2p-swarm/pkg/config"
	"tarun-kavipurapu/p2p-swarm/pkg/discovery"
	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/transport"
	"tarun-kavipurapu/p2p-swarm/pkg/transport/tcp"
)

var (
	ErrNotAllocated      = errors.New("control connection has no forwarding port yet")
	ErrFirstNotHandshake = errors.New("forwarding socket must start with a handshake")
)

type RelayServer struct {
	cfg        config.RelayConfig
	host       string
	Transport  *tcp.TCPTransport
	ports      *PortAllocator
	advertiser *discovery.Advertiser

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewRelayServer(cfg config.RelayConfig) *RelayServer {
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		host = ""
	}
	trans := tcp.NewTCPTransport(cfg.ListenAddr)
	r := &RelayServer{
		cfg:        cfg,
		host:       host,
		Transport:  trans,
		ports:      NewPortAllocator(cfg.PortBase, cfg.PortCount),
		advertiser: discovery.NewAdvertiser(),
		clients:    make(map[*client]struct{}),
	}
	trans.SetOnPeer(r.OnPeer)
	return r
}

func (r *RelayServer) Start() error {
	if err := r.Transport.ListenAndAccept(); err != nil {
		return err
	}
	logger.Sugar.Infof("[RelayServer] [%s] relay listening, forwarding ports %d-%d",
		r.Transport.Addr(), r.cfg.PortBase, r.cfg.PortBase+r.cfg.PortCount-1)

	if r.cfg.Advertise {
		_, portStr, err := net.SplitHostPort(r.Transport.Addr())
		if err != nil {
			return nil
		}
		port, _ := strconv.Atoi(portStr)
		if err := r.advertiser.Start(discovery.RoleRelay, port, map[string]string{"version": "1.0.0"}); err != nil {
			logger.Sugar.Errorf("[RelayServer] Failed to start mDNS advertisement: %v", err)
		}
	}
	return nil
}

func (r *RelayServer) Addr() string { return r.Transport.Addr() }

// OnPeer accepts a control connection and greets it with the address the
// relay sees.
func (r *RelayServer) OnPeer(node transport.Node) error {
	tn, ok := node.(*tcp.TCPNode)
	if !ok {
		return fmt.Errorf("unsupported node %T", node)
	}
	c := &client{relay: r, node: tn, forwards: make(map[protocol.PeerID]*forward)}

	seen := netip.IPv4Unspecified()
	if ip, ok := netip.AddrFromSlice(tn.RemoteIP()); ok {
		seen = ip
	}
	frame, err := protocol.Frame(protocol.RelayHandshake{IP: seen})
	if err != nil {
		return err
	}
	// nobody has an id yet: the greeting goes out under the zero id
	greeting, err := protocol.Wrap(protocol.PeerID{}, frame)
	if err != nil {
		return err
	}
	if err := tn.Send(greeting); err != nil {
		return err
	}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	logger.Sugar.Infof("[RelayServer] client connected: remote=%s seen=%s", tn.Addr(), seen)

	go c.readLoop()
	return nil
}

func (r *RelayServer) removeClient(c *client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

func (r *RelayServer) GetStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := fmt.Sprintf("Relay Running on: %s\n", r.Transport.Addr())
	status += fmt.Sprintf("Clients: %d, forwarding ports in use: %d/%d\n", len(r.clients), r.ports.InUse(), r.cfg.PortCount)
	for c := range r.clients {
		status += " - " + c.String() + "\n"
	}
	return status
}

func (r *RelayServer) Stop() {
	r.advertiser.Stop()
	r.Transport.Close()

	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// client is one control connection and, once allocated, its forwarding port.
type client struct {
	relay *RelayServer
	node  *tcp.TCPNode
	reasm tcp.Reassembler

	mu        sync.Mutex
	id        protocol.PeerID
	port      int
	listener  *tcp.TCPTransport
	forwards  map[protocol.PeerID]*forward
	closeOnce sync.Once
}

func (c *client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return fmt.Sprintf("%s (not allocated)", c.node.Addr())
	}
	return fmt.Sprintf("%s id=%s port=%d peers=%d", c.node.Addr(), c.id, c.port, len(c.forwards))
}

func (c *client) allocated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

func (c *client) readLoop() {
	err := c.node.ReadLoop(func(p []byte) error {
		return c.reasm.Feed(p, c.handle)
	})
	if err != nil {
		logger.Sugar.Warnf("[RelayServer] control connection ended: remote=%s err=%v", c.node.Addr(), err)
	}
	c.close()
}

func (c *client) handle(body []byte) error {
	if !c.allocated() {
		msg, err := protocol.Unmarshal(body)
		if err != nil {
			return err
		}
		req, ok := msg.(protocol.AllocateRequest)
		if !ok {
			return fmt.Errorf("%w: got %s", ErrNotAllocated, msg.Type())
		}
		return c.allocate(req.PeerID)
	}

	if len(body) < protocol.WrappedHeaderSize-protocol.LengthSize+1 {
		return fmt.Errorf("%w: wrapped message of %d bytes", protocol.ErrMalformed, len(body))
	}
	target, inner := protocol.SplitWrapped(body)
	c.mu.Lock()
	f := c.forwards[target]
	c.mu.Unlock()
	if f == nil {
		logger.Sugar.Debugf("[RelayServer] no forwarding socket for %s: dropping %s", target, protocol.MessageType(inner[0]))
		return nil
	}
	if protocol.MessageType(inner[0]) == protocol.TypeExitPeer {
		f.drop()
		return nil
	}
	if err := f.node.Send(protocol.FrameBody(inner)); err != nil {
		logger.Sugar.Warnf("[RelayServer] forward failed: to=%s err=%v", target, err)
		f.drop()
	}
	return nil
}

// allocate binds a forwarding port for the client and reports it. Port zero
// tells the client allocation failed; the control connection stays open.
func (c *client) allocate(id protocol.PeerID) error {
	port, err := c.relay.ports.Acquire()
	if err == nil {
		listener := tcp.NewTCPTransport(net.JoinHostPort(c.relay.host, strconv.Itoa(port)))
		listener.SetOnPeer(c.onForward)
		if err = listener.ListenAndAccept(); err == nil {
			c.mu.Lock()
			c.id = id
			c.port = port
			c.listener = listener
			c.mu.Unlock()
			logger.Sugar.Infof("[RelayServer] allocated: client=%s id=%s port=%d", c.node.Addr(), id, port)
			return c.reply(id, uint32(port))
		}
		c.relay.ports.Release(port)
	}
	logger.Sugar.Warnf("[RelayServer] allocation failed: client=%s err=%v", c.node.Addr(), err)
	return c.reply(id, 0)
}

func (c *client) reply(id protocol.PeerID, port uint32) error {
	frame, err := protocol.Frame(protocol.AllocateReply{Port: port})
	if err != nil {
		return err
	}
	wrapped, err := protocol.Wrap(id, frame)
	if err != nil {
		return err
	}
	return c.node.Send(wrapped)
}

// deliver sends one frame body from sender to the client.
func (c *client) deliver(sender protocol.PeerID, body []byte) error {
	return c.node.Send(protocol.WrapBody(sender, body))
}

// onForward accepts a peer dialing the client's forwarding port.
func (c *client) onForward(node transport.Node) error {
	tn, ok := node.(*tcp.TCPNode)
	if !ok {
		return fmt.Errorf("unsupported node %T", node)
	}
	f := &forward{client: c, node: tn}
	go f.readLoop()
	return nil
}

func (c *client) register(f *forward, sender protocol.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ErrNotAllocated
	}
	if _, ok := c.forwards[sender]; ok {
		return fmt.Errorf("peer %s already has a forwarding socket", sender)
	}
	c.forwards[sender] = f
	return nil
}

func (c *client) unregister(f *forward) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.forwards[f.sender]; ok && cur == f {
		delete(c.forwards, f.sender)
		return true
	}
	return false
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.node.Close()

		c.mu.Lock()
		listener := c.listener
		port := c.port
		c.listener = nil
		forwards := make([]*forward, 0, len(c.forwards))
		for _, f := range c.forwards {
			forwards = append(forwards, f)
		}
		c.mu.Unlock()

		if listener != nil {
			listener.Close()
			c.relay.ports.Release(port)
		}
		for _, f := range forwards {
			f.drop()
		}
		c.relay.removeClient(c)
		logger.Sugar.Infof("[RelayServer] client disconnected: remote=%s port=%d", c.node.Addr(), port)
	})
}

// forward is one peer connected to a client's forwarding port.
type forward struct {
	client *client
	node   *tcp.TCPNode
	reasm  tcp.Reassembler

	// sender is set by the first frame and only read afterwards
	sender     protocol.PeerID
	handshaken bool

	mu      sync.Mutex
	dropped bool
}

func (f *forward) readLoop() {
	err := f.node.ReadLoop(func(p []byte) error {
		return f.reasm.Feed(p, f.handle)
	})
	if err != nil {
		logger.Sugar.Debugf("[RelayServer] forwarding socket ended: remote=%s err=%v", f.node.Addr(), err)
	}
	f.node.Close()
	if !f.handshaken || !f.client.unregister(f) {
		return
	}
	f.mu.Lock()
	dropped := f.dropped
	f.mu.Unlock()
	if dropped {
		return
	}
	// tell the client the peer is gone
	if err := f.client.deliver(f.sender, []byte{byte(protocol.TypeExitPeer)}); err != nil {
		logger.Sugar.Debugf("[RelayServer] exit notice failed: peer=%s err=%v", f.sender, err)
	}
}

func (f *forward) handle(body []byte) error {
	if !f.handshaken {
		msg, err := protocol.Unmarshal(body)
		if err != nil {
			return err
		}
		hs, ok := msg.(protocol.Handshake)
		if !ok {
			return fmt.Errorf("%w: got %s", ErrFirstNotHandshake, msg.Type())
		}
		if err := f.client.register(f, hs.PeerID); err != nil {
			return err
		}
		f.sender = hs.PeerID
		f.handshaken = true
		logger.Sugar.Infof("[RelayServer] peer %s reached client %s via %s", hs.PeerID, f.client.node.Addr(), f.node.Addr())
	}
	if err := f.client.deliver(f.sender, body); err != nil {
		f.client.close()
		return err
	}
	return nil
}

// drop closes the socket on the client's request; no exit notice follows.
func (f *forward) drop() {
	f.mu.Lock()
	f.dropped = true
	f.mu.Unlock()
	f.node.Close()
}
