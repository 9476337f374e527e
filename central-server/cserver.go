// Package centralserver is the rendezvous service: it keeps one swarm per
// announced file and tells joining peers who else is in it. It only ever
// answers single datagrams and holds no connections.
package centralserver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"tarun-kavipurapu/p2p-swarm/pkg/config"
	"tarun-kavipurapu/p2p-swarm/pkg/discovery"
	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

const (
	// MaxListedSwarms caps the directory listing; further swarms collapse into "...".
	MaxListedSwarms = 50
	maxDatagramSize = 65507
)

var ErrUnexpectedRequest = errors.New("message is not a tracker request")

type swarm struct {
	desc    protocol.FileDescriptor
	hash    protocol.Hash
	members []protocol.PeerAddress
}

func (s *swarm) indexOf(id protocol.PeerID) int {
	for i, m := range s.members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// SwarmInfo is a read-only view of one swarm.
type SwarmInfo struct {
	Name    string
	Hash    protocol.Hash
	Size    int64
	Members []protocol.PeerAddress
}

type CentralServer struct {
	listenAddr string
	maxPeers   int
	advertise  bool

	conn       *net.UDPConn
	advertiser *discovery.Advertiser
	quitCh     chan struct{}
	wg         sync.WaitGroup

	mu sync.Mutex
	// swarms keeps announcement order, which is also the listing order.
	swarms []*swarm
}

func NewCentralServer(cfg config.TrackerConfig) *CentralServer {
	maxPeers := cfg.MaxPeersPerReply
	if maxPeers <= 0 {
		maxPeers = 50
	}
	return &CentralServer{
		listenAddr: cfg.ListenAddr,
		maxPeers:   maxPeers,
		advertise:  cfg.Advertise,
		advertiser: discovery.NewAdvertiser(),
		quitCh:     make(chan struct{}),
	}
}

// Start binds the UDP socket and serves in the background until Stop.
func (c *CentralServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", c.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.listenAddr, err)
	}
	c.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	logger.Sugar.Infof("[CentralServer] [%s] tracker listening", c.Addr())

	if c.advertise {
		port := c.conn.LocalAddr().(*net.UDPAddr).Port
		meta := map[string]string{"version": "1.0.0", "proto": "udp"}
		if err := c.advertiser.Start(discovery.RoleTracker, port, meta); err != nil {
			logger.Sugar.Errorf("[CentralServer] Failed to start mDNS advertisement: %v", err)
		} else {
			logger.Sugar.Infof("[CentralServer] mDNS advertisement started on port %d", port)
		}
	}

	c.wg.Add(1)
	go c.loop()
	return nil
}

func (c *CentralServer) loop() {
	defer c.wg.Done()
	defer logger.Sugar.Info("[CentralServer] stopped (error or quit)")

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-c.quitCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[CentralServer] read failed: %v", err)
			continue
		}
		reply, err := c.handleDatagram(buf[:n], from)
		if err != nil {
			logger.Sugar.Warnf("[CentralServer] bad datagram: from=%s err=%v", from, err)
			continue
		}
		if reply == nil {
			continue
		}
		if err := c.send(reply, from); err != nil {
			logger.Sugar.Errorf("[CentralServer] reply failed: to=%s type=%s err=%v", from, reply.Type(), err)
		}
	}
}

func (c *CentralServer) send(m protocol.Message, to netip.AddrPort) error {
	body, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > maxDatagramSize {
		return fmt.Errorf("reply of %d bytes does not fit a datagram", len(body))
	}
	_, err = c.conn.WriteToUDPAddrPort(body, to)
	return err
}

// handleDatagram decodes one request and returns the reply to send, if any.
func (c *CentralServer) handleDatagram(data []byte, from netip.AddrPort) (protocol.Message, error) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case protocol.DirectoryListingRequest:
		return protocol.DirectoryListingReply{Listing: c.listing()}, nil
	case protocol.AnnounceRequest:
		return protocol.AnnounceReply{Accepted: c.announce(withSource(m.Peer, from), m.Descriptor)}, nil
	case protocol.ConnectRequest:
		return c.connect(withSource(m.Peer, from), m.FileName), nil
	case protocol.Exit:
		c.exit(m.PeerID)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedRequest, msg.Type())
	}
}

// withSource fills an unspecified announced address with the address the
// datagram came from.
func withSource(p protocol.PeerAddress, from netip.AddrPort) protocol.PeerAddress {
	if !p.IP.IsValid() || p.IP.IsUnspecified() {
		p.IP = from.Addr().Unmap()
	}
	return p
}

func (c *CentralServer) listing() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for i, s := range c.swarms {
		b.WriteByte('\t')
		if i >= MaxListedSwarms {
			b.WriteString("...")
			break
		}
		b.WriteString(s.desc.Name)
		b.WriteByte('\n')
	}
	return b.String()
}

// announce creates a swarm seeded by peer. A descriptor whose hash is already
// known is refused.
func (c *CentralServer) announce(peer protocol.PeerAddress, desc protocol.FileDescriptor) bool {
	hash := desc.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.swarms {
		if s.hash == hash {
			logger.Sugar.Infof("[CentralServer] duplicate announce: file=%s hash=%s peer=%s", desc.Name, hash, peer)
			return false
		}
	}
	c.swarms = append(c.swarms, &swarm{desc: desc, hash: hash, members: []protocol.PeerAddress{peer}})
	logger.Sugar.Infof("[CentralServer] swarm created: file=%s hash=%s seed=%s", desc.Name, hash, peer)
	return true
}

// connect returns the first swarm named name with its members, then adds the
// requester to it.
func (c *CentralServer) connect(peer protocol.PeerAddress, name string) protocol.ConnectReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sw *swarm
	for _, s := range c.swarms {
		if s.desc.Name == name {
			sw = s
			break
		}
	}
	if sw == nil {
		logger.Sugar.Infof("[CentralServer] connect for unknown file: file=%s peer=%s", name, peer)
		return protocol.ConnectReply{}
	}

	peers := make([]protocol.PeerAddress, 0, min(len(sw.members), c.maxPeers))
	for _, m := range sw.members {
		if len(peers) >= c.maxPeers {
			break
		}
		if m.ID != peer.ID {
			peers = append(peers, m)
		}
	}
	if i := sw.indexOf(peer.ID); i >= 0 {
		sw.members[i] = peer
	} else {
		sw.members = append(sw.members, peer)
	}
	logger.Sugar.Infof("[CentralServer] peer joined: file=%s peer=%s members=%d", name, peer, len(sw.members))
	return protocol.ConnectReply{Found: true, Descriptor: sw.desc, Peers: peers}
}

// exit removes id from every swarm and forgets swarms left empty.
func (c *CentralServer) exit(id protocol.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.swarms[:0]
	for _, s := range c.swarms {
		if i := s.indexOf(id); i >= 0 {
			s.members = append(s.members[:i], s.members[i+1:]...)
		}
		if len(s.members) == 0 {
			logger.Sugar.Infof("[CentralServer] swarm closed: file=%s", s.desc.Name)
			continue
		}
		kept = append(kept, s)
	}
	clear(c.swarms[len(kept):])
	c.swarms = kept
	logger.Sugar.Infof("[CentralServer] peer left: id=%s", id)
}

func (c *CentralServer) Addr() string {
	if c.conn != nil {
		return c.conn.LocalAddr().String()
	}
	return c.listenAddr
}

func (c *CentralServer) GetStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := fmt.Sprintf("Tracker Running on: %s\n", c.Addr())
	status += fmt.Sprintf("Swarms: %d\n", len(c.swarms))
	for _, s := range c.swarms {
		status += fmt.Sprintf(" - File: %s (hash %s) Size: %d bytes, %d pieces, %d members\n",
			s.desc.Name, s.hash, s.desc.Size, s.desc.PieceCount, len(s.members))
	}
	return status
}

// GetSwarmList returns a snapshot of every swarm in announcement order.
func (c *CentralServer) GetSwarmList() []SwarmInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]SwarmInfo, 0, len(c.swarms))
	for _, s := range c.swarms {
		list = append(list, SwarmInfo{
			Name:    s.desc.Name,
			Hash:    s.hash,
			Size:    s.desc.Size,
			Members: append([]protocol.PeerAddress(nil), s.members...),
		})
	}
	return list
}

func (c *CentralServer) Stop() {
	select {
	case <-c.quitCh:
		return
	default:
	}
	close(c.quitCh)
	c.advertiser.Stop()
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}
