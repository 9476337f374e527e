package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/transport/relay"
	"tarun-kavipurapu/p2p-swarm/pkg/transport/tcp"
)

var ErrAllocationFailed = errors.New("relay could not allocate a forwarding port")

// relayLink is our control connection to a relay server. Every frame the
// relay sends is wrapped with the id of the peer it came from; relay control
// messages carry our own id.
type relayLink struct {
	node   *tcp.TCPNode
	server *PeerServer
	reasm  tcp.Reassembler

	greeting  chan netip.Addr
	allocated chan uint32
	closed    chan struct{}
}

func dialRelay(ctx context.Context, tr *tcp.TCPTransport, addr string, server *PeerServer) (*relayLink, error) {
	n, err := tr.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	l := &relayLink{
		node:      n.(*tcp.TCPNode),
		server:    server,
		greeting:  make(chan netip.Addr, 1),
		allocated: make(chan uint32, 1),
		closed:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *relayLink) readLoop() {
	defer close(l.closed)
	err := l.node.ReadLoop(func(p []byte) error {
		return l.reasm.Feed(p, l.handle)
	})
	if err != nil {
		logger.Sugar.Warnf("[Relay] control connection lost: relay=%s err=%v", l.node.Addr(), err)
	}
	l.node.Close()
	l.server.onRelayLost(l)
}

// handle routes one wrapped message from the relay.
func (l *relayLink) handle(body []byte) error {
	sender, frame, err := protocol.Unwrap(protocol.FrameBody(body))
	if err != nil {
		return err
	}
	switch protocol.MessageType(frame[protocol.LengthSize]) {
	case protocol.TypeRelayHandshake, protocol.TypeAllocateReply:
		msg, err := protocol.Unmarshal(frame[protocol.LengthSize:])
		if err != nil {
			return err
		}
		l.control(msg)
	case protocol.TypeExitPeer:
		if s, ok := l.server.dir.Get(sender); ok && s.Relayed() {
			s.Close()
		}
	default:
		l.server.onRelayedFrame(l, sender, frame)
	}
	return nil
}

func (l *relayLink) control(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RelayHandshake:
		select {
		case l.greeting <- m.IP:
		default:
		}
	case protocol.AllocateReply:
		select {
		case l.allocated <- m.Port:
		default:
		}
	}
}

// awaitGreeting returns the IPv4 address the relay sees for us.
func (l *relayLink) awaitGreeting(ctx context.Context) (netip.Addr, error) {
	select {
	case ip := <-l.greeting:
		return ip, nil
	case <-l.closed:
		return netip.Addr{}, fmt.Errorf("relay closed before greeting")
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	}
}

// allocate asks for a forwarding port and returns the public address peers
// should dial to reach us.
func (l *relayLink) allocate(ctx context.Context, id protocol.PeerID) (netip.AddrPort, error) {
	frame, err := protocol.Frame(protocol.AllocateRequest{PeerID: id})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := l.node.Send(frame); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send allocate request: %w", err)
	}
	select {
	case port := <-l.allocated:
		if port == 0 || port > 0xFFFF {
			return netip.AddrPort{}, ErrAllocationFailed
		}
		ip, ok := netip.AddrFromSlice(l.node.RemoteIP())
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("relay address %s is not IPv4", l.node.Addr())
		}
		return netip.AddrPortFrom(ip, uint16(port)), nil
	case <-l.closed:
		return netip.AddrPort{}, fmt.Errorf("relay closed before allocation")
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

// dropPeer asks the relay to close the forwarding socket of id.
func (l *relayLink) dropPeer(id protocol.PeerID) {
	_ = relay.NewNode(l.node, id).Close()
}

func (l *relayLink) Close() error {
	return l.node.Close()
}

// isLocalAddress reports whether ip belongs to one of our interfaces, that is
// whether the relay sees us without address translation in between.
func isLocalAddress(ip netip.Addr) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if local, ok := netip.AddrFromSlice(ipnet.IP); ok && local.Unmap() == ip.Unmap() {
			return true
		}
	}
	return false
}
