package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/transport"
)

const readBufferSize = 32 * 1024

// TCPNode implements transport.Node and transport.Receiver
type TCPNode struct {
	conn net.Conn
	lock sync.Mutex
	// outbound is true when we dialed the connection
	outbound bool
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		conn:     conn,
		outbound: outbound,
	}
}

// Send writes one frame. Frames from concurrent callers never interleave.
func (n *TCPNode) Send(frame []byte) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	_, err := n.conn.Write(frame)
	return err
}

// ReadLoop reads until the connection fails or onBytes returns an error.
// A clean remote close returns nil.
func (n *TCPNode) ReadLoop(onBytes func([]byte) error) error {
	buf := make([]byte, readBufferSize)
	for {
		k, err := n.conn.Read(buf)
		if k > 0 {
			if herr := onBytes(buf[:k]); herr != nil {
				return herr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

func (n *TCPNode) Outbound() bool {
	return n.outbound
}

// RemoteIP is the IPv4 address of the other end, if it has one.
func (n *TCPNode) RemoteIP() net.IP {
	if addr, ok := n.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.To4()
	}
	return nil
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr  string
	listener    net.Listener
	onPeer      func(transport.Node) error
	dialTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr:  addr,
		dialTimeout: 5 * time.Second,
	}
}

func (t *TCPTransport) SetOnPeer(f func(transport.Node) error) {
	t.onPeer = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.isClosed() {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			continue
		}
		node := NewTCPNode(conn, false)
		go t.handleConn(node)
	}
}

func (t *TCPTransport) handleConn(node *TCPNode) {
	if t.onPeer == nil {
		node.Close()
		return
	}
	if err := t.onPeer(node); err != nil {
		logger.Sugar.Warnf("[TCPTransport] peer rejected: remote=%s err=%v", node.Addr(), err)
		node.Close()
	}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (transport.Node, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPNode(conn, true), nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (t *TCPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Addr returns the bound address once listening, so ":0" resolves to the
// actual port.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
