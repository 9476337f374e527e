// Package relay provides the transport used for peers reached through a relay
// server: every frame is wrapped with the target peer id and written to the
// shared relay control connection.
package relay

import (
	"errors"
	"sync"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/transport"
)

var ErrClosed = errors.New("relay node closed")

// Node is a transport.Node tunnelled through a relay control connection.
// It has no socket of its own and therefore no read loop; the owner of the
// control connection feeds inbound frames to the session.
type Node struct {
	control transport.Node
	target  protocol.PeerID

	mu     sync.Mutex
	closed bool
}

func NewNode(control transport.Node, target protocol.PeerID) *Node {
	return &Node{control: control, target: target}
}

func (n *Node) Send(frame []byte) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	wrapped, err := protocol.Wrap(n.target, frame)
	if err != nil {
		return err
	}
	return n.control.Send(wrapped)
}

// Close tells the relay to drop the forwarding socket of the target. The
// shared control connection stays open.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	frame, err := protocol.Frame(protocol.ExitPeer{})
	if err != nil {
		return err
	}
	wrapped, err := protocol.Wrap(n.target, frame)
	if err != nil {
		return err
	}
	return n.control.Send(wrapped)
}

func (n *Node) Addr() string {
	return "relay:" + n.target.String()
}

// Outbound is false: relayed connections are always initiated by the remote
// peer dialing our forwarding port.
func (n *Node) Outbound() bool {
	return false
}

func (n *Node) Target() protocol.PeerID {
	return n.target
}
