package transport

import "context"

// Node is one connection to a remote party. Send takes a complete frame
// (length prefix included) and must be safe for concurrent callers.
type Node interface {
	Send(frame []byte) error
	Close() error
	Addr() string
	// Outbound reports whether the local side dialed the connection.
	Outbound() bool
}

// Receiver is implemented by nodes that own a socket and read it themselves.
// Nodes without it are fed by whoever demultiplexes their traffic.
type Receiver interface {
	ReadLoop(onBytes func([]byte) error) error
}

// Transport accepts and dials stream connections.
type Transport interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr string) (Node, error)
	Close() error
	Addr() string
	SetOnPeer(func(Node) error)
}
