package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

var (
	ErrAnnounceRejected = errors.New("tracker already has a swarm for this file")
	ErrSwarmNotFound    = errors.New("tracker has no swarm for this file")
	ErrDatagramTooLarge = errors.New("request does not fit a datagram")
	ErrUnexpectedReply  = errors.New("unexpected tracker reply")
)

// TrackerClient talks to the rendezvous service: one datagram out, at most
// one back. Nothing is retried.
type TrackerClient struct {
	addr    string
	timeout time.Duration
}

func NewTrackerClient(addr string, timeout time.Duration) *TrackerClient {
	return &TrackerClient{addr: addr, timeout: timeout}
}

func (c *TrackerClient) Addr() string { return c.addr }

// List returns the tracker's directory listing.
func (c *TrackerClient) List(ctx context.Context) (string, error) {
	reply, err := c.roundTrip(ctx, protocol.DirectoryListingRequest{})
	if err != nil {
		return "", err
	}
	listing, ok := reply.(protocol.DirectoryListingReply)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type())
	}
	return listing.Listing, nil
}

// Announce registers self as the first member of a new swarm for desc.
func (c *TrackerClient) Announce(ctx context.Context, self protocol.PeerAddress, desc protocol.FileDescriptor) error {
	reply, err := c.roundTrip(ctx, protocol.AnnounceRequest{Peer: self, Descriptor: desc})
	if err != nil {
		return err
	}
	ack, ok := reply.(protocol.AnnounceReply)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type())
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: %s", ErrAnnounceRejected, desc.Name)
	}
	return nil
}

// Connect joins the swarm sharing name and returns its descriptor and the
// members known to the tracker.
func (c *TrackerClient) Connect(ctx context.Context, self protocol.PeerAddress, name string) (protocol.FileDescriptor, []protocol.PeerAddress, error) {
	reply, err := c.roundTrip(ctx, protocol.ConnectRequest{Peer: self, FileName: name})
	if err != nil {
		return protocol.FileDescriptor{}, nil, err
	}
	r, ok := reply.(protocol.ConnectReply)
	if !ok {
		return protocol.FileDescriptor{}, nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type())
	}
	if !r.Found {
		return protocol.FileDescriptor{}, nil, fmt.Errorf("%w: %s", ErrSwarmNotFound, name)
	}
	return r.Descriptor, r.Peers, nil
}

// Exit tells the tracker we are leaving every swarm. There is no reply.
func (c *TrackerClient) Exit(ctx context.Context, id protocol.PeerID) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.write(conn, protocol.Exit{PeerID: id})
}

func (c *TrackerClient) roundTrip(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.write(conn, req); err != nil {
		return nil, err
	}
	buf := make([]byte, MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tracker %s: %s: %w", c.addr, req.Type(), err)
	}
	return protocol.Unmarshal(buf[:n])
}

func (c *TrackerClient) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial tracker %s: %w", c.addr, err)
	}
	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *TrackerClient) write(conn net.Conn, m protocol.Message) error {
	body, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > MaxDatagramSize {
		return fmt.Errorf("%w: %s of %d bytes", ErrDatagramTooLarge, m.Type(), len(body))
	}
	_, err = conn.Write(body)
	return err
}
