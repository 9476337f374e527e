package relayserver

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-swarm/pkg/config"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

func TestPortAllocator(t *testing.T) {
	a := NewPortAllocator(5000, 2)

	p1, err := a.Acquire()
	require.NoError(t, err)
	p2, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5000, p1)
	assert.Equal(t, 5001, p2)
	assert.Equal(t, 2, a.InUse())

	_, err = a.Acquire()
	assert.ErrorIs(t, err, ErrPortsExhausted)

	a.Release(p1)
	a.Release(9999)
	p3, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 5000, p3)
}

// freePort finds a port that is free right now.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startRelay(t *testing.T, count int) *RelayServer {
	t.Helper()
	r := NewRelayServer(config.RelayConfig{
		ListenAddr: "127.0.0.1:0",
		PortBase:   freePort(t),
		PortCount:  count,
	})
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var prefix [4]byte
	_, err := io.ReadFull(conn, prefix[:])
	require.NoError(t, err)
	frame := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	copy(frame, prefix[:])
	_, err = io.ReadFull(conn, frame[4:])
	require.NoError(t, err)
	return frame
}

// readWrapped reads one wrapped frame and decodes the message inside it.
func readWrapped(t *testing.T, conn net.Conn) (protocol.PeerID, protocol.Message) {
	t.Helper()
	id, frame, err := protocol.Unwrap(readFrame(t, conn))
	require.NoError(t, err)
	msg, err := protocol.Unmarshal(frame[protocol.LengthSize:])
	require.NoError(t, err)
	return id, msg
}

func send(t *testing.T, conn net.Conn, m protocol.Message) {
	t.Helper()
	frame, err := protocol.Frame(m)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func sendWrapped(t *testing.T, conn net.Conn, target protocol.PeerID, m protocol.Message) {
	t.Helper()
	frame, err := protocol.Frame(m)
	require.NoError(t, err)
	wrapped, err := protocol.Wrap(target, frame)
	require.NoError(t, err)
	_, err = conn.Write(wrapped)
	require.NoError(t, err)
}

// allocate greets and allocates a client, returning the control connection and
// forwarding address.
func allocate(t *testing.T, r *RelayServer, id protocol.PeerID) (net.Conn, string) {
	t.Helper()
	control := dial(t, r.Addr())

	_, greeting := readWrapped(t, control)
	require.Equal(t, protocol.RelayHandshake{IP: netip.MustParseAddr("127.0.0.1")}, greeting)

	send(t, control, protocol.AllocateRequest{PeerID: id})
	replyID, msg := readWrapped(t, control)
	assert.Equal(t, id, replyID)
	reply, ok := msg.(protocol.AllocateReply)
	require.True(t, ok)
	require.NotZero(t, reply.Port)
	return control, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(reply.Port)))
}

func TestRelayForwardsBothWays(t *testing.T) {
	r := startRelay(t, 4)
	clientID := protocol.NewPeerID()
	control, fwdAddr := allocate(t, r, clientID)

	remoteID := protocol.NewPeerID()
	hs := protocol.Handshake{DescriptorHash: protocol.Hash{1, 2, 3}, PeerID: remoteID}
	remote := dial(t, fwdAddr)
	send(t, remote, hs)

	sender, msg := readWrapped(t, control)
	assert.Equal(t, remoteID, sender)
	assert.Equal(t, hs, msg)

	send(t, remote, protocol.DataRequest{Index: 7})
	sender, msg = readWrapped(t, control)
	assert.Equal(t, remoteID, sender)
	assert.Equal(t, protocol.DataRequest{Index: 7}, msg)

	sendWrapped(t, control, remoteID, protocol.PieceUpdate{Index: 3})
	frame := readFrame(t, remote)
	got, err := protocol.Unmarshal(frame[protocol.LengthSize:])
	require.NoError(t, err)
	assert.Equal(t, protocol.PieceUpdate{Index: 3}, got)

	// remote hangs up: client is told
	require.NoError(t, remote.Close())
	sender, msg = readWrapped(t, control)
	assert.Equal(t, remoteID, sender)
	assert.Equal(t, protocol.ExitPeer{}, msg)
}

func TestRelayExitPeerClosesForwardingSocket(t *testing.T) {
	r := startRelay(t, 1)
	control, fwdAddr := allocate(t, r, protocol.NewPeerID())

	remoteID := protocol.NewPeerID()
	remote := dial(t, fwdAddr)
	send(t, remote, protocol.Handshake{PeerID: remoteID})
	readWrapped(t, control)

	sendWrapped(t, control, remoteID, protocol.ExitPeer{})
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayRequiresHandshakeFirst(t *testing.T) {
	r := startRelay(t, 1)
	_, fwdAddr := allocate(t, r, protocol.NewPeerID())

	remote := dial(t, fwdAddr)
	send(t, remote, protocol.DataRequest{Index: 1})
	_, err := remote.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestRelayRejectsTrafficBeforeAllocation(t *testing.T) {
	r := startRelay(t, 1)
	control := dial(t, r.Addr())
	readWrapped(t, control)

	send(t, control, protocol.DataRequest{Index: 1})
	_, err := control.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestRelayPortsExhausted(t *testing.T) {
	r := startRelay(t, 1)
	allocate(t, r, protocol.NewPeerID())

	control := dial(t, r.Addr())
	readWrapped(t, control)
	send(t, control, protocol.AllocateRequest{PeerID: protocol.NewPeerID()})
	_, msg := readWrapped(t, control)
	assert.Equal(t, protocol.AllocateReply{Port: 0}, msg)
}

func TestRelayReleasesPortOnDisconnect(t *testing.T) {
	r := startRelay(t, 1)
	control, _ := allocate(t, r, protocol.NewPeerID())
	require.Equal(t, 1, r.ports.InUse())

	require.NoError(t, control.Close())
	assert.Eventually(t, func() bool { return r.ports.InUse() == 0 }, 2*time.Second, 10*time.Millisecond)
}
