package peer

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-swarm/pkg/monitor"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/storage"
)

// fakeNode records every frame sent through it.
type fakeNode struct {
	mu       sync.Mutex
	frames   [][]byte
	outbound bool
	closed   bool
	sendErr  error
}

func (n *fakeNode) Send(frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("closed")
	}
	if n.sendErr != nil {
		return n.sendErr
	}
	n.frames = append(n.frames, append([]byte(nil), frame...))
	return nil
}

func (n *fakeNode) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNode) Addr() string   { return "fake" }
func (n *fakeNode) Outbound() bool { return n.outbound }

func (n *fakeNode) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// messages decodes and clears everything sent so far.
func (n *fakeNode) messages(t *testing.T) []protocol.Message {
	t.Helper()
	n.mu.Lock()
	frames := n.frames
	n.frames = nil
	n.mu.Unlock()

	out := make([]protocol.Message, 0, len(frames))
	for _, f := range frames {
		m, err := protocol.Unmarshal(f[protocol.LengthSize:])
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func frameOf(t *testing.T, m protocol.Message) []byte {
	t.Helper()
	f, err := protocol.Frame(m)
	require.NoError(t, err)
	return f
}

// idOf builds a peer id filled with b, so tests can order ids.
func idOf(b byte) protocol.PeerID {
	var id uuid.UUID
	for i := range id {
		id[i] = b
	}
	return id
}

func writeRandomFile(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func seedStore(t *testing.T, size int) (*storage.PieceStore, []byte) {
	t.Helper()
	path, data := writeRandomFile(t, t.TempDir(), size)
	s, err := storage.OpenSeed(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, data
}

func leechStore(t *testing.T, desc protocol.FileDescriptor) *storage.PieceStore {
	t.Helper()
	s, err := storage.Create(filepath.Join(t.TempDir(), desc.Name), desc)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTransfer(t *testing.T, localID protocol.PeerID, store *storage.PieceStore, maxRequests int) (*Transfer, *monitor.Metrics) {
	t.Helper()
	m := monitor.NewMetrics()
	tr := NewTransfer(localID, store, NewDirectory(localID), TransferOptions{
		CycleInterval:       10 * time.Millisecond,
		RequestTimeout:      30 * time.Second,
		MaxRequestsPerCycle: maxRequests,
		Metrics:             m,
		Rand:                rand.New(rand.NewSource(1)),
	})
	return tr, m
}

// openSession registers a session for remote and completes its handshake.
func openSession(t *testing.T, tr *Transfer, remote protocol.PeerID) (*Session, *fakeNode) {
	t.Helper()
	node := &fakeNode{outbound: true}
	s := newSession(remote, node, tr, false)
	require.NoError(t, tr.dir.Add(s))
	require.NoError(t, s.Open())
	require.NoError(t, s.OnBytes(frameOf(t, protocol.Handshake{DescriptorHash: tr.descHash, PeerID: remote})))
	require.True(t, s.Ready())
	node.messages(t)
	return s, node
}
