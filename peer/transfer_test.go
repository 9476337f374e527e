package peer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/storage"
)

func requestsIn(msgs []protocol.Message) []uint16 {
	var out []uint16
	for _, m := range msgs {
		if r, ok := m.(protocol.DataRequest); ok {
			out = append(out, r.Index)
		}
	}
	return out
}

func advertise(t *testing.T, s *Session, pieces ...uint32) {
	t.Helper()
	require.NoError(t, s.OnBytes(frameOf(t, protocol.AvailablePieces{Pieces: protocol.NewBitmap(pieces...)})))
}

func TestRarestFirst(t *testing.T) {
	p1 := peerView{available: protocol.NewBitmap(0, 1, 2, 3), requested: protocol.NewBitmap()}
	p2 := peerView{available: protocol.NewBitmap(1, 2, 3), requested: protocol.NewBitmap(3)}
	p3 := peerView{available: protocol.NewBitmap(2), requested: protocol.NewBitmap()}

	tests := []struct {
		name  string
		views []peerView
		owned *protocol.Bitmap
		want  []uint32
	}{
		{"no peers", nil, protocol.NewBitmap(), []uint32{}},
		{"single peer in index order", []peerView{p1}, protocol.NewBitmap(), []uint32{0, 1, 2, 3}},
		{"rarest first, in flight dropped", []peerView{p1, p2, p3}, protocol.NewBitmap(), []uint32{0, 1, 2}},
		{"owned dropped", []peerView{p1, p2, p3}, protocol.NewBitmap(0, 2), []uint32{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rarestFirst(tc.views, tc.owned))
		})
	}
}

// P1 has {0,1}, P2 has {1}; with one request per cycle piece 0 goes to P1.
func TestDownloadCycleRequestsRarestPiece(t *testing.T) {
	seed, _ := seedStore(t, 40_000)
	tr, _ := newTestTransfer(t, protocol.NewPeerID(), leechStore(t, seed.Descriptor()), 1)

	s1, n1 := openSession(t, tr, protocol.NewPeerID())
	s2, n2 := openSession(t, tr, protocol.NewPeerID())
	advertise(t, s1, 0, 1)
	advertise(t, s2, 1)

	now := time.Now()
	assert.False(t, tr.downloadCycle(now))
	assert.Equal(t, []uint16{0}, requestsIn(n1.messages(t)))
	assert.Empty(t, n2.messages(t))

	// piece 0 is in flight; piece 1 is next
	assert.False(t, tr.downloadCycle(now))
	got := append(requestsIn(n1.messages(t)), requestsIn(n2.messages(t))...)
	assert.Equal(t, []uint16{1}, got)

	// nothing left to ask for until a request expires
	assert.False(t, tr.downloadCycle(now))
	assert.Empty(t, n1.messages(t))
	assert.Empty(t, n2.messages(t))
}

func TestDownloadCycleCapsRequests(t *testing.T) {
	seed, _ := seedStore(t, 300_000)
	desc := seed.Descriptor()
	require.Greater(t, desc.PieceCount, uint32(5))
	tr, _ := newTestTransfer(t, protocol.NewPeerID(), leechStore(t, desc), 5)

	s, n := openSession(t, tr, protocol.NewPeerID())
	advertise(t, s, protocol.FullBitmap(desc.PieceCount).Indices()...)

	tr.downloadCycle(time.Now())
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, requestsIn(n.messages(t)))
}

func TestDownloadCycleRetriesExpiredRequests(t *testing.T) {
	seed, _ := seedStore(t, 20_000)
	tr, _ := newTestTransfer(t, protocol.NewPeerID(), leechStore(t, seed.Descriptor()), 10)
	s, n := openSession(t, tr, protocol.NewPeerID())
	advertise(t, s, 0)

	start := time.Now()
	tr.downloadCycle(start)
	assert.Equal(t, []uint16{0}, requestsIn(n.messages(t)))

	tr.downloadCycle(start.Add(10 * time.Second))
	assert.Empty(t, n.messages(t))

	tr.downloadCycle(start.Add(31 * time.Second))
	assert.Equal(t, []uint16{0}, requestsIn(n.messages(t)))
	assert.EqualValues(t, 1, tr.Progress().GetProgress().Retries)
}

// A request held by a peer that disconnects is forgotten at once, so the
// piece goes to another peer without waiting for the timeout.
func TestDownloadCycleReassignsRequestsOfClosedPeer(t *testing.T) {
	seed, _ := seedStore(t, 20_000)
	tr, _ := newTestTransfer(t, protocol.NewPeerID(), leechStore(t, seed.Descriptor()), 10)

	s1, n1 := openSession(t, tr, protocol.NewPeerID())
	s2, n2 := openSession(t, tr, protocol.NewPeerID())
	advertise(t, s1, 0)
	advertise(t, s2, 0)

	now := time.Now()
	tr.downloadCycle(now)
	first, second := n1.messages(t), n2.messages(t)
	asked, other, otherNode := s1, s2, n2
	if len(requestsIn(second)) > 0 {
		asked, other, otherNode = s2, s1, n1
		first, second = second, first
	}
	require.Equal(t, []uint16{0}, requestsIn(first))
	require.Empty(t, requestsIn(second))

	asked.Close()
	tr.downloadCycle(now)
	assert.Equal(t, []uint16{0}, requestsIn(otherNode.messages(t)))
	assert.True(t, other.Ready())
}

func TestDeliveries(t *testing.T) {
	seed, _ := seedStore(t, 40_000)
	desc := seed.Descriptor()
	leech := leechStore(t, desc)
	tr, metrics := newTestTransfer(t, protocol.NewPeerID(), leech, 10)

	from, _ := openSession(t, tr, protocol.NewPeerID())
	advertise(t, from, 0, 1, 2)
	other, otherNode := openSession(t, tr, protocol.NewPeerID())
	advertise(t, other, 1)

	piece0, err := seed.Read(0)
	require.NoError(t, err)
	piece1, err := seed.Read(1)
	require.NoError(t, err)

	garbage := append([]byte(nil), piece1...)
	garbage[0] ^= 0xff
	require.NoError(t, from.OnBytes(frameOf(t, protocol.DataPackage{Index: 1, Data: garbage})))
	require.NoError(t, from.OnBytes(frameOf(t, protocol.DataPackage{Index: 0, Data: piece0})))
	require.NoError(t, from.OnBytes(frameOf(t, protocol.DataPackage{Index: 0, Data: piece0})))
	tr.downloadCycle(time.Now())

	assert.True(t, leech.Has(0))
	assert.False(t, leech.Has(1), "corrupt piece is not kept")
	snap := metrics.Snapshot()
	assert.EqualValues(t, 1, snap.PiecesVerified)
	assert.EqualValues(t, 1, snap.PiecesRejected)
	assert.EqualValues(t, 1, snap.PiecesDuplicate)
	assert.EqualValues(t, len(piece0), snap.BytesDownloaded)

	// only the peer lacking piece 0 hears about it
	msgs := otherNode.messages(t)
	assert.Contains(t, msgs, protocol.Message(protocol.PieceUpdate{Index: 0}))

	prog := tr.Progress().GetProgress()
	assert.EqualValues(t, 1, prog.Completed)
	assert.EqualValues(t, 1, prog.Failed)
}

func TestTransferCompletes(t *testing.T) {
	seed, data := seedStore(t, 40_000)
	desc := seed.Descriptor()
	dir := t.TempDir()
	leech, err := storage.Create(filepath.Join(dir, desc.Name), desc)
	require.NoError(t, err)
	defer leech.Close()
	tr, _ := newTestTransfer(t, protocol.NewPeerID(), leech, 10)

	s, _ := openSession(t, tr, protocol.NewPeerID())
	for i := 0; i < int(desc.PieceCount); i++ {
		piece, err := seed.Read(i)
		require.NoError(t, err)
		require.NoError(t, s.OnBytes(frameOf(t, protocol.DataPackage{Index: uint16(i), Data: piece})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()
	require.NoError(t, tr.Wait(ctx))
	assert.True(t, tr.Progress().IsComplete())

	got, err := os.ReadFile(filepath.Join(dir, desc.Name))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadCycle(t *testing.T) {
	seed, _ := seedStore(t, 40_000)
	tr, metrics := newTestTransfer(t, protocol.NewPeerID(), seed, 10)
	s, n := openSession(t, tr, protocol.NewPeerID())

	require.NoError(t, s.OnBytes(frameOf(t, protocol.DataRequest{Index: 2})))
	require.NoError(t, s.OnBytes(frameOf(t, protocol.DataRequest{Index: 60000})))
	tr.uploadCycle(context.Background())

	msgs := n.messages(t)
	require.Len(t, msgs, 1)
	pkg, ok := msgs[0].(protocol.DataPackage)
	require.True(t, ok)
	assert.EqualValues(t, 2, pkg.Index)
	want, err := seed.Read(2)
	require.NoError(t, err)
	assert.Equal(t, want, pkg.Data)
	assert.EqualValues(t, len(want), metrics.Snapshot().BytesUploaded)
}

func TestUploadCycleSkipsMissingPieces(t *testing.T) {
	seed, _ := seedStore(t, 40_000)
	tr, _ := newTestTransfer(t, protocol.NewPeerID(), leechStore(t, seed.Descriptor()), 10)
	s, n := openSession(t, tr, protocol.NewPeerID())

	require.NoError(t, s.OnBytes(frameOf(t, protocol.DataRequest{Index: 0})))
	tr.uploadCycle(context.Background())
	assert.Empty(t, n.messages(t))
}

func TestUploadRateLimitBurstCoversPiece(t *testing.T) {
	seed, _ := seedStore(t, 40_000)
	tr := NewTransfer(protocol.NewPeerID(), seed, NewDirectory(protocol.NewPeerID()), TransferOptions{UploadRateLimit: 1000})
	require.NotNil(t, tr.limiter)
	assert.Equal(t, int(seed.Descriptor().PieceSize), tr.limiter.Burst())
}
