package peer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

func progressDescriptor(t *testing.T) protocol.FileDescriptor {
	t.Helper()
	fd, err := protocol.NewFileDescriptor("video.mp4", 40_000, 16384)
	require.NoError(t, err)
	fd, err = fd.WithHashes(make([]protocol.Hash, fd.PieceCount))
	require.NoError(t, err)
	return fd
}

func TestDownloadTrackerStates(t *testing.T) {
	dt := NewDownloadTracker(progressDescriptor(t), protocol.NewBitmap(2))

	p := dt.GetProgress()
	assert.EqualValues(t, 1, p.Completed)
	assert.EqualValues(t, 3, p.Total)
	assert.EqualValues(t, 40_000-2*16384, p.Bytes)
	assert.False(t, p.Done)

	dt.StartPiece(0, "peer-a")
	dt.StartPiece(1, "peer-b")
	assert.Equal(t, 2, dt.GetProgress().ActivePeers)

	dt.FailPiece(1)
	dt.CompletePiece(0)
	dt.CompletePiece(0)
	assert.Equal(t, []PieceState{PieceCompleted, PieceFailed, PieceCompleted}, dt.PieceStates())

	p = dt.GetProgress()
	assert.EqualValues(t, 2, p.Completed)
	assert.EqualValues(t, 1, p.Failed)
	assert.Equal(t, 0, p.ActivePeers)

	dt.StartPiece(1, "peer-a")
	dt.RetryPiece(1)
	assert.EqualValues(t, 1, dt.GetProgress().Retries)
	assert.Equal(t, PiecePending, dt.PieceStates()[1])

	dt.CompletePiece(1)
	dt.MarkComplete()
	assert.True(t, dt.IsComplete())
	assert.InDelta(t, 100, dt.GetProgress().Percent, 0.001)
}

func TestDownloadTrackerSpeed(t *testing.T) {
	dt := NewDownloadTracker(progressDescriptor(t), protocol.NewBitmap())
	dt.lastTime = time.Now().Add(-time.Second)
	dt.CompletePiece(0)
	dt.UpdateSpeed()

	p := dt.GetProgress()
	assert.Greater(t, p.Speed, 0.0)
	assert.Greater(t, p.ETA, time.Duration(0))
}

func TestProgressRenderer(t *testing.T) {
	dt := NewDownloadTracker(progressDescriptor(t), protocol.NewBitmap())
	var out bytes.Buffer
	pr := NewProgressRendererTo(dt, &out, false)

	go pr.Start()
	for i := uint32(0); i < 3; i++ {
		dt.CompletePiece(i)
	}
	dt.MarkComplete()
	pr.Stop()

	assert.True(t, strings.Contains(out.String(), "video.mp4: 3 pieces in"), out.String())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536 * 1024, "1.5 MB"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatBytes(tc.in))
	}
}
