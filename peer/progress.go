package peer

import (
	"sync"
	"time"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

// PieceState is the download state of one piece as seen by the UI
type PieceState int

const (
	PiecePending PieceState = iota
	PieceDownloading
	PieceCompleted
	PieceFailed
)

func (s PieceState) String() string {
	switch s {
	case PiecePending:
		return "pending"
	case PieceDownloading:
		return "downloading"
	case PieceCompleted:
		return "completed"
	case PieceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the piece state
func (s PieceState) Icon() string {
	switch s {
	case PiecePending:
		return "⏳"
	case PieceDownloading:
		return "↓"
	case PieceCompleted:
		return "✓"
	case PieceFailed:
		return "✗"
	default:
		return "?"
	}
}

// PieceProgress tracks a single piece
type PieceProgress struct {
	State     PieceState
	PeerAddr  string
	Bytes     uint64
	Attempts  int
	StartTime time.Time
	EndTime   time.Time
}

// Progress is a snapshot for rendering.
type Progress struct {
	Completed   uint32
	Total       uint32
	Bytes       uint64
	Size        uint64
	Percent     float64
	Speed       float64 // bytes/sec
	ETA         time.Duration
	Failed      uint32
	Retries     uint32
	ActivePeers int
	Done        bool
}

// DownloadTracker follows the pieces of one transfer. The scheduler updates
// it, the renderer and the interactive status command read it.
type DownloadTracker struct {
	mu          sync.RWMutex
	FileName    string
	FileSize    uint64
	TotalPieces uint32
	Pieces      []PieceProgress
	ActivePeers map[string]int
	StartTime   time.Time
	EndTime     time.Time

	completedSize   uint64
	completedPieces uint32
	bytesDownloaded uint64

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64

	failedPieces uint32
	retryCount   uint32
}

// NewDownloadTracker starts tracking desc; pieces in owned count as done.
func NewDownloadTracker(desc protocol.FileDescriptor, owned *protocol.Bitmap) *DownloadTracker {
	now := time.Now()
	dt := &DownloadTracker{
		FileName:    desc.Name,
		FileSize:    uint64(desc.Size),
		TotalPieces: desc.PieceCount,
		Pieces:      make([]PieceProgress, desc.PieceCount),
		ActivePeers: make(map[string]int),
		StartTime:   now,
		lastTime:    now,
	}
	for i := range dt.Pieces {
		dt.Pieces[i].Bytes = uint64(desc.PieceLength(i))
		if owned.Contains(uint32(i)) {
			dt.Pieces[i].State = PieceCompleted
			dt.completedSize += dt.Pieces[i].Bytes
			dt.completedPieces++
		}
	}
	return dt
}

func (dt *DownloadTracker) piece(index uint32) *PieceProgress {
	if index >= uint32(len(dt.Pieces)) {
		return nil
	}
	return &dt.Pieces[index]
}

// StartPiece marks a piece as requested from peerAddr
func (dt *DownloadTracker) StartPiece(index uint32, peerAddr string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	p := dt.piece(index)
	if p == nil || p.State == PieceCompleted {
		return
	}
	p.State = PieceDownloading
	p.PeerAddr = peerAddr
	p.StartTime = time.Now()
	p.Attempts++
	dt.ActivePeers[peerAddr]++
}

// CompletePiece marks a piece as verified and written
func (dt *DownloadTracker) CompletePiece(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	p := dt.piece(index)
	if p == nil || p.State == PieceCompleted {
		return
	}
	dt.release(p)
	p.State = PieceCompleted
	p.EndTime = time.Now()
	dt.completedSize += p.Bytes
	dt.completedPieces++
	dt.bytesDownloaded += p.Bytes
}

// FailPiece marks a piece whose data was rejected
func (dt *DownloadTracker) FailPiece(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	p := dt.piece(index)
	if p == nil || p.State == PieceCompleted {
		return
	}
	dt.release(p)
	p.State = PieceFailed
	dt.failedPieces++
}

// RetryPiece puts a timed out piece back to pending
func (dt *DownloadTracker) RetryPiece(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	p := dt.piece(index)
	if p == nil || p.State == PieceCompleted {
		return
	}
	dt.release(p)
	p.State = PiecePending
	dt.retryCount++
}

func (dt *DownloadTracker) release(p *PieceProgress) {
	if p.State != PieceDownloading || p.PeerAddr == "" {
		return
	}
	if dt.ActivePeers[p.PeerAddr]--; dt.ActivePeers[p.PeerAddr] <= 0 {
		delete(dt.ActivePeers, p.PeerAddr)
	}
}

// MarkComplete records the end of the download
func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if dt.EndTime.IsZero() {
		dt.EndTime = time.Now()
	}
}

// UpdateSpeed recomputes the download speed from the bytes written since the
// previous call.
func (dt *DownloadTracker) UpdateSpeed() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(dt.bytesDownloaded-dt.lastBytes) / elapsed
	// smooth so the bar does not jitter between pieces
	dt.currentSpeed = 0.7*dt.currentSpeed + 0.3*instant
	dt.lastBytes = dt.bytesDownloaded
	dt.lastTime = now
}

func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.completedPieces == dt.TotalPieces
}

func (dt *DownloadTracker) GetProgress() Progress {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	p := Progress{
		Completed:   dt.completedPieces,
		Total:       dt.TotalPieces,
		Bytes:       dt.completedSize,
		Size:        dt.FileSize,
		Speed:       dt.currentSpeed,
		Failed:      dt.failedPieces,
		Retries:     dt.retryCount,
		ActivePeers: len(dt.ActivePeers),
		Done:        dt.completedPieces == dt.TotalPieces,
	}
	if dt.FileSize > 0 {
		p.Percent = float64(dt.completedSize) / float64(dt.FileSize) * 100
	}
	if p.Speed > 0 && dt.completedSize < dt.FileSize {
		p.ETA = time.Duration(float64(dt.FileSize-dt.completedSize) / p.Speed * float64(time.Second))
	}
	return p
}

// PieceStates returns a copy of every piece state, in index order.
func (dt *DownloadTracker) PieceStates() []PieceState {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	out := make([]PieceState, len(dt.Pieces))
	for i, p := range dt.Pieces {
		out[i] = p.State
	}
	return out
}
