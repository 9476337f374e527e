package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
)

// Metrics counts piece traffic for a node
type Metrics struct {
	BytesUploaded   atomic.Int64
	BytesDownloaded atomic.Int64
	PiecesUploaded  atomic.Int64
	PiecesVerified  atomic.Int64
	PiecesRejected  atomic.Int64
	PiecesDuplicate atomic.Int64
	// Server start time
	ServerStart time.Time
}

// Global metrics instance
var Global = NewMetrics()

func NewMetrics() *Metrics {
	return &Metrics{ServerStart: time.Now()}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BytesUploaded   int64
	BytesDownloaded int64
	PiecesUploaded  int64
	PiecesVerified  int64
	PiecesRejected  int64
	PiecesDuplicate int64
	Uptime          time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BytesUploaded:   m.BytesUploaded.Load(),
		BytesDownloaded: m.BytesDownloaded.Load(),
		PiecesUploaded:  m.PiecesUploaded.Load(),
		PiecesVerified:  m.PiecesVerified.Load(),
		PiecesRejected:  m.PiecesRejected.Load(),
		PiecesDuplicate: m.PiecesDuplicate.Load(),
		Uptime:          time.Since(m.ServerStart),
	}
}

// RecordUpload records a piece sent to a peer
func (m *Metrics) RecordUpload(bytes int) {
	m.BytesUploaded.Add(int64(bytes))
	m.PiecesUploaded.Add(1)
}

// RecordVerified records a piece that passed its hash check and was written
func (m *Metrics) RecordVerified(bytes int) {
	m.BytesDownloaded.Add(int64(bytes))
	m.PiecesVerified.Add(1)
}

func (m *Metrics) RecordRejected()  { m.PiecesRejected.Add(1) }
func (m *Metrics) RecordDuplicate() { m.PiecesDuplicate.Add(1) }

// LogPeriodic logs runtime and transfer metrics at the specified interval
// until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s := m.Snapshot()

		var down, up float64
		if secs := s.Uptime.Seconds(); secs > 0 {
			down = float64(s.BytesDownloaded) / secs / 1024 / 1024
			up = float64(s.BytesUploaded) / secs / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Down=%.2fMB/s | Up=%.2fMB/s | Verified=%d | Rejected=%d | Uploaded=%d",
			runtime.NumGoroutine(),
			mem.HeapAlloc/1024/1024,
			down,
			up,
			s.PiecesVerified,
			s.PiecesRejected,
			s.PiecesUploaded,
		)
	}
}
