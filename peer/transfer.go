package peer

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/monitor"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/storage"
)

// TransferOptions tunes the two scheduling cycles.
type TransferOptions struct {
	CycleInterval       time.Duration
	RequestTimeout      time.Duration
	MaxRequestsPerCycle int
	// UploadRateLimit is in bytes per second; zero means unlimited.
	UploadRateLimit int
	Metrics         *monitor.Metrics
	// Rand picks among peers holding a piece. Only the download cycle uses it.
	Rand *rand.Rand
}

func (o *TransferOptions) setDefaults() {
	if o.CycleInterval <= 0 {
		o.CycleInterval = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRequestsPerCycle <= 0 {
		o.MaxRequestsPerCycle = 10
	}
	if o.Metrics == nil {
		o.Metrics = monitor.Global
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

type delivery struct {
	from  protocol.PeerID
	index uint16
	data  []byte
}

type uploadRequest struct {
	from  protocol.PeerID
	index uint16
}

// queue hands work from session read loops to the cycles. Unlike a channel
// it never blocks a read loop and can be purged per peer.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue[T]) purge(drop func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, drop)
	return before - len(q.items)
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Transfer runs the download and upload cycles for one file.
type Transfer struct {
	localID  protocol.PeerID
	store    *storage.PieceStore
	desc     protocol.FileDescriptor
	descHash protocol.Hash
	dir      *Directory
	opts     TransferOptions
	limiter  *rate.Limiter
	progress *DownloadTracker

	deliveries queue[delivery]
	requests   queue[uploadRequest]

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func NewTransfer(localID protocol.PeerID, store *storage.PieceStore, dir *Directory, opts TransferOptions) *Transfer {
	opts.setDefaults()
	desc := store.Descriptor()
	t := &Transfer{
		localID:  localID,
		store:    store,
		desc:     desc,
		descHash: desc.Hash(),
		dir:      dir,
		opts:     opts,
		progress: NewDownloadTracker(desc, store.Owned()),
		done:     make(chan struct{}),
	}
	if opts.UploadRateLimit > 0 {
		burst := max(opts.UploadRateLimit, int(desc.PieceSize))
		t.limiter = rate.NewLimiter(rate.Limit(opts.UploadRateLimit), burst)
	}
	return t
}

func (t *Transfer) Descriptor() protocol.FileDescriptor { return t.desc }
func (t *Transfer) Store() *storage.PieceStore          { return t.store }
func (t *Transfer) Progress() *DownloadTracker          { return t.progress }

// Start launches both cycles. They stop with ctx or Stop.
func (t *Transfer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(2)
	go t.downloadLoop(ctx)
	go t.uploadLoop(ctx)
	logger.Sugar.Infof("[Transfer] started: file=%s hash=%s owned=%d/%d", t.desc.Name, t.descHash, t.store.OwnedCount(), t.desc.PieceCount)
}

func (t *Transfer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Done is closed once every piece is owned.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transfer) downloadLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.CycleInterval)
	defer ticker.Stop()

	for {
		if t.downloadCycle(time.Now()) {
			t.finish()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transfer) uploadLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.uploadCycle(ctx)
		}
	}
}

func (t *Transfer) finish() {
	t.doneOnce.Do(func() {
		t.progress.MarkComplete()
		close(t.done)
		logger.Sugar.Infof("[Transfer] complete: file=%s pieces=%d", t.desc.Name, t.desc.PieceCount)
	})
}

// downloadCycle persists what arrived, then requests the rarest missing
// pieces. It reports true once the file is complete.
func (t *Transfer) downloadCycle(now time.Time) bool {
	for _, d := range t.deliveries.drain() {
		t.deliver(d)
	}
	if t.store.Complete() {
		return true
	}

	views := make([]peerView, 0, t.dir.Len())
	for _, s := range t.dir.Sessions() {
		for _, idx := range s.expireRequests(now, t.opts.RequestTimeout) {
			logger.Sugar.Debugf("[Transfer] request timed out: peer=%s piece=%d", s.ID(), idx)
			t.progress.RetryPiece(idx)
		}
		if v, ok := s.view(); ok {
			views = append(views, v)
		}
	}

	issued := 0
	for _, idx := range rarestFirst(views, t.store.Owned()) {
		if issued >= t.opts.MaxRequestsPerCycle {
			break
		}
		if t.request(idx, views, now) {
			issued++
		}
	}
	return false
}

// request asks a random peer advertising index for it. The piece is marked
// requested before the message goes out.
func (t *Transfer) request(index uint32, views []peerView, now time.Time) bool {
	order := t.opts.Rand.Perm(len(views))
	for _, i := range order {
		v := views[i]
		if !v.available.Contains(index) || v.requested.Contains(index) {
			continue
		}
		v.session.markRequested(index, now)
		v.requested.Set(index)
		if err := v.session.Send(protocol.DataRequest{Index: uint16(index)}); err != nil {
			continue
		}
		t.progress.StartPiece(index, v.session.Addr())
		return true
	}
	return false
}

func (t *Transfer) deliver(d delivery) {
	idx := uint32(d.index)
	if s, ok := t.dir.Get(d.from); ok {
		s.clearRequested(idx)
	}

	res, err := t.store.Write(int(d.index), d.data)
	if err != nil {
		logger.Sugar.Errorf("[Transfer] write piece failed: piece=%d from=%s err=%v", d.index, d.from, err)
		t.progress.FailPiece(idx)
		return
	}
	switch res {
	case storage.Written:
		t.opts.Metrics.RecordVerified(len(d.data))
		t.progress.CompletePiece(idx)
		t.dir.Broadcast(protocol.PieceUpdate{Index: d.index}, func(s *Session) bool {
			return !s.Advertises(idx)
		})
	case storage.Duplicate:
		t.opts.Metrics.RecordDuplicate()
	case storage.HashMismatch:
		t.opts.Metrics.RecordRejected()
		t.progress.FailPiece(idx)
		logger.Sugar.Warnf("[Transfer] piece rejected: piece=%d from=%s reason=%s", d.index, d.from, res)
	}
}

// uploadCycle serves every queued request.
func (t *Transfer) uploadCycle(ctx context.Context) {
	for _, r := range t.requests.drain() {
		s, ok := t.dir.Get(r.from)
		if !ok || !t.store.Has(int(r.index)) {
			continue
		}
		data, err := t.store.Read(int(r.index))
		if err != nil {
			logger.Sugar.Errorf("[Transfer] read piece failed: piece=%d err=%v", r.index, err)
			continue
		}
		if t.limiter != nil {
			if err := t.limiter.WaitN(ctx, len(data)); err != nil {
				return
			}
		}
		if err := s.Send(protocol.DataPackage{Index: r.index, Data: data}); err != nil {
			continue
		}
		t.opts.Metrics.RecordUpload(len(data))
	}
}

func (t *Transfer) enqueueRequest(from protocol.PeerID, index uint16) {
	if uint32(index) >= t.desc.PieceCount {
		return
	}
	t.requests.push(uploadRequest{from: from, index: index})
}

func (t *Transfer) enqueueDelivery(from protocol.PeerID, index uint16, data []byte) {
	if uint32(index) >= t.desc.PieceCount {
		return
	}
	t.deliveries.push(delivery{from: from, index: index, data: data})
}

// onSessionClosed drops queued uploads for a peer that is gone.
func (t *Transfer) onSessionClosed(id protocol.PeerID) {
	if n := t.requests.purge(func(r uploadRequest) bool { return r.from == id }); n > 0 {
		logger.Sugar.Debugf("[Transfer] purged requests: peer=%s count=%d", id, n)
	}
}
