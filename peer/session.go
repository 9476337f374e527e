package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-swarm/pkg/logger"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/transport"
	"tarun-kavipurapu/p2p-swarm/pkg/transport/tcp"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrProtocol          = errors.New("protocol violation")
	ErrWrongSwarm        = errors.New("handshake for a different file")
	ErrSelfConnection    = errors.New("connected to self")
	ErrHandshakeRequired = errors.New("message before handshake")
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one remote peer of the active transfer. Its id is the
// directory key and changes once, when the handshake reveals the real id of
// an accepted connection.
type Session struct {
	node     transport.Node
	transfer *Transfer
	relayed  bool

	mu          sync.Mutex
	id          protocol.PeerID
	state       SessionState
	handshaken  bool
	available   *protocol.Bitmap
	requested   *protocol.Bitmap
	requestedAt map[uint32]time.Time

	// reasm is only touched by the goroutine feeding OnBytes
	reasm     tcp.Reassembler
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id protocol.PeerID, node transport.Node, t *Transfer, relayed bool) *Session {
	return &Session{
		node:        node,
		transfer:    t,
		relayed:     relayed,
		id:          id,
		available:   protocol.NewBitmap(),
		requested:   protocol.NewBitmap(),
		requestedAt: make(map[uint32]time.Time),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() protocol.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id protocol.PeerID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the handshake has completed and the session is open.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen && s.handshaken
}

func (s *Session) Relayed() bool { return s.relayed }

func (s *Session) Addr() string { return s.node.Addr() }

func (s *Session) Done() <-chan struct{} { return s.done }

// Open sends our handshake and, for sessions with their own socket, starts
// the read loop.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.mu.Unlock()

	if err := s.Send(protocol.Handshake{
		DescriptorHash: s.transfer.descHash,
		PeerID:         s.transfer.localID,
	}); err != nil {
		return err
	}
	if r, ok := s.node.(transport.Receiver); ok {
		go s.readLoop(r)
	}
	logger.Sugar.Debugf("[Session] open: peer=%s addr=%s relayed=%t", s.ID(), s.node.Addr(), s.relayed)
	return nil
}

// Send frames m and writes it. A write error closes the session.
func (s *Session) Send(m protocol.Message) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	frame, err := protocol.Frame(m)
	if err != nil {
		return err
	}
	if err := s.node.Send(frame); err != nil {
		logger.Sugar.Warnf("[Session] send failed: peer=%s type=%s err=%v", s.ID(), m.Type(), err)
		s.Close()
		return err
	}
	return nil
}

func (s *Session) readLoop(r transport.Receiver) {
	err := r.ReadLoop(s.OnBytes)
	if err != nil && s.State() != StateClosed {
		logger.Sugar.Warnf("[Session] read loop ended: peer=%s addr=%s err=%v", s.ID(), s.node.Addr(), err)
	}
	s.Close()
}

// OnBytes feeds raw stream bytes through framing and dispatch. An error means
// the peer broke the protocol and the caller must close the session.
func (s *Session) OnBytes(p []byte) error {
	return s.reasm.Feed(p, s.dispatch)
}

func (s *Session) dispatch(body []byte) error {
	msg, err := protocol.Unmarshal(body)
	if err != nil {
		return err
	}
	return s.handle(msg)
}

func (s *Session) handle(msg protocol.Message) error {
	if hs, ok := msg.(protocol.Handshake); ok {
		return s.handleHandshake(hs)
	}

	s.mu.Lock()
	handshaken := s.handshaken
	s.mu.Unlock()
	if !handshaken {
		return fmt.Errorf("%w: %s", ErrHandshakeRequired, msg.Type())
	}

	t := s.transfer
	switch m := msg.(type) {
	case protocol.AvailablePieces:
		pieces := m.Pieces.Clone()
		pieces.Truncate(t.desc.PieceCount)
		s.mu.Lock()
		s.available = pieces
		s.mu.Unlock()
	case protocol.PieceUpdate:
		if uint32(m.Index) < t.desc.PieceCount {
			s.mu.Lock()
			s.available.Set(uint32(m.Index))
			s.mu.Unlock()
		}
	case protocol.DataRequest:
		t.enqueueRequest(s.ID(), m.Index)
	case protocol.DataPackage:
		t.enqueueDelivery(s.ID(), m.Index, m.Data)
	default:
		return fmt.Errorf("%w: %s on a peer connection", ErrProtocol, msg.Type())
	}
	return nil
}

func (s *Session) handleHandshake(m protocol.Handshake) error {
	s.mu.Lock()
	repeated := s.handshaken
	s.mu.Unlock()
	if repeated {
		return fmt.Errorf("%w: second handshake from %s", ErrProtocol, s.ID())
	}

	t := s.transfer
	if m.DescriptorHash != t.descHash {
		return fmt.Errorf("%w: got %s", ErrWrongSwarm, m.DescriptorHash)
	}
	if m.PeerID == t.localID {
		return ErrSelfConnection
	}
	if old := s.ID(); old != m.PeerID {
		if err := t.dir.Rekey(s, m.PeerID); err != nil {
			return err
		}
		logger.Sugar.Debugf("[Session] rekeyed: from=%s to=%s", old, m.PeerID)
	}

	s.mu.Lock()
	s.handshaken = true
	s.mu.Unlock()
	logger.Sugar.Infof("[Session] handshake complete: peer=%s addr=%s", m.PeerID, s.node.Addr())

	if owned := t.store.Owned(); !owned.IsEmpty() {
		return s.Send(protocol.AvailablePieces{Pieces: owned})
	}
	return nil
}

// Advertises reports whether the peer claims to have piece index.
func (s *Session) Advertises(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available.Contains(index)
}

func (s *Session) markRequested(index uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested.Set(index)
	s.requestedAt[index] = now
}

func (s *Session) clearRequested(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested.Clear(index)
	delete(s.requestedAt, index)
}

// expireRequests forgets requests older than timeout so the pieces become
// candidates again.
func (s *Session) expireRequests(now time.Time, timeout time.Duration) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []uint32
	for idx, at := range s.requestedAt {
		if now.Sub(at) >= timeout {
			s.requested.Clear(idx)
			delete(s.requestedAt, idx)
			expired = append(expired, idx)
		}
	}
	return expired
}

// view snapshots the bitmaps for piece selection. Sessions that have not
// completed the handshake are skipped.
func (s *Session) view() (peerView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || !s.handshaken {
		return peerView{}, false
	}
	return peerView{
		session:   s,
		available: s.available.Clone(),
		requested: s.requested.Clone(),
	}, true
}

// Close is idempotent and safe to call from any goroutine, including the
// read loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		id := s.id
		s.mu.Unlock()

		if err := s.node.Close(); err != nil {
			logger.Sugar.Debugf("[Session] close node: peer=%s err=%v", id, err)
		}
		s.transfer.dir.Remove(s)
		s.transfer.onSessionClosed(id)
		close(s.done)
		logger.Sugar.Infof("[Session] closed: peer=%s addr=%s", id, s.node.Addr())
	})
}
