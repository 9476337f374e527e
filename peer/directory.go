package peer

import (
	"bytes"
	"errors"
	"sync"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

var ErrDuplicatePeer = errors.New("peer already connected")

// Directory is the table of live sessions for the active transfer, keyed by
// peer id. It is the only route from the scheduler to a session.
type Directory struct {
	localID protocol.PeerID

	mu       sync.RWMutex
	sessions map[protocol.PeerID]*Session
}

func NewDirectory(localID protocol.PeerID) *Directory {
	return &Directory{
		localID:  localID,
		sessions: make(map[protocol.PeerID]*Session),
	}
}

// Add registers s under its current id.
func (d *Directory) Add(s *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := s.ID()
	if _, ok := d.sessions[id]; ok {
		return ErrDuplicatePeer
	}
	d.sessions[id] = s
	return nil
}

func (d *Directory) Get(id protocol.PeerID) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Remove drops s if the entry under its id is still s.
func (d *Directory) Remove(s *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := s.ID()
	if cur, ok := d.sessions[id]; ok && cur == s {
		delete(d.sessions, id)
		return true
	}
	return false
}

// Rekey moves s from its temporary id to the id its handshake reported. If
// another session already holds that id, the connection dialed by the peer
// with the smaller id survives and the other one is closed; ErrDuplicatePeer
// means s lost.
func (d *Directory) Rekey(s *Session, id protocol.PeerID) error {
	var loser *Session
	defer func() {
		if loser != nil {
			loser.Close()
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.sessions[id]; ok && existing != s {
		if d.preferred(id, existing, s) == existing {
			return ErrDuplicatePeer
		}
		delete(d.sessions, id)
		loser = existing
	}
	old := s.ID()
	if cur, ok := d.sessions[old]; ok && cur == s {
		delete(d.sessions, old)
	}
	s.setID(id)
	d.sessions[id] = s
	return nil
}

// preferred picks which of two connections to the same remote peer to keep.
// Both ends apply the same rule, so they agree on the survivor.
func (d *Directory) preferred(remote protocol.PeerID, existing, candidate *Session) *Session {
	dialer := func(s *Session) protocol.PeerID {
		if s.node.Outbound() {
			return d.localID
		}
		return remote
	}
	if dialer(existing) == dialer(candidate) {
		return existing
	}
	smaller := d.localID
	if bytes.Compare(remote[:], d.localID[:]) < 0 {
		smaller = remote
	}
	if dialer(candidate) == smaller {
		return candidate
	}
	return existing
}

// Sessions returns a snapshot of every registered session.
func (d *Directory) Sessions() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// PeersWithPiece returns the sessions advertising piece index.
func (d *Directory) PeersWithPiece(index uint32) []*Session {
	var out []*Session
	for _, s := range d.Sessions() {
		if s.Advertises(index) {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast sends m to every open session accepted by filter. Send failures
// close the affected session and do not stop the broadcast.
func (d *Directory) Broadcast(m protocol.Message, filter func(*Session) bool) int {
	sent := 0
	for _, s := range d.Sessions() {
		if !s.Ready() || (filter != nil && !filter(s)) {
			continue
		}
		if err := s.Send(m); err == nil {
			sent++
		}
	}
	return sent
}

func (d *Directory) CloseAll() {
	for _, s := range d.Sessions() {
		s.Close()
	}
}
