// Package storage keeps the shared file on disk and the set of pieces that
// have been written and verified.
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

var (
	ErrPieceIndex = errors.New("piece index out of range")
	ErrNoHashes   = errors.New("descriptor has no piece hashes")
	ErrEmptyFile  = errors.New("file is empty")
)

// pieceSizes are tried in order; the first giving fewer than
// targetPieceCount pieces wins.
var pieceSizes = []uint32{16 << 10, 64 << 10, 256 << 10, 1 << 20}

const targetPieceCount = 1200

// File is the byte-addressed backing store. *os.File satisfies it.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// WriteResult tells the caller what happened to a delivered piece.
type WriteResult int

const (
	Written WriteResult = iota
	Duplicate
	HashMismatch
)

func (r WriteResult) String() string {
	switch r {
	case Written:
		return "written"
	case Duplicate:
		return "duplicate"
	case HashMismatch:
		return "hash mismatch"
	}
	return "unknown"
}

// PieceStore maps piece indices to byte ranges of one file. Reads and writes
// use explicit offsets only, so the upload and download cycles can share the
// handle without coordination.
type PieceStore struct {
	file File
	desc protocol.FileDescriptor

	mu    sync.RWMutex
	owned *protocol.Bitmap
}

// OptimalPieceSize picks the smallest standard size that keeps the piece
// count under 1200, doubling past 1 MiB for very large files up to
// protocol.MaxPieceSize. Past that the piece count grows instead.
func OptimalPieceSize(size int64) uint32 {
	for _, ps := range pieceSizes {
		if protocol.PieceCountFor(size, ps) < targetPieceCount {
			return ps
		}
	}
	ps := pieceSizes[len(pieceSizes)-1]
	for protocol.PieceCountFor(size, ps) >= targetPieceCount && ps < protocol.MaxPieceSize {
		ps <<= 1
	}
	return ps
}

// OpenSeed opens a complete local file, hashes every piece in one pass and
// returns a store owning all of them.
func OpenSeed(path string) (*PieceStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat seed: %w", err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	s, err := NewSeed(f, filepath.Base(path), info.Size(), OptimalPieceSize(info.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// NewSeed hashes the pieces of an existing file. The descriptor is first built
// without hashes to get the geometry, then rebuilt with them.
func NewSeed(file File, name string, size int64, pieceSize uint32) (*PieceStore, error) {
	desc, err := protocol.NewFileDescriptor(name, size, pieceSize)
	if err != nil {
		return nil, err
	}
	s := &PieceStore{file: file, desc: desc}

	hashes := make([]protocol.Hash, desc.PieceCount)
	for i := range hashes {
		data, err := s.readPiece(i)
		if err != nil {
			return nil, fmt.Errorf("hash piece %d: %w", i, err)
		}
		hashes[i] = sha1.Sum(data)
	}
	if s.desc, err = desc.WithHashes(hashes); err != nil {
		return nil, err
	}
	s.owned = protocol.FullBitmap(desc.PieceCount)
	return s, nil
}

// Create makes (or truncates) the destination file for a download and sizes
// it to the descriptor.
func Create(path string, desc protocol.FileDescriptor) (*PieceStore, error) {
	if !desc.HasHashes() {
		return nil, ErrNoHashes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}
	if err := f.Truncate(desc.Size); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate download file: %w", err)
	}
	return New(f, desc)
}

// New wraps an already sized file that owns no pieces yet.
func New(file File, desc protocol.FileDescriptor) (*PieceStore, error) {
	if !desc.HasHashes() {
		return nil, ErrNoHashes
	}
	return &PieceStore{file: file, desc: desc, owned: protocol.NewBitmap()}, nil
}

func (s *PieceStore) Descriptor() protocol.FileDescriptor {
	return s.desc
}

// Read returns the bytes of an owned or unowned piece.
func (s *PieceStore) Read(index int) ([]byte, error) {
	if err := s.checkIndex(index); err != nil {
		return nil, err
	}
	return s.readPiece(index)
}

func (s *PieceStore) readPiece(index int) ([]byte, error) {
	buf := make([]byte, s.desc.PieceLength(index))
	n, err := s.file.ReadAt(buf, s.desc.PieceOffset(index))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

// Write persists a delivered piece if it is new and its SHA-1 matches the
// descriptor. A duplicate is dropped before hashing; a mismatch leaves both
// the file and the owned set untouched.
func (s *PieceStore) Write(index int, data []byte) (WriteResult, error) {
	if err := s.checkIndex(index); err != nil {
		return HashMismatch, err
	}
	if s.Has(index) {
		return Duplicate, nil
	}
	if len(data) != s.desc.PieceLength(index) || protocol.Hash(sha1.Sum(data)) != s.desc.PieceHashes[index] {
		return HashMismatch, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a concurrent writer may have won between Has and the lock
	if s.owned.Contains(uint32(index)) {
		return Duplicate, nil
	}
	if _, err := s.file.WriteAt(data, s.desc.PieceOffset(index)); err != nil {
		return HashMismatch, fmt.Errorf("write piece %d: %w", index, err)
	}
	s.owned.Set(uint32(index))
	return Written, nil
}

func (s *PieceStore) Has(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned.Contains(uint32(index))
}

// Owned returns a snapshot of the owned set.
func (s *PieceStore) Owned() *protocol.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned.Clone()
}

func (s *PieceStore) OwnedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned.Count()
}

func (s *PieceStore) Complete() bool {
	return s.OwnedCount() == int(s.desc.PieceCount)
}

func (s *PieceStore) Close() error {
	return s.file.Close()
}

func (s *PieceStore) checkIndex(index int) error {
	if index < 0 || uint32(index) >= s.desc.PieceCount {
		return fmt.Errorf("%w: %d of %d", ErrPieceIndex, index, s.desc.PieceCount)
	}
	return nil
}
