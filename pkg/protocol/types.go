package protocol

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// HashSize is the length of a SHA-1 digest: piece hashes and descriptor hashes.
const HashSize = sha1.Size

// PeerAddressSize is the encoded size of a PeerAddress: id, IPv4, port.
const PeerAddressSize = 16 + 4 + 4

// MaxPieceCount bounds the piece count so every index fits the uint16 index fields.
const MaxPieceCount = 1 << 16

// MaxPieceSize keeps a DataPackage carrying a whole piece, with the relay's
// id header added, inside one stream frame.
const MaxPieceSize = 32 << 20

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrInvalidName = errors.New("invalid file name")
)

// PeerID identifies a peer for the lifetime of its process.
type PeerID = uuid.UUID

// NewPeerID returns a random identifier, used both for a node's own id and for
// the temporary id an accepted connection carries until its handshake arrives.
func NewPeerID() PeerID {
	return uuid.New()
}

// Hash is a SHA-1 digest.
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// FileDescriptor is the immutable description of one shared file.
type FileDescriptor struct {
	Name        string
	Size        int64
	PieceSize   uint32
	PieceCount  uint32
	PieceHashes []Hash
}

// NewFileDescriptor builds a descriptor without piece hashes. Seeds use it
// before the first read pass, then call WithHashes.
func NewFileDescriptor(name string, size int64, pieceSize uint32) (FileDescriptor, error) {
	if err := validateName(name); err != nil {
		return FileDescriptor{}, err
	}
	if pieceSize == 0 || pieceSize > MaxPieceSize {
		return FileDescriptor{}, fmt.Errorf("%w: piece size %d", ErrMalformed, pieceSize)
	}
	if size < 0 {
		return FileDescriptor{}, fmt.Errorf("%w: negative size %d", ErrMalformed, size)
	}
	count := PieceCountFor(size, pieceSize)
	if count > MaxPieceCount {
		return FileDescriptor{}, fmt.Errorf("%w: %d pieces exceed the index range", ErrMalformed, count)
	}
	return FileDescriptor{
		Name:       name,
		Size:       size,
		PieceSize:  pieceSize,
		PieceCount: uint32(count),
	}, nil
}

// PieceCountFor returns ceil(size / pieceSize).
func PieceCountFor(size int64, pieceSize uint32) int64 {
	ps := int64(pieceSize)
	return (size + ps - 1) / ps
}

// WithHashes returns a copy of d carrying the given piece hashes.
func (d FileDescriptor) WithHashes(hashes []Hash) (FileDescriptor, error) {
	if uint32(len(hashes)) != d.PieceCount {
		return FileDescriptor{}, fmt.Errorf("%w: %d hashes for %d pieces", ErrMalformed, len(hashes), d.PieceCount)
	}
	d.PieceHashes = append([]Hash(nil), hashes...)
	return d, nil
}

// HasHashes reports whether every piece hash is present.
func (d FileDescriptor) HasHashes() bool {
	return d.PieceCount > 0 && uint32(len(d.PieceHashes)) == d.PieceCount
}

// PieceOffset is the byte offset of piece index in the file.
func (d FileDescriptor) PieceOffset(index int) int64 {
	return int64(index) * int64(d.PieceSize)
}

// PieceLength is the length of piece index; only the last piece may be short.
func (d FileDescriptor) PieceLength(index int) int {
	if index < 0 || uint32(index) >= d.PieceCount {
		return 0
	}
	if uint32(index) == d.PieceCount-1 {
		if rem := d.Size % int64(d.PieceSize); rem != 0 {
			return int(rem)
		}
	}
	return int(d.PieceSize)
}

// Hash is the SHA-1 of the serialized descriptor, compared on every handshake.
func (d FileDescriptor) Hash() Hash {
	return sha1.Sum(d.appendTo(nil))
}

func (d FileDescriptor) String() string {
	return fmt.Sprintf("%s (%d bytes, %d pieces of %d)", d.Name, d.Size, d.PieceCount, d.PieceSize)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsRune(name, '\n') {
		return fmt.Errorf("%w: %q contains a newline", ErrInvalidName, name)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	}
	return nil
}

// PeerAddress is how the tracker advertises a swarm member.
type PeerAddress struct {
	ID   PeerID
	IP   netip.Addr
	Port uint16
}

func (a PeerAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%s@%s", a.ID, a.AddrPort())
}
