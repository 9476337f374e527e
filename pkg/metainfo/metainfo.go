// Package metainfo reads and writes .swarm files: a bencoded copy of a file
// descriptor that lets a downloader check what the tracker hands out.
package metainfo

import (
	"fmt"
	"io"
	"os"

	"github.com/jackpal/bencode-go"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

// Extension is appended to the shared file name.
const Extension = ".swarm"

type bencodeDescriptor struct {
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	PieceLength int64  `bencode:"piece length"`
	// Pieces is every 20-byte piece hash, concatenated.
	Pieces string `bencode:"pieces"`
}

func Write(w io.Writer, desc protocol.FileDescriptor) error {
	if !desc.HasHashes() {
		return fmt.Errorf("metainfo: descriptor %s has no piece hashes", desc.Name)
	}
	pieces := make([]byte, 0, len(desc.PieceHashes)*protocol.HashSize)
	for _, h := range desc.PieceHashes {
		pieces = append(pieces, h[:]...)
	}
	return bencode.Marshal(w, bencodeDescriptor{
		Name:        desc.Name,
		Length:      desc.Size,
		PieceLength: int64(desc.PieceSize),
		Pieces:      string(pieces),
	})
}

func Read(r io.Reader) (protocol.FileDescriptor, error) {
	var raw bencodeDescriptor
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("metainfo: decode: %w", err)
	}
	if raw.PieceLength <= 0 || raw.PieceLength > 1<<31 {
		return protocol.FileDescriptor{}, fmt.Errorf("metainfo: bad piece length %d", raw.PieceLength)
	}
	desc, err := protocol.NewFileDescriptor(raw.Name, raw.Length, uint32(raw.PieceLength))
	if err != nil {
		return protocol.FileDescriptor{}, fmt.Errorf("metainfo: %w", err)
	}
	if len(raw.Pieces)%protocol.HashSize != 0 {
		return protocol.FileDescriptor{}, fmt.Errorf("metainfo: pieces field of %d bytes", len(raw.Pieces))
	}
	hashes := make([]protocol.Hash, len(raw.Pieces)/protocol.HashSize)
	for i := range hashes {
		copy(hashes[i][:], raw.Pieces[i*protocol.HashSize:])
	}
	return desc.WithHashes(hashes)
}

// Save writes desc to path.
func Save(path string, desc protocol.FileDescriptor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, desc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads the descriptor stored at path.
func Load(path string) (protocol.FileDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.FileDescriptor{}, err
	}
	defer f.Close()
	return Read(f)
}
