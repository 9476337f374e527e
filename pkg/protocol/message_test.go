package protocol

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(t *testing.T) FileDescriptor {
	t.Helper()
	fd, err := NewFileDescriptor("movie.mkv", 1_048_577, 262_144)
	require.NoError(t, err)
	hashes := make([]Hash, fd.PieceCount)
	for i := range hashes {
		hashes[i] = sha1.Sum([]byte{byte(i)})
	}
	fd, err = fd.WithHashes(hashes)
	require.NoError(t, err)
	return fd
}

func TestFileDescriptorGeometry(t *testing.T) {
	fd := testDescriptor(t)

	assert.EqualValues(t, 5, fd.PieceCount)
	assert.Equal(t, 262_144, fd.PieceLength(0))
	assert.Equal(t, 262_144, fd.PieceLength(3))
	assert.Equal(t, 1, fd.PieceLength(4))
	assert.Equal(t, 0, fd.PieceLength(5))
	assert.EqualValues(t, 4*262_144, fd.PieceOffset(4))

	exact, err := NewFileDescriptor("exact", 4*16384, 16384)
	require.NoError(t, err)
	assert.EqualValues(t, 4, exact.PieceCount)
	assert.Equal(t, 16384, exact.PieceLength(3))
}

func TestFileDescriptorPieceSizeLimit(t *testing.T) {
	_, err := NewFileDescriptor("max", 3*MaxPieceSize, MaxPieceSize)
	require.NoError(t, err)

	_, err = NewFileDescriptor("over", 3*MaxPieceSize, MaxPieceSize*2)
	assert.ErrorIs(t, err, ErrMalformed)

	raw := FileDescriptor{Name: "over", Size: 1, PieceSize: MaxPieceSize * 2, PieceCount: 1, PieceHashes: make([]Hash, 1)}.appendTo(nil)
	var fd FileDescriptor
	assert.ErrorIs(t, fd.UnmarshalBinary(raw), ErrMalformed)
}

func TestFileDescriptorRejectsNewlineInName(t *testing.T) {
	_, err := NewFileDescriptor("bad\nname", 10, 4)
	assert.ErrorIs(t, err, ErrInvalidName)

	fd := FileDescriptor{Name: "a\nb", Size: 1, PieceSize: 1, PieceCount: 1}
	_, err = fd.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestFileDescriptorNamesMustBeUTF8(t *testing.T) {
	bad := "caf\xe9.txt"
	_, err := NewFileDescriptor(bad, 10, 4)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Marshal(ConnectRequest{FileName: bad})
	assert.ErrorIs(t, err, ErrInvalidName)

	fd := testDescriptor(t)
	fd.Name = bad
	_, err = fd.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidName)
}

// A descriptor still waiting for its hashes never goes on the wire, so
// whatever MarshalBinary accepts, UnmarshalBinary reads back.
func TestFileDescriptorMarshalRequiresHashes(t *testing.T) {
	hashless, err := NewFileDescriptor("movie.mkv", 1_048_577, 262_144)
	require.NoError(t, err)
	_, err = hashless.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Marshal(AnnounceRequest{Descriptor: hashless})
	assert.ErrorIs(t, err, ErrMalformed)

	empty, err := NewFileDescriptor("empty", 0, 16384)
	require.NoError(t, err)
	raw, err := empty.MarshalBinary()
	require.NoError(t, err)
	var got FileDescriptor
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, empty.Name, got.Name)
	assert.Zero(t, got.PieceCount)
}

func TestFileDescriptorHashFollowsContent(t *testing.T) {
	fd := testDescriptor(t)
	other := testDescriptor(t)
	assert.Equal(t, fd.Hash(), other.Hash())

	other.PieceHashes[2][0] ^= 0xFF
	assert.NotEqual(t, fd.Hash(), other.Hash())

	raw, err := fd.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, Hash(sha1.Sum(raw)), fd.Hash())
}

func TestFileDescriptorUnmarshalFindsNewline(t *testing.T) {
	fd := testDescriptor(t)
	raw, err := fd.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, len("movie.mkv"), bytes.IndexByte(raw, '\n'))

	var got FileDescriptor
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, fd, got)
}

func TestMessageRoundTrip(t *testing.T) {
	fd := testDescriptor(t)
	self := PeerAddress{ID: NewPeerID(), IP: netip.MustParseAddr("10.0.0.7"), Port: 4001}
	other := PeerAddress{ID: NewPeerID(), IP: netip.MustParseAddr("192.168.1.20"), Port: 65535}

	tests := []struct {
		name string
		msg  Message
	}{
		{"directory listing request", DirectoryListingRequest{}},
		{"directory listing reply", DirectoryListingReply{Listing: "\tmovie.mkv\n\tnotes.txt\n"}},
		{"handshake", Handshake{DescriptorHash: fd.Hash(), PeerID: self.ID}},
		{"data request", DataRequest{Index: 65535}},
		{"data package", DataPackage{Index: 4, Data: []byte{0xAB}}},
		{"piece update", PieceUpdate{Index: 3}},
		{"announce request", AnnounceRequest{Peer: self, Descriptor: fd}},
		{"announce accepted", AnnounceReply{Accepted: true}},
		{"announce duplicate", AnnounceReply{Accepted: false}},
		{"connect request", ConnectRequest{Peer: self, FileName: "movie.mkv"}},
		{"connect reply not found", ConnectReply{Found: false}},
		{"connect reply", ConnectReply{Found: true, Descriptor: fd, Peers: []PeerAddress{self, other}}},
		{"exit", Exit{PeerID: self.ID}},
		{"relay handshake", RelayHandshake{IP: netip.MustParseAddr("203.0.113.9")}},
		{"allocate request", AllocateRequest{PeerID: self.ID}},
		{"allocate reply", AllocateReply{Port: 40001}},
		{"exit peer", ExitPeer{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Frame(tt.msg)
			require.NoError(t, err)
			assert.EqualValues(t, len(frame), binary.BigEndian.Uint32(frame))
			assert.EqualValues(t, tt.msg.Type(), frame[LengthSize])

			got, err := Unmarshal(frame[LengthSize:])
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)

			body, err := Marshal(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, frame[LengthSize:], body)
		})
	}
}

func TestAvailablePiecesRoundTrip(t *testing.T) {
	msg := AvailablePieces{Pieces: NewBitmap(0, 9, 17)}
	frame, err := Frame(msg)
	require.NoError(t, err)
	assert.Len(t, frame, LengthSize+1+3)

	got, err := Unmarshal(frame[LengthSize:])
	require.NoError(t, err)
	assert.True(t, msg.Pieces.Equal(got.(AvailablePieces).Pieces))
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		err  error
	}{
		{"empty", nil, ErrMalformed},
		{"unknown tag", []byte{16}, ErrUnknownType},
		{"short handshake", append([]byte{byte(TypeHandshake)}, make([]byte, 30)...), ErrMalformed},
		{"long handshake", append([]byte{byte(TypeHandshake)}, make([]byte, 37)...), ErrMalformed},
		{"short data request", []byte{byte(TypeDataRequest), 1}, ErrMalformed},
		{"unterminated name", append(append([]byte{byte(TypeConnectRequest)}, make([]byte, PeerAddressSize)...), "abc"...), ErrMalformed},
		{"invalid utf8 name", append(append([]byte{byte(TypeConnectRequest)}, make([]byte, PeerAddressSize)...), 0xFF, '\n'), ErrMalformed},
		{"invalid utf8 listing", []byte{byte(TypeDirectoryListingReply), 0xC3}, ErrMalformed},
		{"ragged peer list", connectReplyWithTail(t, 5), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.body)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func connectReplyWithTail(t *testing.T, tail int) []byte {
	body, err := Marshal(ConnectReply{Found: true, Descriptor: testDescriptor(t)})
	require.NoError(t, err)
	return append(body, make([]byte, tail)...)
}

func TestUnmarshalRejectsInconsistentPieceCount(t *testing.T) {
	fd := testDescriptor(t)
	raw, err := fd.MarshalBinary()
	require.NoError(t, err)
	nl := bytes.IndexByte(raw, '\n')
	binary.BigEndian.PutUint32(raw[nl+1+8+4:], 6)

	var got FileDescriptor
	assert.ErrorIs(t, got.UnmarshalBinary(raw), ErrMalformed)
}
