package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"unicode/utf8"
)

// decoder walks a payload front to back. The first failure sticks, so callers
// read every field and check err once.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail("truncated %s: need %d bytes, have %d", what, n, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint8(what string) uint8 {
	if b := d.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) uint16(what string) uint16 {
	if b := d.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint32(what string) uint32 {
	if b := d.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) int64(what string) int64 {
	if b := d.take(8, what); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (d *decoder) peerID(what string) PeerID {
	var id PeerID
	if b := d.take(16, what); b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) hash(what string) Hash {
	var h Hash
	if b := d.take(HashSize, what); b != nil {
		copy(h[:], b)
	}
	return h
}

func (d *decoder) ipv4(what string) netip.Addr {
	if b := d.take(4, what); b != nil {
		return netip.AddrFrom4([4]byte(b))
	}
	return netip.Addr{}
}

// line reads a UTF-8 string terminated by '\n' wherever the newline falls.
func (d *decoder) line(what string) string {
	if d.err != nil {
		return ""
	}
	idx := bytes.IndexByte(d.buf[d.off:], '\n')
	if idx < 0 {
		d.fail("unterminated %s", what)
		return ""
	}
	raw := d.buf[d.off : d.off+idx]
	d.off += idx + 1
	if !utf8.Valid(raw) {
		d.fail("%s is not valid UTF-8", what)
		return ""
	}
	return string(raw)
}

// text reads the rest of the payload as a UTF-8 string.
func (d *decoder) text(what string) string {
	raw := d.rest()
	if d.err == nil && !utf8.Valid(raw) {
		d.fail("%s is not valid UTF-8", what)
		return ""
	}
	return string(raw)
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.off:]
	d.off = len(d.buf)
	return b
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

// finish rejects trailing bytes after a fixed-size payload.
func (d *decoder) finish(what string) error {
	if d.err == nil && d.off != len(d.buf) {
		d.fail("%d trailing bytes after %s", len(d.buf)-d.off, what)
	}
	return d.err
}

func (d *decoder) descriptor() FileDescriptor {
	var fd FileDescriptor
	fd.Name = d.line("file name")
	fd.Size = d.int64("file size")
	fd.PieceSize = d.uint32("piece size")
	fd.PieceCount = d.uint32("piece count")
	if d.err != nil {
		return FileDescriptor{}
	}
	if fd.Name == "" {
		d.fail("empty file name")
	}
	if fd.Size < 0 || fd.PieceSize == 0 || fd.PieceSize > MaxPieceSize {
		d.fail("bad geometry size=%d pieceSize=%d", fd.Size, fd.PieceSize)
	}
	if d.err != nil {
		return FileDescriptor{}
	}
	if want := PieceCountFor(fd.Size, fd.PieceSize); int64(fd.PieceCount) != want || want > MaxPieceCount {
		d.fail("piece count %d does not match size %d / %d", fd.PieceCount, fd.Size, fd.PieceSize)
		return FileDescriptor{}
	}
	if fd.PieceCount > 0 {
		if d.remaining() < int(fd.PieceCount)*HashSize {
			d.fail("truncated piece hashes")
			return FileDescriptor{}
		}
		fd.PieceHashes = make([]Hash, fd.PieceCount)
		for i := range fd.PieceHashes {
			fd.PieceHashes[i] = d.hash("piece hash")
		}
	}
	return fd
}

func (d *decoder) peerAddress() PeerAddress {
	var a PeerAddress
	a.ID = d.peerID("peer id")
	a.IP = d.ipv4("peer ip")
	port := d.uint32("peer port")
	if d.err == nil && port > 0xFFFF {
		d.fail("port %d out of range", port)
	}
	a.Port = uint16(port)
	return a
}

func appendUint16(b []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(b, v) }
func appendUint32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }
func appendInt64(b []byte, v int64) []byte   { return binary.BigEndian.AppendUint64(b, uint64(v)) }

func appendIPv4(b []byte, ip netip.Addr) []byte {
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if !ip.Is4() {
		return append(b, 0, 0, 0, 0)
	}
	a := ip.As4()
	return append(b, a[:]...)
}

func (d FileDescriptor) appendTo(b []byte) []byte {
	b = append(b, d.Name...)
	b = append(b, '\n')
	b = appendInt64(b, d.Size)
	b = appendUint32(b, d.PieceSize)
	b = appendUint32(b, d.PieceCount)
	for _, h := range d.PieceHashes {
		b = append(b, h[:]...)
	}
	return b
}

func (a PeerAddress) appendTo(b []byte) []byte {
	b = append(b, a.ID[:]...)
	b = appendIPv4(b, a.IP)
	return appendUint32(b, uint32(a.Port))
}

// MarshalBinary encodes the descriptor in its wire form. Only complete
// descriptors go on the wire: every piece needs its hash.
func (d FileDescriptor) MarshalBinary() ([]byte, error) {
	if err := validateName(d.Name); err != nil {
		return nil, err
	}
	if uint32(len(d.PieceHashes)) != d.PieceCount {
		return nil, fmt.Errorf("%w: %d hashes for %d pieces", ErrMalformed, len(d.PieceHashes), d.PieceCount)
	}
	return d.appendTo(nil), nil
}

// UnmarshalBinary decodes a complete descriptor; trailing bytes are an error.
func (d *FileDescriptor) UnmarshalBinary(data []byte) error {
	dec := &decoder{buf: data}
	fd := dec.descriptor()
	if err := dec.finish("file descriptor"); err != nil {
		return err
	}
	*d = fd
	return nil
}
