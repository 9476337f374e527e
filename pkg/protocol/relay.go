package protocol

import (
	"encoding/binary"
	"fmt"
)

// WrappedHeaderSize is the length prefix plus the peer id a relay inserts.
const WrappedHeaderSize = LengthSize + 16

// Wrap re-frames a framed message for the relay: the original length prefix is
// replaced by a new one and the peer id is inserted before the type tag.
// Clients wrap with the target id, the relay wraps with the sender id.
func Wrap(id PeerID, frame []byte) ([]byte, error) {
	if err := checkFrame(frame, LengthSize+1); err != nil {
		return nil, err
	}
	return WrapBody(id, frame[LengthSize:]), nil
}

// WrapBody wraps a message whose length prefix is already stripped.
func WrapBody(id PeerID, body []byte) []byte {
	out := make([]byte, WrappedHeaderSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	copy(out[LengthSize:], id[:])
	copy(out[WrappedHeaderSize:], body)
	return out
}

// Unwrap reverses Wrap, returning the peer id and the original frame.
func Unwrap(wrapped []byte) (PeerID, []byte, error) {
	if err := checkFrame(wrapped, WrappedHeaderSize+1); err != nil {
		return PeerID{}, nil, err
	}
	id, body := SplitWrapped(wrapped[LengthSize:])
	return id, FrameBody(body), nil
}

// SplitWrapped splits a wrapped message whose length prefix is already
// stripped into the peer id and the inner type+payload. The caller guarantees
// at least 16 bytes.
func SplitWrapped(body []byte) (PeerID, []byte) {
	var id PeerID
	copy(id[:], body[:16])
	return id, body[16:]
}

func checkFrame(frame []byte, minLen int) error {
	if len(frame) < minLen {
		return fmt.Errorf("%w: frame of %d bytes, need at least %d", ErrMalformed, len(frame), minLen)
	}
	if n := binary.BigEndian.Uint32(frame); int(n) != len(frame) {
		return fmt.Errorf("%w: length prefix %d for %d bytes", ErrMalformed, n, len(frame))
	}
	return nil
}
