package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
)

// MaxFrameSize bounds a single frame. A relayed DataPackage holding a piece
// of protocol.MaxPieceSize fits with room to spare.
const MaxFrameSize = 64 << 20

var ErrBadFrame = errors.New("bad frame length")

// Reassembler turns an arbitrary split byte stream back into frames. It is
// owned by one reader goroutine.
type Reassembler struct {
	buf []byte
	// MinLength is the smallest acceptable declared length. Zero means a
	// length prefix plus a type tag.
	MinLength uint32
}

// Feed appends p and calls emit with the type tag and payload of every frame
// that is now complete. The slice passed to emit is only valid during the call.
func (r *Reassembler) Feed(p []byte, emit func(body []byte) error) error {
	r.buf = append(r.buf, p...)
	consumed := 0
	defer func() {
		// keep the unconsumed tail at the front of the buffer
		n := copy(r.buf, r.buf[consumed:])
		r.buf = r.buf[:n]
	}()

	for {
		pending := r.buf[consumed:]
		length, ok := declaredLength(pending)
		if !ok {
			return nil
		}
		if length < r.minLength() || length > MaxFrameSize {
			return fmt.Errorf("%w: %d", ErrBadFrame, length)
		}
		if uint64(len(pending)) < uint64(length) {
			return nil
		}
		if err := emit(pending[protocol.LengthSize:length]); err != nil {
			consumed += int(length)
			return err
		}
		consumed += int(length)
	}
}

// Buffered is the number of bytes waiting for the rest of their frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

func (r *Reassembler) minLength() uint32 {
	if r.MinLength != 0 {
		return r.MinLength
	}
	return protocol.LengthSize + 1
}

// declaredLength reports false while the length prefix itself is incomplete:
// the frame counts as infinitely long until then.
func declaredLength(b []byte) (uint32, bool) {
	if len(b) < protocol.LengthSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}
