package protocol

import (
	"math"

	"github.com/RoaringBitmap/roaring"
)

// Bitmap is a set of piece indices. It is not safe for concurrent use; owners
// guard it with their own lock and hand out Clone snapshots.
type Bitmap struct {
	rb *roaring.Bitmap
}

func NewBitmap(indices ...uint32) *Bitmap {
	return &Bitmap{rb: roaring.BitmapOf(indices...)}
}

// FullBitmap has every index in [0, n) set.
func FullBitmap(n uint32) *Bitmap {
	b := NewBitmap()
	b.rb.AddRange(0, uint64(n))
	return b
}

func (b *Bitmap) Set(i uint32)           { b.rb.Add(i) }
func (b *Bitmap) Clear(i uint32)         { b.rb.Remove(i) }
func (b *Bitmap) Contains(i uint32) bool { return b.rb.Contains(i) }
func (b *Bitmap) Count() int             { return int(b.rb.GetCardinality()) }
func (b *Bitmap) IsEmpty() bool          { return b.rb.IsEmpty() }
func (b *Bitmap) Indices() []uint32      { return b.rb.ToArray() }

// Truncate drops every index >= n.
func (b *Bitmap) Truncate(n uint32) {
	b.rb.RemoveRange(uint64(n), math.MaxUint32+1)
}

func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{rb: b.rb.Clone()}
}

// AndNot returns the indices of b that are not in other.
func (b *Bitmap) AndNot(other *Bitmap) *Bitmap {
	return &Bitmap{rb: roaring.AndNot(b.rb, other.rb)}
}

// Or sets every index of other in b.
func (b *Bitmap) Or(other *Bitmap) {
	b.rb.Or(other.rb)
}

func (b *Bitmap) Equal(other *Bitmap) bool {
	return b.rb.Equals(other.rb)
}

func (b *Bitmap) String() string {
	return b.rb.String()
}

// Bytes serializes the set with bit i at byte i/8 under mask 0x80>>(i%8).
// The result is just long enough for the highest set bit; an empty set is
// zero bytes.
func (b *Bitmap) Bytes() []byte {
	if b.rb.IsEmpty() {
		return []byte{}
	}
	out := make([]byte, b.rb.Maximum()/8+1)
	it := b.rb.Iterator()
	for it.HasNext() {
		i := it.Next()
		out[i/8] |= 0x80 >> (i % 8)
	}
	return out
}

// ParseBitmap is the inverse of Bytes. Any length is accepted; zero bytes is
// the empty set.
func ParseBitmap(data []byte) *Bitmap {
	b := NewBitmap()
	for byteIdx, v := range data {
		if v == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if v&(0x80>>bit) != 0 {
				b.rb.Add(uint32(byteIdx*8 + bit))
			}
		}
	}
	return b
}
