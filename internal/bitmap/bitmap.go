package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Bitmap is a compact bitset for tracking chunk slots.
type Bitmap struct {
	bits  int
	count int
	data  []uint64
}

// New allocates a bitmap sized for the given number of bits, all clear.
func New(n int) *Bitmap {
	if n < 0 {
		n = 0
	}
	return &Bitmap{
		bits: n,
		data: make([]uint64, (n+63)/64),
	}
}

// NewFull allocates a bitmap with every bit set.
func NewFull(n int) *Bitmap {
	b := New(n)
	for i := range b.data {
		b.data[i] = ^uint64(0)
	}
	if tail := b.bits % 64; tail != 0 {
		b.data[len(b.data)-1] = (uint64(1) << uint(tail)) - 1
	}
	b.count = b.bits
	return b
}

// FromBytes rebuilds a bitmap of n bits from the output of Marshal.
// Bits beyond n must be clear.
func FromBytes(data []byte, n int) (*Bitmap, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid bitmap length %d", n)
	}
	b := New(n)
	if len(data) != 8*len(b.data) {
		return nil, fmt.Errorf("bitmap length mismatch: got %d, want %d", len(data), 8*len(b.data))
	}
	for i := range b.data {
		b.data[i] = binary.BigEndian.Uint64(data[8*i:])
		b.count += bits.OnesCount64(b.data[i])
	}
	if tail := n % 64; tail != 0 && b.data[len(b.data)-1]>>uint(tail) != 0 {
		return nil, fmt.Errorf("bitmap has bits set beyond %d", n)
	}
	return b, nil
}

// Marshal returns the bitmap words as big-endian bytes.
func (b *Bitmap) Marshal() []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, 0, 8*len(b.data))
	for _, w := range b.data {
		out = binary.BigEndian.AppendUint64(out, w)
	}
	return out
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	if b == nil {
		return 0
	}
	return b.count
}

// Set marks bit i and reports whether it changed.
func (b *Bitmap) Set(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	word, mask := i/64, uint64(1)<<uint(i%64)
	if b.data[word]&mask != 0 {
		return false
	}
	b.data[word] |= mask
	b.count++
	return true
}

// Clear unmarks bit i and reports whether it changed.
func (b *Bitmap) Clear(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	word, mask := i/64, uint64(1)<<uint(i%64)
	if b.data[word]&mask == 0 {
		return false
	}
	b.data[word] &^= mask
	b.count--
	return true
}

// Get reports whether bit i is set.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/64]&(uint64(1)<<uint(i%64)) != 0
}

// NextSet returns the first set bit at or after from, wrapping around to
// the start of the bitmap.
func (b *Bitmap) NextSet(from int) (int, bool) {
	if b == nil || b.count == 0 {
		return -1, false
	}
	if from < 0 || from >= b.bits {
		from = 0
	}
	if i, ok := b.scan(from, b.bits); ok {
		return i, true
	}
	return b.scan(0, from)
}

// scan finds the first set bit in [from, to).
func (b *Bitmap) scan(from, to int) (int, bool) {
	for from < to {
		word := from / 64
		w := b.data[word] >> uint(from%64)
		if w != 0 {
			i := from + bits.TrailingZeros64(w)
			if i < to {
				return i, true
			}
			return -1, false
		}
		from = (word + 1) * 64
	}
	return -1, false
}
