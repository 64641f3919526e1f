// Package alloc implements the space manager: a bitmap allocator over uniform data-region
// blocks (§4, "Space Manager") and a ring allocator over the journal region (§4.4).
package alloc

import (
	"math/bits"

	"github.com/pkg/errors"
)

// ErrNoSpace is returned when the bitmap has no free block to hand out.
var ErrNoSpace = errors.New("no free data block")

// Bitmap is a bitmap allocator over data-region blocks of uniform size. Block indices are
// dense, starting at 0; a set bit means the block is allocated.
type Bitmap struct {
	words []uint64
	nBits uint64
	free  uint64
}

// NewBitmap returns a bitmap allocator over nBlocks blocks, all initially free.
func NewBitmap(nBlocks uint64) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (nBlocks+63)/64),
		nBits: nBlocks,
		free:  nBlocks,
	}
}

// Free returns the number of currently unallocated blocks.
func (b *Bitmap) Free() uint64 {
	return b.free
}

// Total returns the total number of blocks tracked.
func (b *Bitmap) Total() uint64 {
	return b.nBits
}

// Allocate reserves and returns the index of one free block, or ErrNoSpace if none remain.
func (b *Bitmap) Allocate() (uint64, error) {
	for i, w := range b.words {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		idx := uint64(i)*64 + uint64(bit)
		if idx >= b.nBits {
			continue
		}
		b.words[i] |= 1 << uint(bit)
		b.free--
		return idx, nil
	}
	return 0, errors.WithStack(ErrNoSpace)
}

// MarkAllocated marks idx as allocated without going through Allocate, used by recovery
// (§4.6) to seed the bitmap from the metadata scan and from replayed BIG_WRITE entries.
func (b *Bitmap) MarkAllocated(idx uint64) {
	if b.isSet(idx) {
		return
	}
	b.setBit(idx)
	b.free--
}

// Release returns idx to the free pool, used when a clean entry is retired (§3 invariant on
// retiring the prior CURRENT).
func (b *Bitmap) Release(idx uint64) {
	if !b.isSet(idx) {
		return
	}
	b.clearBit(idx)
	b.free++
}

// IsAllocated reports whether idx is currently marked allocated.
func (b *Bitmap) IsAllocated(idx uint64) bool {
	return b.isSet(idx)
}

func (b *Bitmap) isSet(idx uint64) bool {
	return b.words[idx/64]&(1<<uint(idx%64)) != 0
}

func (b *Bitmap) setBit(idx uint64) {
	b.words[idx/64] |= 1 << uint(idx%64)
}

func (b *Bitmap) clearBit(idx uint64) {
	b.words[idx/64] &^= 1 << uint(idx%64)
}

// Snapshot returns a copy of the bitmap words. Nothing in this module persists or loads a
// snapshot: recovery always rescans the full metadata array (see DESIGN.md, "alloc").
func (b *Bitmap) Snapshot() []uint64 {
	out := make([]uint64, len(b.words))
	copy(out, b.words)
	return out
}

// LoadSnapshot replaces the bitmap contents with a previously captured Snapshot, recomputing
// the free count. The caller is responsible for verifying the snapshot's checksum before
// calling this; a corrupt or stale snapshot silently produces a wrong allocator state.
func (b *Bitmap) LoadSnapshot(words []uint64) error {
	if len(words) != len(b.words) {
		return errors.Errorf("snapshot has %d words, expected %d", len(words), len(b.words))
	}
	copy(b.words, words)
	var free uint64
	for idx := uint64(0); idx < b.nBits; idx++ {
		if !b.isSet(idx) {
			free++
		}
	}
	b.free = free
	return nil
}
