package alloc

import "github.com/pkg/errors"

// ErrJournalFull is returned when a reservation would make the live region exceed the
// journal's capacity.
var ErrJournalFull = errors.New("insufficient free journal space")

// JournalRing is the ring allocator over the journal region (§3, §4.4). UsedStart
// (inclusive) and NextFree (exclusive) delimit the live region; Len is the byte length of
// the ring. Byte 0 of the ring is reserved for the header/checkpoint sector and is never
// part of a reservation.
type JournalRing struct {
	Len       uint64
	UsedStart uint64
	NextFree  uint64
}

// NewJournalRing returns a ring allocator over a journal region of byte length length,
// with the live region starting empty right after the reserved header sector.
func NewJournalRing(length uint64, sectorSize uint64) *JournalRing {
	return NewJournalRingAt(length, sectorSize, sectorSize)
}

// NewJournalRingAt returns a ring allocator over a journal region of byte length length,
// with the live region starting empty at start, the checkpoint offset recorded in the
// journal's header sector at the time of the last trim (§4.6). A fresh format's checkpoint
// is sectorSize, so NewJournalRing is just NewJournalRingAt at that default.
func NewJournalRingAt(length uint64, sectorSize uint64, start uint64) *JournalRing {
	return &JournalRing{Len: length, UsedStart: start, NextFree: start}
}

// Free returns Len minus the size of the live region. It counts the header sector's bytes
// and any bytes a wrap skips as free, although Reserve never hands them out.
func (r *JournalRing) Free() uint64 {
	used := r.usedBytes()
	return r.Len - used
}

func (r *JournalRing) usedBytes() uint64 {
	if r.NextFree >= r.UsedStart {
		return r.NextFree - r.UsedStart
	}
	return r.Len - r.UsedStart + r.NextFree
}

// Reserve reserves n contiguous bytes starting at NextFree, wrapping to sectorSize (never
// to byte 0, which is reserved for the header) if n would cross the end of the ring.
// Returns the starting offset of the reservation, or ErrJournalFull if there is not enough
// free space even after wrapping, i.e. the reservation would collide with UsedStart.
func (r *JournalRing) Reserve(n uint64, sectorSize uint64) (uint64, error) {
	start := r.NextFree
	if start+n > r.Len {
		start = sectorSize
	}

	// Would this reservation land on or cross UsedStart?
	if r.NextFree >= r.UsedStart {
		// Live region does not currently wrap. A reservation that itself wraps is always
		// safe on this side; a non-wrapping one is safe unless it reaches back around.
		if start < r.NextFree {
			// wrapped: must not reach UsedStart before consuming n bytes from sectorSize.
			if start+n > r.UsedStart {
				return 0, errors.WithStack(ErrJournalFull)
			}
		}
	} else {
		// Live region already wraps: NextFree is behind UsedStart in ring order.
		if start+n > r.UsedStart {
			return 0, errors.WithStack(ErrJournalFull)
		}
	}

	r.NextFree = start + n
	return start, nil
}

// Trim advances UsedStart to newStart, releasing the bytes between the old and new
// UsedStart back to the free pool. Callers (journalw.Writer.Trim) must only call this with
// a newStart that stops at the first entry not yet fully moved, per §4.5 and §8 property 6.
func (r *JournalRing) Trim(newStart uint64) {
	r.UsedStart = newStart
}
