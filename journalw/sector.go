package journalw

import "github.com/outofforest/blockstore/wire/journal"

// sector is one in-memory journal sector buffer, cycling as entries are appended (§4.4).
// A buffer may not be reused until its usage count reaches zero: unflushed writes and
// in-progress reads (§4.3 pinning) both hold a reference.
type sector struct {
	seq      uint64
	buf      []byte // journal.SectorSize bytes
	used     int    // bytes appended so far
	offset   uint64 // byte offset in the journal region this sector is/will be written at
	flushed  bool
	pendingW int // entries appended but not yet flushed to disk
	readPins int // active reads pinning this sector (§4.3)
}

func newSector(seq uint64, offset uint64) *sector {
	return &sector{
		seq:    seq,
		buf:    make([]byte, journal.SectorSize),
		offset: offset,
	}
}

// usageCount is the sector's pin count: it may not be reused or trimmed past while this is
// nonzero (§4.4, §8 property 6).
func (s *sector) usageCount() int {
	return s.pendingW + s.readPins
}

// free reports whether the sector is idle enough to be handed back into rotation (§4.4:
// "a new buffer is taken only when the prior one has been flushed to disk").
func (s *sector) free() bool {
	return s.flushed && s.usageCount() == 0
}

// remaining returns the number of unused bytes left in the sector.
func (s *sector) remaining() int {
	return len(s.buf) - s.used
}

// append copies b into the sector at the current write position, returning the offset (in
// the journal region) it landed at.
func (s *sector) append(b []byte) uint64 {
	off := s.offset + uint64(s.used)
	copy(s.buf[s.used:], b)
	s.used += len(b)
	return off
}

// pinForRead increments the read-pin count; call unpinForRead when the read completes.
func (s *sector) pinForRead() {
	s.readPins++
}

func (s *sector) unpinForRead() {
	if s.readPins > 0 {
		s.readPins--
	}
}
