// Package journalw assembles journal sectors, chains their CRC32s, and submits the
// resulting writes through the completion-based I/O ring (§4.4).
package journalw

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/wire/journal"
)

// ErrNoFreeBuffer is returned when every in-memory sector buffer is still pinned by an
// unflushed write or an in-progress read, so no buffer can be rotated in.
var ErrNoFreeBuffer = errors.New("no free journal sector buffer")

// Writer owns the journal region: the ring allocator, the rotating pool of in-memory sector
// buffers, and the CRC32 chain.
type Writer struct {
	dev       devio.Device
	ring      *alloc.JournalRing
	buffers   []*sector
	curIdx    int
	nextSeq   uint64
	lastCRC32 uint32
	bySeq     map[uint64]*sector

	// history records every sector's (seq, offset) in creation order, oldest first, kept
	// beyond the buffer pool's own retention so Trim can still find where to advance
	// UsedStart to even after a sector's in-memory buffer has been recycled (§4.4, §8
	// property 6).
	history []sectorSpan
}

// sectorSpan is one entry of Writer.history. startCRC32 is the CRC32 chain value the
// sector's first entry chains from (its CRC32Prev), i.e. w.lastCRC32 as it stood the moment
// the sector was created — the value replay must seed prevCRC with if this sector becomes
// the new checkpoint (§4.6).
type sectorSpan struct {
	seq        uint64
	offset     uint64
	startCRC32 uint32
}

// New returns a journal writer over dev, with the ring allocator already positioned and
// bufferCount in-memory sector buffers to rotate through (journal_sector_buffer_count,
// default 32, per §6).
func New(dev devio.Device, ring *alloc.JournalRing, bufferCount int, startCRC32 uint32) (*Writer, error) {
	w := &Writer{
		dev:       dev,
		ring:      ring,
		buffers:   make([]*sector, bufferCount),
		lastCRC32: startCRC32,
		bySeq:     make(map[uint64]*sector),
	}

	offset, err := ring.Reserve(journal.SectorSize, journal.SectorSize)
	if err != nil {
		return nil, err
	}
	first := newSector(0, offset)
	w.nextSeq = 1
	w.buffers[0] = first
	w.bySeq[first.seq] = first
	w.history = append(w.history, sectorSpan{seq: first.seq, offset: first.offset, startCRC32: startCRC32})
	return w, nil
}

// NextSeq returns the sequence number the next rotated sector will receive, usable as the
// keepFromSeq argument to Trim when no live dirty entry still pins a journal sector.
func (w *Writer) NextSeq() uint64 {
	return w.nextSeq
}

// LastCRC32 returns the CRC32 of the most recently accepted entry, the value the next
// entry's CRC32Prev must chain from.
func (w *Writer) LastCRC32() uint32 {
	return w.lastCRC32
}

// current returns the sector entries are currently being appended into.
func (w *Writer) current() *sector {
	return w.buffers[w.curIdx]
}

// rotate advances to the next sector buffer, reserving its on-disk position from the ring.
// It fails with ErrNoFreeBuffer if the candidate buffer is still pinned (§4.4: "a new buffer
// is taken only when the prior one has been flushed to disk"), and with alloc.ErrJournalFull
// if the ring has no room left for a new sector (§4.2 WAIT reason JOURNAL).
func (w *Writer) rotate() error {
	nextIdx := (w.curIdx + 1) % len(w.buffers)
	cand := w.buffers[nextIdx]
	if cand != nil && !cand.free() {
		return errors.WithStack(ErrNoFreeBuffer)
	}

	offset, err := w.ring.Reserve(journal.SectorSize, journal.SectorSize)
	if err != nil {
		return err
	}

	// w.lastCRC32 still holds the prior sector's last entry's CRC32 here, since rotate runs
	// before the entry that triggered it is appended: that is exactly the CRC32Prev the new
	// sector's first entry will carry.
	startCRC32 := w.lastCRC32

	s := newSector(w.nextSeq, offset)
	w.nextSeq++
	if cand != nil {
		delete(w.bySeq, cand.seq)
	}
	w.buffers[nextIdx] = s
	w.bySeq[s.seq] = s
	w.curIdx = nextIdx
	w.history = append(w.history, sectorSpan{seq: s.seq, offset: s.offset, startCRC32: startCRC32})
	return nil
}

// Reservation describes where an entry (and, for small writes, its payload) landed.
type Reservation struct {
	SectorSeq     uint64
	EntryOffset   uint64
	PayloadOffset uint64
}

// Append reserves room for entry (assembled with CRC32Prev == w.LastCRC32()) plus an
// optional trailing payload of payloadLen bytes, rotating to a fresh sector buffer if the
// current one lacks room, and issuing both writes against ring via r (§4.2, "two independent
// kernel submissions"). It returns ErrNoFreeBuffer or alloc.ErrJournalFull as wait reasons
// for the caller to translate into WAIT_FOR JOURNAL_BUFFER / JOURNAL.
func (w *Writer) Append(r *devio.Ring, entryID uint64, entry journal.Encoded, payloadLen uint32, payload []byte) (Reservation, error) {
	if w.current().remaining() < len(entry.Bytes) {
		if err := w.rotate(); err != nil {
			return Reservation{}, err
		}
	}

	var payloadOffset uint64
	if payloadLen > 0 {
		off, err := w.ring.Reserve(uint64(payloadLen), journal.SectorSize)
		if err != nil {
			return Reservation{}, err
		}
		payloadOffset = off
	}

	s := w.current()
	entryOffset := s.append(entry.Bytes)
	s.pendingW++
	w.lastCRC32 = entry.CRC32

	if !r.TryReserve(2) {
		return Reservation{}, errors.WithStack(devio.ErrRingExhausted)
	}
	r.Submit(devio.Request{ID: entryID, Kind: devio.KindWrite, Device: w.dev, Offset: int64(s.offset), Buf: s.buf[:s.used]})
	if payloadLen > 0 {
		r.Submit(devio.Request{ID: entryID, Kind: devio.KindWrite, Device: w.dev, Offset: int64(payloadOffset), Buf: payload})
	} else {
		r.Rollback(1)
	}

	return Reservation{SectorSeq: s.seq, EntryOffset: entryOffset, PayloadOffset: payloadOffset}, nil
}

// FlushSector marks the sector identified by seq as durable (its writes have survived a
// journal fdatasync), decrementing its usage count so it becomes eligible for rotation once
// any read pins also clear (§4.5 step 3, §4.4).
func (w *Writer) FlushSector(seq uint64) {
	if s, ok := w.bySeq[seq]; ok {
		s.flushed = true
		s.pendingW = 0
	}
}

// PinForRead increments the read-pin count of the sector identified by seq, the same
// SectorSeq a dirty entry's journal-backed payload carries, blocking trim until
// UnpinForRead is called (§4.3 pinning).
func (w *Writer) PinForRead(seq uint64) {
	if s, ok := w.bySeq[seq]; ok {
		s.pinForRead()
	}
}

// UnpinForRead releases a read pin taken by PinForRead.
func (w *Writer) UnpinForRead(seq uint64) {
	if s, ok := w.bySeq[seq]; ok {
		s.unpinForRead()
	}
}

// CanTrimPast reports whether the sector identified by seq has zero usage count, i.e. trim
// may advance UsedStart past it (§4.5, §8 property 6).
func (w *Writer) CanTrimPast(seq uint64) bool {
	s, ok := w.bySeq[seq]
	if !ok {
		// Sector has already been evicted from rotation tracking; nothing pins it.
		return true
	}
	return s.usageCount() == 0
}

// Ring returns the underlying journal ring allocator, for callers that need to read
// UsedStart/NextFree directly (recovery, metrics).
func (w *Writer) Ring() *alloc.JournalRing {
	return w.ring
}

// Trim advances the ring allocator's UsedStart past every sector strictly older than
// keepFromSeq, reclaiming their journal bytes, stopping early if it reaches a sector that
// still has a nonzero usage count (CanTrimPast false): pins from an unflushed write or a
// pinned read must never be trimmed past regardless of what the caller asked to keep (§4.4,
// §4.5, §8 property 6). Pass NextSeq() as keepFromSeq to trim everything currently durable.
//
// The currently active sector is never evicted even when it would otherwise qualify: a
// freshly rotated-to sector has zero usage count before its first entry is even appended, so
// CanTrimPast would trivially allow it through, but its address is still the live append
// target and reclaiming it here would let a later reservation hand that same offset to an
// unrelated write out from under it.
//
// Whenever the live region's start actually advances, Trim also persists the new
// {offset, CRC32} checkpoint into the journal's on-disk header sector before updating the
// ring, per §4.6: without this, a restart would have no record that anything before the new
// UsedStart was ever safely superseded, and would either replay stale bytes with the wrong
// CRC32 chain or (worse, once the ring has wrapped) fail CRC verification on the very first
// entry and discard every unstabilized write in the journal.
func (w *Writer) Trim(keepFromSeq uint64) error {
	curSeq := w.current().seq
	for len(w.history) > 0 && w.history[0].seq < keepFromSeq {
		if w.history[0].seq == curSeq || !w.CanTrimPast(w.history[0].seq) {
			break
		}
		w.history = w.history[1:]
	}

	newStart := w.ring.NextFree
	newStartCRC32 := w.lastCRC32
	if len(w.history) > 0 {
		newStart = w.history[0].offset
		newStartCRC32 = w.history[0].startCRC32
	}

	if newStart == w.ring.UsedStart {
		return nil
	}
	if err := w.persistCheckpoint(newStart, newStartCRC32); err != nil {
		return err
	}
	w.ring.Trim(newStart)
	return nil
}

// persistCheckpoint rewrites the journal's header sector with an updated {StartOffset,
// StartCRC32}, the point recovery.Open's replay must resume scanning and CRC-chaining from
// (§4.6). It is a direct synchronous write-then-fsync against the journal device, like
// Format's initial header write, rather than a submission through the async devio.Ring:
// trims happen at most once per SYNC/STABILIZE batch, not on the hot per-op path, so there is
// no completion the caller needs to overlap with other work.
func (w *Writer) persistCheckpoint(offset uint64, crc32 uint32) error {
	buf := make([]byte, journal.SectorSize)
	if _, err := w.dev.ReadAt(buf, 0); err != nil {
		return errors.WithStack(err)
	}
	h, err := journal.DecodeSectorHeader(buf)
	if err != nil {
		return err
	}
	h.StartOffset = offset
	h.StartCRC32 = crc32
	if _, err := w.dev.WriteAt(journal.SectorHeaderBytes(h), 0); err != nil {
		return errors.WithStack(err)
	}
	if err := w.dev.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
