// Package writepath implements the write and delete dispatch described in §4.2: choosing
// between a big (redirect) write and a small (journaled) write, and advancing each dirty
// entry's state machine as its initial I/Os are submitted.
package writepath

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/oid"
	"github.com/outofforest/blockstore/queue"
	"github.com/outofforest/blockstore/wire/journal"
)

// Sentinel errors surfaced through an op's callback, per §7.
var (
	ErrNoSpace   = errors.New("no free data block")
	ErrInvalid   = errors.New("malformed write")
	ErrIO        = errors.New("kernel i/o failure")
)

// Handler dispatches WRITE and DELETE ops.
type Handler struct {
	Clean      *index.CleanIndex
	Dirty      *index.DirtyIndex
	Bitmap     *alloc.Bitmap
	Journal    *journalw.Writer
	DataDevice devio.Device
	BlockSize  int64
	Alignment  int64
}

var _ queue.Handler = &Handler{}

// Validate checks a write's parameters against §4.2's constraints and monotonicity, before
// any dirty entry is created. It is called synchronously at Submit time (before the op ever
// reaches the queue), matching "a dirty entry is inserted synchronously at enqueue time".
func (h *Handler) Validate(id oid.ID, version uint64, offset, length uint32) error {
	if int64(offset)+int64(length) > h.BlockSize {
		return errors.Wrapf(ErrInvalid, "offset+len (%d+%d) exceeds block size %d", offset, length, h.BlockSize)
	}
	isBig := int64(length) == h.BlockSize
	if isBig {
		if offset != 0 {
			return errors.Wrap(ErrInvalid, "big write must start at offset 0")
		}
	} else {
		if offset%uint32(h.Alignment) != 0 || length%uint32(h.Alignment) != 0 {
			return errors.Wrapf(ErrInvalid, "offset/len must be multiples of %d", h.Alignment)
		}
	}

	if clean, ok := h.Clean.Get(id); ok && version <= clean.Version {
		return errors.Wrapf(ErrInvalid, "version %d not greater than clean version %d", version, clean.Version)
	}
	if hi, ok := h.Dirty.HighestVersion(id); ok && version <= hi {
		return errors.Wrapf(ErrInvalid, "version %d not greater than dirty version %d", version, hi)
	}
	return nil
}

// InsertDirty creates the IN_FLIGHT dirty entry for (id, version), synchronously at
// enqueue time so subsequent reads and syncs observe it immediately (§4.2).
func (h *Handler) InsertDirty(id oid.ID, version uint64, offset, length uint32) error {
	_, err := h.Dirty.Insert(id, version, offset, length)
	return err
}

// TryDispatch implements queue.Handler for OpWrite and OpDelete.
func (h *Handler) TryDispatch(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	switch op.Opcode {
	case queue.OpWrite:
		return h.dispatchWrite(op, ring)
	case queue.OpDelete:
		return h.dispatchDelete(op, ring)
	default:
		panic("writepath: handler invoked for unsupported opcode " + op.Opcode.String())
	}
}

func (h *Handler) dispatchWrite(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	isBig := int64(op.Len) == h.BlockSize
	if isBig {
		return h.dispatchBigWrite(op, ring)
	}
	return h.dispatchSmallWrite(op, ring)
}

func (h *Handler) dispatchBigWrite(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	entry, ok := h.Dirty.Get(op.OID, op.Version)
	if !ok {
		return queue.Outcome{}, errors.Errorf("no dirty entry for %s@%d", op.OID, op.Version)
	}

	block, err := h.Bitmap.Allocate()
	if err != nil {
		return queue.Outcome{}, errors.Wrap(ErrNoSpace, err.Error())
	}

	if !ring.TryReserve(1) {
		h.Bitmap.Release(block)
		return queue.Wait(queue.WaitSQE, 0), nil
	}
	ring.Submit(devio.Request{
		ID:     op.ID,
		Kind:   devio.KindWrite,
		Device: h.DataDevice,
		Offset: int64(block) * h.BlockSize,
		Buf:    op.Buf,
	})

	for _, c := range ring.Reap() {
		if c.Err != nil {
			return queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}

	entry.Location = block
	if err := h.Dirty.Transition(op.OID, op.Version, index.DWritten); err != nil {
		return queue.Outcome{}, err
	}

	op.Complete(int(op.Len), nil)
	return queue.Done(), nil
}

func (h *Handler) dispatchSmallWrite(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	entry := journal.SmallWriteExt{OID: op.OID, Version: op.Version, Offset: op.Offset, Len: op.Len}
	encoded := journal.BuildSmallWrite(h.Journal.LastCRC32(), entry)

	res, err := h.Journal.Append(ring, op.ID, encoded, op.Len, op.Buf)
	if err != nil {
		switch errors.Cause(err) {
		case journalw.ErrNoFreeBuffer:
			return queue.Wait(queue.WaitJournalBuffer, 0), nil
		case alloc.ErrJournalFull:
			return queue.Wait(queue.WaitJournal, uint64(op.Len)), nil
		case devio.ErrRingExhausted:
			return queue.Wait(queue.WaitSQE, 0), nil
		default:
			return queue.Outcome{}, err
		}
	}

	for _, c := range ring.Reap() {
		if c.Err != nil {
			return queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}

	dirty, ok := h.Dirty.Get(op.OID, op.Version)
	if !ok {
		return queue.Outcome{}, errors.Errorf("no dirty entry for %s@%d", op.OID, op.Version)
	}
	dirty.Location = res.PayloadOffset
	dirty.SetSectorSeq(res.SectorSeq)
	if err := h.Dirty.Transition(op.OID, op.Version, index.JWritten); err != nil {
		return queue.Outcome{}, err
	}

	op.Complete(int(op.Len), nil)
	return queue.Done(), nil
}

func (h *Handler) dispatchDelete(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	ext := journal.DeleteExt{OID: op.OID, Version: op.Version}
	encoded := journal.BuildDelete(h.Journal.LastCRC32(), ext)

	res, err := h.Journal.Append(ring, op.ID, encoded, 0, nil)
	if err != nil {
		switch errors.Cause(err) {
		case journalw.ErrNoFreeBuffer:
			return queue.Wait(queue.WaitJournalBuffer, 0), nil
		case alloc.ErrJournalFull:
			return queue.Wait(queue.WaitJournal, uint64(journal.HeaderSize+32)), nil
		case devio.ErrRingExhausted:
			return queue.Wait(queue.WaitSQE, 0), nil
		default:
			return queue.Outcome{}, err
		}
	}

	for _, c := range ring.Reap() {
		if c.Err != nil {
			return queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}

	dirty, ok := h.Dirty.Get(op.OID, op.Version)
	if !ok {
		return queue.Outcome{}, errors.Errorf("no dirty entry for %s@%d", op.OID, op.Version)
	}
	dirty.SetSectorSeq(res.SectorSeq)
	if err := h.Dirty.Transition(op.OID, op.Version, index.DelWritten); err != nil {
		return queue.Outcome{}, err
	}

	op.Complete(0, nil)
	return queue.Done(), nil
}
