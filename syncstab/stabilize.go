package syncstab

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/queue"
	"github.com/outofforest/blockstore/wire/journal"
	metadatav0 "github.com/outofforest/blockstore/wire/metadata/v0"
)

// dispatchStabilize grants stability permission to op.Refs, per §4.5 steps 4-6: a STABLE
// journal entry, then the background move that relocates each version's payload into the
// data region and commits its metadata entry.
func (h *Handler) dispatchStabilize(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	for _, ref := range op.Refs {
		entry, ok := h.Dirty.Get(ref.OID, ref.Version)
		if !ok {
			op.Complete(0, errors.Wrapf(ErrNotFound, "%s@%d", ref.OID, ref.Version))
			return queue.Done(), nil
		}
		if entry.State != index.JSynced && entry.State != index.DMetaSynced && entry.State != index.DelSynced &&
			!entry.State.IsStable() {
			op.Complete(0, errors.Wrapf(ErrNotSynced, "%s@%d is %s", ref.OID, ref.Version, entry.State))
			return queue.Done(), nil
		}
	}

	var pending []journal.VersionRef
	for _, ref := range op.Refs {
		entry, _ := h.Dirty.Get(ref.OID, ref.Version)
		if entry.State == index.JSynced || entry.State == index.DMetaSynced || entry.State == index.DelSynced {
			pending = append(pending, journal.VersionRef{OID: ref.OID, Version: ref.Version})
		}
	}

	if len(pending) > 0 {
		encoded := journal.BuildStable(h.Journal.LastCRC32(), pending)
		res, err := h.Journal.Append(ring, op.ID, encoded, 0, nil)
		if err != nil {
			if outcome, ok := waitOutcome(err); ok {
				return outcome, nil
			}
			return queue.Outcome{}, err
		}
		for _, c := range ring.Reap() {
			if c.Err != nil {
				return queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
			}
		}

		proceed, outcome, ferr := h.fsyncOnce(ring, op.ID, h.JournalDev)
		if !proceed {
			return outcome, ferr
		}
		h.Journal.FlushSector(res.SectorSeq)

		for _, r := range pending {
			entry, ok := h.Dirty.Get(r.OID, r.Version)
			if !ok {
				continue
			}
			switch entry.State {
			case index.JSynced:
				if err := h.Dirty.Transition(r.OID, r.Version, index.JStable); err != nil {
					return queue.Outcome{}, err
				}
			case index.DMetaSynced:
				if err := h.Dirty.Transition(r.OID, r.Version, index.DStable); err != nil {
					return queue.Outcome{}, err
				}
			case index.DelSynced:
				if err := h.Dirty.Transition(r.OID, r.Version, index.DelStable); err != nil {
					return queue.Outcome{}, err
				}
			}
		}
	}

	for _, ref := range op.Refs {
		entry, ok := h.Dirty.Get(ref.OID, ref.Version)
		if !ok {
			// Already promoted to CURRENT by a prior dispatch attempt on this op.
			continue
		}

		var proceed bool
		var outcome queue.Outcome
		var err error
		switch entry.State {
		case index.JStable, index.JMoved:
			proceed, outcome, err = h.moveSmallWrite(ring, op.ID, ref, entry)
		case index.DStable, index.DMetaMoved, index.DMetaCommitted:
			proceed, outcome, err = h.moveBigWrite(ring, op.ID, ref, entry)
		case index.DelStable, index.DelMoved:
			proceed, outcome, err = h.moveDelete(ring, op.ID, ref, entry)
		default:
			continue
		}
		if err != nil {
			return queue.Outcome{}, err
		}
		if !proceed {
			return outcome, nil
		}
	}

	op.Complete(0, nil)
	return queue.Done(), nil
}

// moveSmallWrite relocates a stabilized small write's payload from the journal into the
// object's data block (allocating one if this is the object's first-ever version), then
// promotes it to CURRENT, per §3's J_STABLE -> J_MOVED -> J_MOVE_SYNCED -> CURRENT chain.
func (h *Handler) moveSmallWrite(ring *devio.Ring, opID uint64, ref queue.VersionRef, entry *index.DirtyEntry) (proceed bool, outcome queue.Outcome, err error) {
	if entry.State == index.JMoved {
		// A prior WAIT interrupted after the payload copy but before the data fsync.
		return h.finishSmallWriteMove(ring, opID, ref)
	}

	clean, hadClean := h.Clean.Get(ref.OID)
	block := clean.Location
	if !hadClean {
		if pending, ok := entry.PendingBlock(); ok {
			// A prior WAIT interrupted this move after the block was already reserved.
			block = pending
		} else {
			block, err = h.Bitmap.Allocate()
			if err != nil {
				return false, queue.Outcome{}, errors.Wrap(ErrIO, err.Error())
			}
			entry.SetPendingBlock(block)
		}

		// A freshly allocated block may carry a previous occupant's bytes in the range this
		// write doesn't cover: zero both the prefix before the payload and the suffix after
		// it, since the clean entry this move installs will claim the whole block as covered
		// (§4.3's "uncovered ranges are zero-filled" applies at write time here, not read
		// time, because the read path trusts a clean entry to cover [0, BlockSize)).
		tailOffset := entry.Offset + entry.Size
		tailLen := uint32(h.BlockSize) - tailOffset
		if entry.Offset > 0 {
			zero := make([]byte, entry.Offset)
			if !ring.TryReserve(1) {
				return false, queue.Wait(queue.WaitSQE, 0), nil
			}
			ring.Submit(devio.Request{ID: opID, Kind: devio.KindWrite, Device: h.DataDevice, Offset: int64(block) * h.BlockSize, Buf: zero})
			for _, c := range ring.Reap() {
				if c.Err != nil {
					return false, queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
				}
			}
		}
		if tailLen > 0 {
			zero := make([]byte, tailLen)
			if !ring.TryReserve(1) {
				return false, queue.Wait(queue.WaitSQE, 0), nil
			}
			ring.Submit(devio.Request{ID: opID, Kind: devio.KindWrite, Device: h.DataDevice, Offset: int64(block)*h.BlockSize + int64(tailOffset), Buf: zero})
			for _, c := range ring.Reap() {
				if c.Err != nil {
					return false, queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
				}
			}
		}
	}

	payload := make([]byte, entry.Size)
	if !ring.TryReserve(1) {
		return false, queue.Wait(queue.WaitSQE, 0), nil
	}
	ring.Submit(devio.Request{
		ID:     opID,
		Kind:   devio.KindRead,
		Device: h.JournalDev,
		Offset: int64(entry.Location),
		Buf:    payload,
	})
	for _, c := range ring.Reap() {
		if c.Err != nil {
			return false, queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}

	if !ring.TryReserve(1) {
		return false, queue.Wait(queue.WaitSQE, 0), nil
	}
	ring.Submit(devio.Request{
		ID:     opID,
		Kind:   devio.KindWrite,
		Device: h.DataDevice,
		Offset: int64(block)*h.BlockSize + int64(entry.Offset),
		Buf:    payload,
	})
	for _, c := range ring.Reap() {
		if c.Err != nil {
			return false, queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}
	if err := h.Dirty.Transition(ref.OID, ref.Version, index.JMoved); err != nil {
		return false, queue.Outcome{}, err
	}
	return h.finishSmallWriteMove(ring, opID, ref)
}

// finishSmallWriteMove fsyncs the data-region copy, commits the block's metadata entry and
// promotes the version to CURRENT, the tail of moveSmallWrite shared with the JMoved resume
// path.
func (h *Handler) finishSmallWriteMove(ring *devio.Ring, opID uint64, ref queue.VersionRef) (proceed bool, outcome queue.Outcome, err error) {
	entry, ok := h.Dirty.Get(ref.OID, ref.Version)
	if !ok {
		return true, queue.Outcome{}, nil
	}

	proceedF, outcomeF, errF := h.fsyncOnce(ring, opID, h.DataDevice)
	if !proceedF {
		return false, outcomeF, errF
	}
	block, ok := entry.PendingBlock()
	if !ok {
		clean, _ := h.Clean.Get(ref.OID)
		block = clean.Location
	}
	rec := metadatav0.Entry{OID: ref.OID, Version: ref.Version, Flags: metadatav0.FlagLive}
	if err := h.writeMetadataEntry(ring, opID, block, rec); err != nil {
		if errors.Cause(err) == devio.ErrRingExhausted {
			return false, queue.Wait(queue.WaitSQE, 0), nil
		}
		return false, queue.Outcome{}, err
	}
	if err := h.Dirty.Transition(ref.OID, ref.Version, index.JMoveSynced); err != nil {
		return false, queue.Outcome{}, err
	}

	if prev, existed := h.Clean.Set(ref.OID, index.CleanEntry{Version: ref.Version, Location: block}); existed && prev.Location != block {
		h.Bitmap.Release(prev.Location)
	}
	h.Dirty.Remove(ref.OID, ref.Version)
	if err := h.attemptTrim(); err != nil {
		return false, queue.Outcome{}, err
	}
	return true, queue.Outcome{}, nil
}

// moveBigWrite commits the metadata entry for a stabilized redirect write and retires the
// object's previous data block, per §3's D_STABLE -> D_META_MOVED -> D_META_COMMITTED ->
// CURRENT chain.
func (h *Handler) moveBigWrite(ring *devio.Ring, opID uint64, ref queue.VersionRef, entry *index.DirtyEntry) (proceed bool, outcome queue.Outcome, err error) {
	if entry.State == index.DStable {
		rec := metadatav0.Entry{OID: ref.OID, Version: ref.Version, Flags: metadatav0.FlagLive}
		if err := h.writeMetadataEntry(ring, opID, entry.Location, rec); err != nil {
			if errors.Cause(err) == devio.ErrRingExhausted {
				return false, queue.Wait(queue.WaitSQE, 0), nil
			}
			return false, queue.Outcome{}, err
		}
		if err := h.Dirty.Transition(ref.OID, ref.Version, index.DMetaMoved); err != nil {
			return false, queue.Outcome{}, err
		}
		if err := h.Dirty.Transition(ref.OID, ref.Version, index.DMetaCommitted); err != nil {
			return false, queue.Outcome{}, err
		}
	}

	// Retire the object's previous CURRENT block, if any, before installing the new clean
	// entry: this keeps the step idempotent across a WAIT, since Clean.Get is read-only and
	// nothing here mutates state until the free has actually completed.
	if prev, existed := h.Clean.Get(ref.OID); existed && prev.Location != entry.Location {
		if err := h.freeMetadataEntry(ring, opID, prev.Location); err != nil {
			if errors.Cause(err) == devio.ErrRingExhausted {
				return false, queue.Wait(queue.WaitSQE, 0), nil
			}
			return false, queue.Outcome{}, err
		}
		h.Bitmap.Release(prev.Location)
	}
	h.Clean.Set(ref.OID, index.CleanEntry{Version: ref.Version, Location: entry.Location})
	h.Dirty.Remove(ref.OID, ref.Version)
	if err := h.attemptTrim(); err != nil {
		return false, queue.Outcome{}, err
	}
	return true, queue.Outcome{}, nil
}

// moveDelete retires the object's clean entry entirely once its tombstone is stable, per
// §3's DEL_STABLE -> DEL_MOVED chain: no new CURRENT version replaces it, so the object
// simply stops existing in the clean index once the retirement completes.
func (h *Handler) moveDelete(ring *devio.Ring, opID uint64, ref queue.VersionRef, entry *index.DirtyEntry) (proceed bool, outcome queue.Outcome, err error) {
	if entry.State == index.DelStable {
		if prev, existed := h.Clean.Get(ref.OID); existed {
			if err := h.freeMetadataEntry(ring, opID, prev.Location); err != nil {
				if errors.Cause(err) == devio.ErrRingExhausted {
					return false, queue.Wait(queue.WaitSQE, 0), nil
				}
				return false, queue.Outcome{}, err
			}
			h.Bitmap.Release(prev.Location)
			h.Clean.Delete(ref.OID)
		}
		if err := h.Dirty.Transition(ref.OID, ref.Version, index.DelMoved); err != nil {
			return false, queue.Outcome{}, err
		}
	}
	h.Dirty.Remove(ref.OID, ref.Version)
	if err := h.attemptTrim(); err != nil {
		return false, queue.Outcome{}, err
	}
	return true, queue.Outcome{}, nil
}
