package syncstab

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/queue"
	"github.com/outofforest/blockstore/wire/journal"
)

// dispatchSync drives every currently unsynced dirty version to durability, per §4.5 steps
// 1-3. The group is recomputed from index state on every dispatch attempt rather than
// captured once, so a WAIT partway through simply resumes where it left off: entries already
// advanced past a phase are absent from that phase's InStates scan on the retry.
func (h *Handler) dispatchSync(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	dWritten := h.Dirty.InStates(index.DWritten)
	if len(dWritten) > 0 {
		proceed, outcome, err := h.fsyncOnce(ring, op.ID, h.DataDevice)
		if !proceed {
			return outcome, err
		}
		for _, k := range dWritten {
			if err := h.Dirty.Transition(k.ID, k.Version, index.DSynced); err != nil {
				return queue.Outcome{}, err
			}
		}
	}

	for _, k := range h.Dirty.InStates(index.DSynced) {
		entry, _ := h.Dirty.Get(k.ID, k.Version)
		ext := journal.BigWriteExt{OID: k.ID, Version: k.Version, Location: entry.Location}
		encoded := journal.BuildBigWrite(h.Journal.LastCRC32(), ext)

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

		entry.SetSectorSeq(res.SectorSeq)
		if err := h.Dirty.Transition(k.ID, k.Version, index.DMetaWritten); err != nil {
			return queue.Outcome{}, err
		}
	}

	jWritten := h.Dirty.InStates(index.JWritten)
	dMetaWritten := h.Dirty.InStates(index.DMetaWritten)
	delWritten := h.Dirty.InStates(index.DelWritten)
	if len(jWritten) > 0 || len(dMetaWritten) > 0 || len(delWritten) > 0 {
		proceed, outcome, err := h.fsyncOnce(ring, op.ID, h.JournalDev)
		if !proceed {
			return outcome, err
		}

		touched := map[uint64]bool{}
		for _, k := range jWritten {
			entry, _ := h.Dirty.Get(k.ID, k.Version)
			touched[entry.SectorSeq()] = true
			if err := h.Dirty.Transition(k.ID, k.Version, index.JSynced); err != nil {
				return queue.Outcome{}, err
			}
		}
		for _, k := range dMetaWritten {
			entry, _ := h.Dirty.Get(k.ID, k.Version)
			touched[entry.SectorSeq()] = true
			if err := h.Dirty.Transition(k.ID, k.Version, index.DMetaSynced); err != nil {
				return queue.Outcome{}, err
			}
		}
		for _, k := range delWritten {
			entry, _ := h.Dirty.Get(k.ID, k.Version)
			touched[entry.SectorSeq()] = true
			if err := h.Dirty.Transition(k.ID, k.Version, index.DelSynced); err != nil {
				return queue.Outcome{}, err
			}
		}
		for seq := range touched {
			h.Journal.FlushSector(seq)
		}
	}

	op.Complete(0, nil)
	return queue.Done(), nil
}

// fsyncOnce reserves a single ring slot, issues an fdatasync against dev, and reaps its
// completion. proceed is false whenever the caller must return outcome/err immediately
// instead of continuing the dispatch attempt.
func (h *Handler) fsyncOnce(ring *devio.Ring, opID uint64, dev devio.Device) (proceed bool, outcome queue.Outcome, err error) {
	if !ring.TryReserve(1) {
		return false, queue.Wait(queue.WaitSQE, 0), nil
	}
	ring.Submit(devio.Request{ID: opID, Kind: devio.KindFsync, Device: dev})
	for _, c := range ring.Reap() {
		if c.Err != nil {
			return false, queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}
	return true, queue.Outcome{}, nil
}

// waitOutcome translates a journalw.Writer.Append error into the WAIT outcome the
// dispatcher should surface, per §4.2's WAIT reasons.
func waitOutcome(err error) (queue.Outcome, bool) {
	switch errors.Cause(err) {
	case journalw.ErrNoFreeBuffer:
		return queue.Wait(queue.WaitJournalBuffer, 0), true
	case alloc.ErrJournalFull:
		return queue.Wait(queue.WaitJournal, uint64(journal.HeaderSize+64)), true
	case devio.ErrRingExhausted:
		return queue.Wait(queue.WaitSQE, 0), true
	default:
		return queue.Outcome{}, false
	}
}
