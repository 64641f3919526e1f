package recovery

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/oid"
	"github.com/outofforest/blockstore/wire/journal"
)

// replayJournal walks the journal forward from header's recorded start, applying each
// verified entry to dirty/clean/bitmap as if its I/Os had just completed, per §4.6. It stops
// at the first entry that fails CRC/magic verification, discarding any partial trailing
// entry, and returns the CRC32 of the last entry it accepted.
//
// Entries never carry their payload's on-disk location directly (only SMALL_WRITE does, and
// implicitly, via the ring reservation the live writer made for it): replaying the same
// sequence of ring.Reserve calls the writer made — one per sector rotation, one per
// SMALL_WRITE payload — reconstructs those offsets deterministically, since the journal is a
// strictly ordered append log and recovery walks it in that same order.
func replayJournal(
	dev devio.Device,
	ring *alloc.JournalRing,
	header journal.SectorHeader,
	dirty *index.DirtyIndex,
	clean *index.CleanIndex,
	bitmap *alloc.Bitmap,
	blockSize int64,
) (uint32, error) {
	sectorOffset, err := ring.Reserve(journal.SectorSize, journal.SectorSize)
	if err != nil {
		return header.StartCRC32, err
	}

	prevCRC := header.StartCRC32
	buf := make([]byte, journal.SectorSize)
	for {
		if _, err := dev.ReadAt(buf, int64(sectorOffset)); err != nil {
			return prevCRC, nil
		}

		pos := 0
		for pos+journal.HeaderSize <= len(buf) {
			decoded, verr := journal.Verify(buf[pos:], prevCRC)
			if verr != nil {
				return prevCRC, nil
			}

			if aerr := applyEntry(decoded, dirty, clean, bitmap, blockSize); aerr != nil {
				return prevCRC, aerr
			}
			prevCRC = decoded.Header.CRC32

			if decoded.Header.Type == journal.SmallWrite {
				ext := journal.SmallWriteExtView(decoded.Ext).Value
				payloadOffset, perr := ring.Reserve(uint64(ext.Len), journal.SectorSize)
				if perr != nil {
					return prevCRC, nil
				}
				if e, ok := dirty.Get(ext.OID, ext.Version); ok {
					e.Location = payloadOffset
				}
			}

			pos += int(decoded.Header.Size)
		}

		next, rerr := ring.Reserve(journal.SectorSize, journal.SectorSize)
		if rerr != nil {
			return prevCRC, nil
		}
		sectorOffset = next
	}
}

// superseded reports whether version is no greater than the OID's already-committed CURRENT
// version, meaning the journal entry that carried it was already stabilized and moved into
// the clean index before the crash. attemptTrim only advances the journal's live-region
// start past sectors no dirty entry still pins, and a sector can go on holding an
// already-moved entry's bytes for a while after the move if some other, still-pinning entry
// shares that sector; replaying such an entry would resurrect a phantom dirty version behind
// the object's real CURRENT version, and readpath's dirty-then-clean read order would then
// serve those stale bytes ahead of the correct ones (§4.6, §8 Testable Property 1).
func superseded(clean *index.CleanIndex, id oid.ID, version uint64) bool {
	c, ok := clean.Get(id)
	return ok && version <= c.Version
}

// applyEntry replays one journal entry into the dirty/clean indices and the allocator, per the
// state each entry type reaches immediately upon its journal write being made durable (§4.6).
func applyEntry(
	d journal.Decoded,
	dirty *index.DirtyIndex,
	clean *index.CleanIndex,
	bitmap *alloc.Bitmap,
	blockSize int64,
) error {
	switch d.Header.Type {
	case journal.SmallWrite:
		ext := journal.SmallWriteExtView(d.Ext).Value
		if superseded(clean, ext.OID, ext.Version) {
			return nil
		}
		if _, err := dirty.Insert(ext.OID, ext.Version, ext.Offset, ext.Len); err != nil {
			return err
		}
		return transitionThrough(dirty, ext.OID, ext.Version, index.JWritten, index.JSynced)

	case journal.BigWrite:
		ext := journal.BigWriteExtView(d.Ext).Value
		if superseded(clean, ext.OID, ext.Version) {
			return nil
		}
		e, err := dirty.Insert(ext.OID, ext.Version, 0, uint32(blockSize))
		if err != nil {
			return err
		}
		e.Location = ext.Location
		bitmap.MarkAllocated(ext.Location)
		return transitionThrough(dirty, ext.OID, ext.Version,
			index.DWritten, index.DSynced, index.DMetaWritten, index.DMetaSynced)

	case journal.Delete:
		ext := journal.DeleteExtView(d.Ext).Value
		if superseded(clean, ext.OID, ext.Version) {
			return nil
		}
		if _, err := dirty.Insert(ext.OID, ext.Version, 0, 0); err != nil {
			return err
		}
		return transitionThrough(dirty, ext.OID, ext.Version, index.DelWritten, index.DelSynced)

	case journal.Sync:
		// A durability marker only; carries no state to replay.
		return nil

	case journal.Stable:
		refs, err := journal.DecodeVersionRefs(d.Ext)
		if err != nil {
			return err
		}
		for _, r := range refs {
			e, ok := dirty.Get(r.OID, r.Version)
			if !ok {
				continue
			}
			switch e.State {
			case index.JSynced:
				if err := dirty.Transition(r.OID, r.Version, index.JStable); err != nil {
					return err
				}
			case index.DMetaSynced:
				if err := dirty.Transition(r.OID, r.Version, index.DStable); err != nil {
					return err
				}
			case index.DelSynced:
				if err := dirty.Transition(r.OID, r.Version, index.DelStable); err != nil {
					return err
				}
			}
		}
		return nil

	case journal.Rollback:
		refs, err := journal.DecodeVersionRefs(d.Ext)
		if err != nil {
			return err
		}
		for _, r := range refs {
			dirty.Remove(r.OID, r.Version)
		}
		return nil

	default:
		return errors.Errorf("unknown journal entry type %d during replay", d.Header.Type)
	}
}

// transitionThrough walks a dirty entry through a fixed chain of legal single-step
// transitions, used because journal replay collapses an entry straight to the state its
// durable journal write implies, skipping the intermediate states a live dispatch would pause
// at between kernel completions.
func transitionThrough(dirty *index.DirtyIndex, id oid.ID, version uint64, states ...index.State) error {
	for _, s := range states {
		if err := dirty.Transition(id, version, s); err != nil {
			return err
		}
	}
	return nil
}
