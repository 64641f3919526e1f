// Package syncstab implements the SYNC and STABILIZE state machines of §4.5: driving a
// batch of dirty versions to durability, then promoting stabilized versions into the clean
// index by moving their payload into the data region and committing metadata.
package syncstab

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/queue"
	metadatav0 "github.com/outofforest/blockstore/wire/metadata/v0"
)

// Sentinel errors surfaced through an op's callback, per §7.
var (
	ErrNotFound  = errors.New("dirty entry not found")
	ErrNotSynced = errors.New("version not synced")
	ErrIO        = errors.New("kernel i/o failure")
)

// Handler dispatches SYNC and STABILIZE ops.
type Handler struct {
	Clean      *index.CleanIndex
	Dirty      *index.DirtyIndex
	Bitmap     *alloc.Bitmap
	Journal    *journalw.Writer
	DataDevice devio.Device
	JournalDev devio.Device
	MetaDevice devio.Device
	BlockSize  int64
}

var _ queue.Handler = &Handler{}

// TryDispatch implements queue.Handler for OpSync and OpStabilize.
func (h *Handler) TryDispatch(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	switch op.Opcode {
	case queue.OpSync:
		return h.dispatchSync(op, ring)
	case queue.OpStabilize:
		return h.dispatchStabilize(op, ring)
	default:
		panic("syncstab: handler invoked for unsupported opcode " + op.Opcode.String())
	}
}

// writeMetadataEntry persists the clean-entry record for blockIdx, per §6's densely packed
// 32-byte metadata array, then fsyncs the metadata device (Design Notes: write-then-fsync
// for all metadata mutations).
func (h *Handler) writeMetadataEntry(ring *devio.Ring, opID uint64, blockIdx uint64, e metadatav0.Entry) error {
	buf := metadatav0.Bytes(e)
	if !ring.TryReserve(1) {
		return errors.WithStack(devio.ErrRingExhausted)
	}
	ring.Submit(devio.Request{
		ID:     opID,
		Kind:   devio.KindWrite,
		Device: h.MetaDevice,
		Offset: int64(blockIdx) * metadatav0.Size,
		Buf:    buf,
	})
	for _, c := range ring.Reap() {
		if c.Err != nil {
			return errors.Wrap(ErrIO, c.Err.Error())
		}
	}
	if !ring.TryReserve(1) {
		return errors.WithStack(devio.ErrRingExhausted)
	}
	ring.Submit(devio.Request{ID: opID, Kind: devio.KindFsync, Device: h.MetaDevice})
	for _, c := range ring.Reap() {
		if c.Err != nil {
			return errors.Wrap(ErrIO, c.Err.Error())
		}
	}
	return nil
}

// freeMetadataEntry clears the metadata slot for blockIdx (all-zero denotes free, §6).
func (h *Handler) freeMetadataEntry(ring *devio.Ring, opID uint64, blockIdx uint64) error {
	return h.writeMetadataEntry(ring, opID, blockIdx, metadatav0.Entry{})
}

// attemptTrim advances the journal's live-region start past every sector no dirty entry
// still pins, called after each successful move step so freed journal space becomes
// reservable again for parked writers (§4.5, §8 property 6). It can fail if persisting the
// advanced checkpoint to the journal's header sector fails.
func (h *Handler) attemptTrim() error {
	keep := h.Journal.NextSeq()
	for _, k := range h.Dirty.Keys() {
		entry, ok := h.Dirty.Get(k.ID, k.Version)
		if !ok || !entry.State.PinsJournal() {
			continue
		}
		if seq := entry.SectorSeq(); seq < keep {
			keep = seq
		}
	}
	return h.Journal.Trim(keep)
}
