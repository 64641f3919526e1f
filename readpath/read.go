// Package readpath implements the read fulfillment algorithm of §4.3: walking dirty
// versions newest-first, then the clean entry, covering the requested byte range from the
// highest-version source available and zero-filling anything left uncovered.
package readpath

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/queue"
)

// ErrIO is returned when a kernel read fails.
var ErrIO = errors.New("kernel i/o failure")

// Handler dispatches READ and READ_DIRTY ops.
type Handler struct {
	Clean        *index.CleanIndex
	Dirty        *index.DirtyIndex
	Journal      *journalw.Writer
	JournalDev   devio.Device
	DataDevice   devio.Device
	BlockSize    int64
}

var _ queue.Handler = &Handler{}

// byteRange is a half-open [Start, End) range of the requested offset space.
type byteRange struct {
	Start, End uint32
}

func (r byteRange) empty() bool { return r.Start >= r.End }

// readVec tracks which parts of the requested range have already been fulfilled, newest
// source first, per §4.3 step 2.
type readVec struct {
	covered []byteRange // disjoint, sorted by Start
}

// gaps returns the portions of want not yet present in the vector, then marks want as
// covered.
func (v *readVec) gaps(want byteRange) []byteRange {
	if want.empty() {
		return nil
	}
	var gaps []byteRange
	cursor := want.Start
	for _, c := range v.covered {
		if c.End <= cursor || c.Start >= want.End {
			continue
		}
		if c.Start > cursor {
			gaps = append(gaps, byteRange{cursor, c.Start})
		}
		if c.End > cursor {
			cursor = c.End
		}
	}
	if cursor < want.End {
		gaps = append(gaps, byteRange{cursor, want.End})
	}

	v.covered = append(v.covered, want)
	v.normalize()
	return gaps
}

func (v *readVec) normalize() {
	if len(v.covered) < 2 {
		return
	}
	for i := 0; i < len(v.covered); i++ {
		for j := i + 1; j < len(v.covered); j++ {
			a, b := v.covered[i], v.covered[j]
			if a.Start < b.End && b.Start < a.End {
				merged := byteRange{min(a.Start, b.Start), max(a.End, b.End)}
				v.covered[i] = merged
				v.covered = append(v.covered[:j], v.covered[j+1:]...)
				j--
			}
		}
	}
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// TryDispatch implements queue.Handler for OpRead and OpReadDirty.
func (h *Handler) TryDispatch(op *queue.Op, ring *devio.Ring) (queue.Outcome, error) {
	requested := byteRange{op.Offset, op.Offset + op.Len}
	vec := &readVec{}

	dirtyOnly := op.Opcode == queue.OpReadDirty

	for _, v := range h.Dirty.VersionsDescending(op.OID) {
		entry, ok := h.Dirty.Get(op.OID, v)
		if !ok {
			continue
		}
		if !dirtyOnly && !entry.State.IsStable() && entry.State != index.InFlight {
			// Plain READ only ever sources from stable versions, except that an IN_FLIGHT
			// version must still force a stall (§4.3) rather than being skipped.
			continue
		}

		src := byteRange{entry.Offset, entry.Offset + entry.Size}
		want := intersect(src, requested)
		if want.empty() {
			continue
		}

		gaps := vec.gaps(want)
		for _, gap := range gaps {
			if entry.State == index.InFlight {
				// Abandon the submission and clear any I/Os already queued in this pass
				// (§4.3 step 3): they are harmless to have executed against op.Buf since
				// op.Complete has not fired, but their ring slots must be freed now.
				ring.Reap()
				return queue.Wait(queue.WaitInFlight, v), nil
			}
			if entry.State.IsDeletion() {
				zeroFill(op.Buf, op.Offset, gap)
				continue
			}

			if err := submitGapRead(op, ring, h, entry, gap); err != nil {
				if errors.Cause(err) == devio.ErrRingExhausted {
					ring.Reap()
					return queue.Wait(queue.WaitSQE, 0), nil
				}
				return queue.Outcome{}, err
			}
		}
	}

	if clean, ok := h.Clean.Get(op.OID); ok {
		src := byteRange{0, uint32(h.BlockSize)}
		want := intersect(src, requested)
		if !want.empty() {
			gaps := vec.gaps(want)
			for _, gap := range gaps {
				if !ring.TryReserve(1) {
					ring.Reap()
					return queue.Wait(queue.WaitSQE, 0), nil
				}
				ring.Submit(devio.Request{
					ID:     op.ID,
					Kind:   devio.KindRead,
					Device: h.DataDevice,
					Offset: int64(clean.Location)*h.BlockSize + int64(gap.Start),
					Buf:    op.Buf[gap.Start-op.Offset : gap.End-op.Offset],
				})
			}
		}
	}

	// Anything still uncovered is zero-filled (§4.3 step 4).
	for _, gap := range vec.gaps(requested) {
		zeroFill(op.Buf, op.Offset, gap)
	}

	for _, c := range ring.Reap() {
		if c.Err != nil {
			return queue.Outcome{}, errors.Wrap(ErrIO, c.Err.Error())
		}
	}

	op.Complete(int(op.Len), nil)
	return queue.Done(), nil
}

func submitGapRead(op *queue.Op, ring *devio.Ring, h *Handler, entry *index.DirtyEntry, gap byteRange) error {
	if !ring.TryReserve(1) {
		return devio.ErrRingExhausted
	}

	loc := index.LocationOf(entry.State)
	var dev devio.Device
	var offset int64
	within := gap.Start - entry.Offset

	switch loc {
	case index.LocationJournal:
		dev = h.JournalDev
		offset = int64(entry.Location) + int64(within)
	case index.LocationData:
		dev = h.DataDevice
		offset = int64(entry.Location)*h.BlockSize + int64(gap.Start)
	}

	if loc == index.LocationJournal {
		// Pin the sector this payload was journaled into so a concurrent trim cannot
		// reclaim it out from under the read (§4.3). devio.Ring runs each Submit to
		// completion synchronously, so this pin never actually overlaps another op today,
		// but it keeps the read path correct if Ring is ever swapped for a real
		// completion-based backend without touching the dispatcher (see devio.Ring's own
		// doc comment).
		seq := entry.SectorSeq()
		h.Journal.PinForRead(seq)
		defer h.Journal.UnpinForRead(seq)
	}

	ring.Submit(devio.Request{
		ID:     op.ID,
		Kind:   devio.KindRead,
		Device: dev,
		Offset: offset,
		Buf:    op.Buf[gap.Start-op.Offset : gap.End-op.Offset],
	})
	return nil
}

func intersect(a, b byteRange) byteRange {
	return byteRange{max(a.Start, b.Start), min(a.End, b.End)}
}

func zeroFill(buf []byte, bufStart uint32, gap byteRange) {
	for i := gap.Start; i < gap.End; i++ {
		buf[i-bufStart] = 0
	}
}
