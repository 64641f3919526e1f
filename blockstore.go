// Package blockstore wires the space manager, indices, journal writer, and the three
// dispatch handlers into one running engine, generalizing persistence.Initialize and
// persistence.OpenStore's role in the teacher (validate-or-format a device, hand back a
// ready-to-use store) into a single-threaded, cooperative event loop over the submission
// queue (§4.1, §5).
package blockstore

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/config"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/logging"
	"github.com/outofforest/blockstore/metrics"
	"github.com/outofforest/blockstore/oid"
	"github.com/outofforest/blockstore/queue"
	"github.com/outofforest/blockstore/readpath"
	"github.com/outofforest/blockstore/recovery"
	"github.com/outofforest/blockstore/syncstab"
	"github.com/outofforest/blockstore/writepath"
)

// ErrBlocked is wrapped around the pending wait reason when an op cannot make forward
// progress within maxDispatchAttempts, surfacing genuine backpressure (a full journal, an
// exhausted sector-buffer pool) to the caller instead of hanging forever.
var ErrBlocked = errors.New("blockstore: op did not complete")

// maxDispatchAttempts bounds how many times Store retries a parked op before giving up:
// enough for a resumable multi-step STABILIZE to walk through its phases against the
// synchronous ring, not so many that a genuinely stuck op spins pointlessly.
const maxDispatchAttempts = 8

// Format writes a fresh journal header and zeroes the metadata region, per §4.6.
func Format(journalDev, metaDev devio.Device, overwrite bool) (uuid.UUID, error) {
	return recovery.Format(journalDev, metaDev, overwrite)
}

// Store is the running engine over one formatted device set.
type Store struct {
	cfg config.Config

	dataDev    devio.Device
	metaDev    devio.Device
	journalDev devio.Device

	clean  *index.CleanIndex
	dirty  *index.DirtyIndex
	bitmap *alloc.Bitmap
	rring  *alloc.JournalRing
	writer *journalw.Writer

	queue      *queue.SubmissionQueue
	arena      *queue.Arena
	ring       *devio.Ring
	dispatcher *queue.Dispatcher

	writeHandler *writepath.Handler

	deviceID uuid.UUID
	metrics  *metrics.Metrics
	tracer   logging.OpTracer
}

// Open validates and replays an existing device set (§4.6) and returns a Store ready to
// serve Read/Write/Sync/Stabilize/Delete. registry may be nil, in which case metrics
// register against prometheus.DefaultRegisterer.
func Open(cfg config.Config, dataDev, metaDev, journalDev devio.Device, registry prometheus.Registerer) (*Store, error) {
	rec, err := recovery.Open(dataDev, metaDev, journalDev, cfg)
	if err != nil {
		return nil, err
	}

	writer, err := journalw.New(journalDev, rec.JournalRing, cfg.JournalSectorBufferCount, rec.LastCRC32)
	if err != nil {
		return nil, err
	}

	q := queue.NewSubmissionQueue()
	arena := queue.NewArena()
	ring := devio.NewRing(64)
	dispatcher := queue.NewDispatcher(q, ring)

	writeHandler := &writepath.Handler{
		Clean:      rec.Clean,
		Dirty:      rec.Dirty,
		Bitmap:     rec.Bitmap,
		Journal:    writer,
		DataDevice: dataDev,
		BlockSize:  cfg.BlockSize,
		Alignment:  cfg.DiskAlignment,
	}
	readHandler := &readpath.Handler{
		Clean:      rec.Clean,
		Dirty:      rec.Dirty,
		Journal:    writer,
		JournalDev: journalDev,
		DataDevice: dataDev,
		BlockSize:  cfg.BlockSize,
	}
	syncHandler := &syncstab.Handler{
		Clean:      rec.Clean,
		Dirty:      rec.Dirty,
		Bitmap:     rec.Bitmap,
		Journal:    writer,
		DataDevice: dataDev,
		JournalDev: journalDev,
		MetaDevice: metaDev,
		BlockSize:  cfg.BlockSize,
	}

	dispatcher.Register(queue.OpRead, readHandler)
	dispatcher.Register(queue.OpReadDirty, readHandler)
	dispatcher.Register(queue.OpWrite, writeHandler)
	dispatcher.Register(queue.OpDelete, writeHandler)
	dispatcher.Register(queue.OpSync, syncHandler)
	dispatcher.Register(queue.OpStabilize, syncHandler)

	s := &Store{
		cfg:          cfg,
		dataDev:      dataDev,
		metaDev:      metaDev,
		journalDev:   journalDev,
		clean:        rec.Clean,
		dirty:        rec.Dirty,
		bitmap:       rec.Bitmap,
		rring:        rec.JournalRing,
		writer:       writer,
		queue:        q,
		arena:        arena,
		ring:         ring,
		dispatcher:   dispatcher,
		writeHandler: writeHandler,
		deviceID:     rec.DeviceID,
		metrics:      metrics.New(registry),
		tracer:       logging.NewOpTracer(),
	}
	s.refreshGauges()
	return s, nil
}

// DeviceID returns the identity stamped into the journal device at Format time.
func (s *Store) DeviceID() uuid.UUID {
	return s.deviceID
}

// Read fulfills buf from the object's stable versions and its CURRENT clean entry,
// zero-filling any range no version covers (§4.3).
func (s *Store) Read(id oid.ID, offset uint32, buf []byte) (int, error) {
	op := &queue.Op{Opcode: queue.OpRead, OID: id, Offset: offset, Len: uint32(len(buf)), Buf: buf}
	return s.run(op)
}

// ReadDirty is Read, but also sources from versions that are written but not yet stable;
// like Read, it waits on a version that is still IN_FLIGHT.
func (s *Store) ReadDirty(id oid.ID, offset uint32, buf []byte) (int, error) {
	op := &queue.Op{Opcode: queue.OpReadDirty, OID: id, Offset: offset, Len: uint32(len(buf)), Buf: buf}
	return s.run(op)
}

// Write creates a new version of id at the given offset and submits it for journaling (a
// small write) or a redirect write to the data region (a full-block write), per §4.2.
func (s *Store) Write(id oid.ID, version uint64, offset uint32, data []byte) (int, error) {
	length := uint32(len(data))
	if err := s.writeHandler.Validate(id, version, offset, length); err != nil {
		return 0, err
	}
	if err := s.writeHandler.InsertDirty(id, version, offset, length); err != nil {
		return 0, err
	}
	op := &queue.Op{Opcode: queue.OpWrite, OID: id, Version: version, Offset: offset, Len: length, Buf: data}
	return s.run(op)
}

// Delete records a tombstone version for id, per §4.2's DEL_WRITTEN lifecycle.
func (s *Store) Delete(id oid.ID, version uint64) error {
	if err := s.writeHandler.Validate(id, version, 0, 0); err != nil {
		return err
	}
	if err := s.writeHandler.InsertDirty(id, version, 0, 0); err != nil {
		return err
	}
	op := &queue.Op{Opcode: queue.OpDelete, OID: id, Version: version}
	_, err := s.run(op)
	return err
}

// Sync drives every currently unsynced dirty version to durability (§4.5 steps 1-3). refs
// is accepted for symmetry with Stabilize but unused: a SYNC barrier covers the whole dirty
// set, not a caller-chosen subset.
func (s *Store) Sync(refs []queue.VersionRef) error {
	op := &queue.Op{Opcode: queue.OpSync, Refs: refs}
	_, err := s.run(op)
	return err
}

// Stabilize grants stability permission to refs and moves each into the clean index once
// its payload has been relocated, per §4.5 steps 4-6.
func (s *Store) Stabilize(refs []queue.VersionRef) error {
	op := &queue.Op{Opcode: queue.OpStabilize, Refs: refs}
	_, err := s.run(op)
	return err
}

// run submits op to the dispatcher and drives DispatchPass until it completes or genuinely
// cannot make progress within maxDispatchAttempts, translating the terminal wait reason
// into ErrBlocked rather than hanging: with the synchronous devio.Ring every I/O finishes
// within the call, so a WAIT that survives several attempts means real backpressure
// (a full journal, an exhausted sector-buffer pool), not a resource about to free itself.
func (s *Store) run(op *queue.Op) (int, error) {
	var retval int
	var opErr error
	var done bool
	op.Callback = func(rv int, err error) {
		retval, opErr, done = rv, err, true
	}

	opID := s.arena.Register(op)
	s.queue.Enqueue(op)
	defer s.refreshGauges()

	opcode := op.Opcode.String()
	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		if attempt > 0 {
			s.tracer.Resumed(opID, opcode)
		}
		if _, err := s.dispatcher.DispatchPass(); err != nil {
			s.arena.Release(opID)
			return 0, err
		}
		if done {
			s.arena.Release(opID)
			s.tracer.Completed(opID, opcode, opErr)
			return retval, opErr
		}

		reason, detail, waiting := s.dispatcher.PendingWait()
		if !waiting {
			// The op is still enqueued but not at the head, or the queue reports no wait:
			// give the dispatcher another pass rather than concluding it is stuck.
			continue
		}
		s.metrics.RecordWait(reason.String())
		s.tracer.Parked(opID, opcode, reason.String(), detail)
	}

	reason, detail, _ := s.dispatcher.PendingWait()
	s.arena.Release(opID)
	return 0, errors.Wrapf(ErrBlocked, "%s stalled on %s (detail=%d)", opcode, reason, detail)
}

// refreshGauges updates the point-in-time metrics that have no natural per-event hook.
func (s *Store) refreshGauges() {
	s.metrics.SetQueueDepth(s.queue.Len())
	s.metrics.SetInFlightOps(s.arena.Len())
	s.metrics.SetJournal(s.rring.Len-s.rring.Free(), s.rring.Free())
	s.metrics.SetBitmap(s.bitmap.Total(), s.bitmap.Free())
	s.metrics.SetIndexSizes(s.dirty.Len(), s.clean.Len())
}
