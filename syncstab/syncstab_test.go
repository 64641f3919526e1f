package syncstab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/oid"
	"github.com/outofforest/blockstore/queue"
	"github.com/outofforest/blockstore/syncstab"
	metadatav0 "github.com/outofforest/blockstore/wire/metadata/v0"
	"github.com/outofforest/blockstore/writepath"
)

const (
	blockSize = 4096
	alignment = 512
	nBlocks   = 4
)

type harness struct {
	clean   *index.CleanIndex
	dirty   *index.DirtyIndex
	bitmap  *alloc.Bitmap
	journal *journalw.Writer
	data    *devio.MemDevice
	jdev    *devio.MemDevice
	meta    *devio.MemDevice
	ring    *devio.Ring
	write   *writepath.Handler
	sync    *syncstab.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithJournal(t, 512*64, 4)
}

// newHarnessWithJournal builds a harness over a journal region of exactly journalLen bytes
// with bufferCount in-memory sector buffers, so tests that need to exhaust the ring (rather
// than the default generously-sized one) can size it precisely.
func newHarnessWithJournal(t *testing.T, journalLen uint64, bufferCount int) *harness {
	t.Helper()

	jring := alloc.NewJournalRing(journalLen, 512)
	jdev := devio.NewMemDevice(int64(journalLen))
	jw, err := journalw.New(jdev, jring, bufferCount, 0)
	require.NoError(t, err)

	clean := index.NewCleanIndex()
	dirty := index.NewDirtyIndex()
	bitmap := alloc.NewBitmap(nBlocks)
	data := devio.NewMemDevice(blockSize * nBlocks)
	meta := devio.NewMemDevice(metadatav0.Size * nBlocks)

	return &harness{
		clean:   clean,
		dirty:   dirty,
		bitmap:  bitmap,
		journal: jw,
		data:    data,
		jdev:    jdev,
		meta:    meta,
		ring:    devio.NewRing(32),
		write: &writepath.Handler{
			Clean:      clean,
			Dirty:      dirty,
			Bitmap:     bitmap,
			Journal:    jw,
			DataDevice: data,
			BlockSize:  blockSize,
			Alignment:  alignment,
		},
		sync: &syncstab.Handler{
			Clean:      clean,
			Dirty:      dirty,
			Bitmap:     bitmap,
			Journal:    jw,
			DataDevice: data,
			JournalDev: jdev,
			MetaDevice: meta,
			BlockSize:  blockSize,
		},
	}
}

func (h *harness) dispatchWrite(t *testing.T, id oid.ID, version uint64, offset, length uint32, buf []byte) {
	t.Helper()
	require.NoError(t, h.write.Validate(id, version, offset, length))
	require.NoError(t, h.write.InsertDirty(id, version, offset, length))

	op := &queue.Op{ID: version, Opcode: queue.OpWrite, OID: id, Version: version, Offset: offset, Len: length, Buf: buf}
	outcome, err := h.write.TryDispatch(op, h.ring)
	require.NoError(t, err)
	require.True(t, outcome.Done)
}

func (h *harness) dispatchDelete(t *testing.T, id oid.ID, version uint64) {
	t.Helper()
	require.NoError(t, h.write.Validate(id, version, 0, 0))
	require.NoError(t, h.write.InsertDirty(id, version, 0, 0))

	op := &queue.Op{ID: version, Opcode: queue.OpDelete, OID: id, Version: version}
	outcome, err := h.write.TryDispatch(op, h.ring)
	require.NoError(t, err)
	require.True(t, outcome.Done)
}

func (h *harness) dispatchSync(t *testing.T) {
	t.Helper()
	var retval int
	var cbErr error
	op := &queue.Op{ID: 100, Opcode: queue.OpSync, Callback: func(rv int, e error) { retval, cbErr = rv, e }}
	outcome, err := h.sync.TryDispatch(op, h.ring)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	require.NoError(t, cbErr)
	_ = retval
}

func (h *harness) dispatchStabilize(t *testing.T, refs ...queue.VersionRef) (int, error) {
	t.Helper()
	var retval int
	var cbErr error
	op := &queue.Op{ID: 200, Opcode: queue.OpStabilize, Refs: refs, Callback: func(rv int, e error) { retval, cbErr = rv, e }}
	outcome, err := h.sync.TryDispatch(op, h.ring)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	return retval, cbErr
}

func TestSmallWriteLifecycle(t *testing.T) {
	h := newHarness(t)
	id := oid.New(1, 0)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	h.dispatchWrite(t, id, 1, 0, 512, payload)

	entry, ok := h.dirty.Get(id, 1)
	require.True(t, ok)
	require.Equal(t, index.JWritten, entry.State)

	h.dispatchSync(t)
	entry, ok = h.dirty.Get(id, 1)
	require.True(t, ok)
	require.Equal(t, index.JSynced, entry.State)

	_, err := h.dispatchStabilize(t, queue.VersionRef{OID: id, Version: 1})
	require.NoError(t, err)

	_, ok = h.dirty.Get(id, 1)
	require.False(t, ok, "dirty entry should be promoted away after stabilize")

	clean, ok := h.clean.Get(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), clean.Version)

	got := make([]byte, 512)
	_, err = h.data.ReadAt(got, int64(clean.Location)*blockSize)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestBigWriteLifecycle(t *testing.T) {
	h := newHarness(t)
	id := oid.New(2, 0)
	payload := make([]byte, blockSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	h.dispatchWrite(t, id, 1, 0, blockSize, payload)

	entry, ok := h.dirty.Get(id, 1)
	require.True(t, ok)
	require.Equal(t, index.DWritten, entry.State)
	block := entry.Location

	h.dispatchSync(t)
	entry, ok = h.dirty.Get(id, 1)
	require.True(t, ok)
	require.Equal(t, index.DMetaSynced, entry.State)

	_, err := h.dispatchStabilize(t, queue.VersionRef{OID: id, Version: 1})
	require.NoError(t, err)

	_, ok = h.dirty.Get(id, 1)
	require.False(t, ok)

	clean, ok := h.clean.Get(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), clean.Version)
	require.Equal(t, block, clean.Location)

	rec := metadatav0.View(readMeta(t, h, block))
	require.False(t, rec.Value.IsFree())
	require.Equal(t, id, rec.Value.OID)
}

func TestStabilizeUnknownVersionFails(t *testing.T) {
	h := newHarness(t)
	id := oid.New(3, 0)

	_, err := h.dispatchStabilize(t, queue.VersionRef{OID: id, Version: 1})
	require.ErrorIs(t, err, syncstab.ErrNotFound)
}

func TestStabilizeUnsyncedVersionFails(t *testing.T) {
	h := newHarness(t)
	id := oid.New(4, 0)
	require.NoError(t, h.write.Validate(id, 1, 0, 512))
	require.NoError(t, h.write.InsertDirty(id, 1, 0, 512))

	_, err := h.dispatchStabilize(t, queue.VersionRef{OID: id, Version: 1})
	require.ErrorIs(t, err, syncstab.ErrNotSynced)
}

// TestSmallWriteBlockReuseZerosStaleTail covers the block-reuse scenario from the review:
// object A occupies a block with a full-block big write, is deleted and its block freed,
// then a smaller small write for a brand-new object B reuses that exact block (the bitmap
// always hands back the lowest-index free block first). B's uncovered tail must read back
// as zero, not A's leftover bytes, since moveSmallWrite is responsible for zeroing both the
// prefix and the suffix of a freshly allocated block before it is ever exposed as CURRENT.
func TestSmallWriteBlockReuseZerosStaleTail(t *testing.T) {
	h := newHarness(t)
	idA := oid.New(10, 0)
	fillA := make([]byte, blockSize)
	for i := range fillA {
		fillA[i] = 0xAB
	}

	h.dispatchWrite(t, idA, 1, 0, blockSize, fillA)
	h.dispatchSync(t)
	_, err := h.dispatchStabilize(t, queue.VersionRef{OID: idA, Version: 1})
	require.NoError(t, err)

	cleanA, ok := h.clean.Get(idA)
	require.True(t, ok)
	block := cleanA.Location

	h.dispatchDelete(t, idA, 2)
	h.dispatchSync(t)
	_, err = h.dispatchStabilize(t, queue.VersionRef{OID: idA, Version: 2})
	require.NoError(t, err)

	_, ok = h.clean.Get(idA)
	require.False(t, ok, "object should no longer exist in the clean index after its delete is moved")

	idB := oid.New(11, 0)
	payloadB := make([]byte, 512)
	for i := range payloadB {
		payloadB[i] = byte(i + 1)
	}
	h.dispatchWrite(t, idB, 1, 0, 512, payloadB)
	h.dispatchSync(t)
	_, err = h.dispatchStabilize(t, queue.VersionRef{OID: idB, Version: 1})
	require.NoError(t, err)

	cleanB, ok := h.clean.Get(idB)
	require.True(t, ok)
	require.Equal(t, block, cleanB.Location, "the freed block should be the next one the bitmap allocates")

	got := make([]byte, blockSize)
	_, err = h.data.ReadAt(got, int64(cleanB.Location)*blockSize)
	require.NoError(t, err)
	require.Equal(t, payloadB, got[:512])

	for i, b := range got[512:] {
		require.Equalf(t, byte(0), b, "byte %d of reused block's uncovered tail should be zero, got %#x (stale bytes from object A)", 512+i, b)
	}
}

// TestJournalFillTriggersWaitThenTrimUnblocks covers scenario S5: once the journal ring has
// no room left for a write's payload, the write is parked with WAIT_FOR JOURNAL instead of
// failing outright; a subsequent sync+stabilize of already-durable versions moves their
// payloads out of the journal and trims the ring, and the parked write then succeeds on
// retry without any further intervention.
func TestJournalFillTriggersWaitThenTrimUnblocks(t *testing.T) {
	// One header sector, two sectors' worth of entry-header space, and two sectors' worth of
	// payload space: just enough room for ten deletes, two small writes, and their payloads,
	// with nothing left over for a third write's payload.
	h := newHarnessWithJournal(t, 512*5, 4)

	for i := 0; i < 10; i++ {
		h.dispatchDelete(t, oid.New(uint64(1000+i), 0), 1)
	}

	idW1 := oid.New(2000, 0)
	payload1 := make([]byte, 512)
	for i := range payload1 {
		payload1[i] = byte(i + 1)
	}
	h.dispatchWrite(t, idW1, 1, 0, 512, payload1)

	idW2 := oid.New(2001, 0)
	payload2 := make([]byte, 512)
	for i := range payload2 {
		payload2[i] = byte(i + 2)
	}
	h.dispatchWrite(t, idW2, 1, 0, 512, payload2)

	// A third write's payload no longer fits: it must park on WAIT_FOR JOURNAL rather than
	// error out.
	idW3 := oid.New(2002, 0)
	payload3 := make([]byte, 512)
	for i := range payload3 {
		payload3[i] = byte(i + 3)
	}
	require.NoError(t, h.write.Validate(idW3, 1, 0, 512))
	require.NoError(t, h.write.InsertDirty(idW3, 1, 0, 512))
	op3 := &queue.Op{ID: 3000, Opcode: queue.OpWrite, OID: idW3, Version: 1, Offset: 0, Len: 512, Buf: payload3}
	outcome, err := h.write.TryDispatch(op3, h.ring)
	require.NoError(t, err)
	require.False(t, outcome.Done)
	require.Equal(t, queue.WaitJournal, outcome.Wait)

	// Sync and stabilize everything durable so far: the ten deletes and the two small
	// writes. This moves the writes' payloads into the data region and the deletes' (absent)
	// clean entries out of existence, freeing the journal sectors and bytes they occupied.
	h.dispatchSync(t)

	refs := make([]queue.VersionRef, 0, 12)
	for i := 0; i < 10; i++ {
		refs = append(refs, queue.VersionRef{OID: oid.New(uint64(1000+i), 0), Version: 1})
	}
	refs = append(refs, queue.VersionRef{OID: idW1, Version: 1}, queue.VersionRef{OID: idW2, Version: 1})
	_, err = h.dispatchStabilize(t, refs...)
	require.NoError(t, err)

	require.Greater(t, h.journal.Ring().Free(), uint64(0), "trim should have reclaimed journal space")

	// The parked write now has room and should dispatch cleanly on retry.
	outcome, err = h.write.TryDispatch(op3, h.ring)
	require.NoError(t, err)
	require.True(t, outcome.Done)

	_, ok := h.clean.Get(idW3)
	require.False(t, ok, "W3 is only J_WRITTEN so far, not yet promoted")

	entry, ok := h.dirty.Get(idW3, 1)
	require.True(t, ok)
	require.Equal(t, index.JWritten, entry.State)
}

func readMeta(t *testing.T, h *harness, block uint64) []byte {
	t.Helper()
	buf := make([]byte, metadatav0.Size)
	_, err := h.meta.ReadAt(buf, int64(block)*metadatav0.Size)
	require.NoError(t, err)
	return buf
}
