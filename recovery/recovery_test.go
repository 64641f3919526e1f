package recovery_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/config"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/journalw"
	"github.com/outofforest/blockstore/oid"
	"github.com/outofforest/blockstore/recovery"
	"github.com/outofforest/blockstore/wire/journal"
	metadatav0 "github.com/outofforest/blockstore/wire/metadata/v0"
)

const (
	blockSize  = 4096
	nBlocks    = 4
	journalLen = 512 * 64
)

func testCfg() config.Config {
	return config.Config{BlockSize: blockSize, JournalLen: journalLen}
}

func newDevices() (data, meta, jdev *devio.MemDevice) {
	return devio.NewMemDevice(blockSize * nBlocks),
		devio.NewMemDevice(metadatav0.Size * nBlocks),
		devio.NewMemDevice(journalLen)
}

func TestFormatThenOpenIsEmpty(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	deviceID, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)
	requireT.NotZero(deviceID.String())

	res, err := recovery.Open(data, meta, jdev, testCfg())
	requireT.NoError(err)
	requireT.Equal(deviceID, res.DeviceID)
	requireT.Equal(0, res.Clean.Len())
	requireT.Equal(0, res.Dirty.Len())
	requireT.EqualValues(nBlocks, res.Bitmap.Total())
	requireT.EqualValues(nBlocks, res.Bitmap.Free())
}

func TestFormatRefusesToOverwriteByDefault(t *testing.T) {
	requireT := require.New(t)
	_, meta, jdev := newDevices()

	_, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)

	_, err = recovery.Format(jdev, meta, false)
	requireT.ErrorIs(err, recovery.ErrAlreadyFormatted)

	_, err = recovery.Format(jdev, meta, true)
	requireT.NoError(err)
}

func TestOpenRejectsUnformattedDevice(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	_, err := recovery.Open(data, meta, jdev, testCfg())
	requireT.ErrorIs(err, recovery.ErrNotFormatted)
}

// appendAndSync writes entry (plus optional payload) through a journalw.Writer/devio.Ring
// pair and fsyncs the journal device, mirroring what writepath+syncstab do live.
func appendAndSync(t *testing.T, jw *journalw.Writer, dev devio.Device, entry journal.Encoded, payloadLen uint32, payload []byte) journalw.Reservation {
	t.Helper()
	ring := devio.NewRing(8)
	res, err := jw.Append(ring, 1, entry, payloadLen, payload)
	require.NoError(t, err)
	for _, c := range ring.Reap() {
		require.NoError(t, c.Err)
	}
	require.NoError(t, dev.Sync())
	return res
}

func TestRecoverSmallWriteReconstructsDirtyEntry(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	_, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)

	jring := alloc.NewJournalRing(journalLen, journal.SectorSize)
	jw, err := journalw.New(jdev, jring, 4, 0)
	requireT.NoError(err)

	id := oid.New(1, 0)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	ext := journal.SmallWriteExt{OID: id, Version: 1, Offset: 0, Len: uint32(len(payload))}
	encoded := journal.BuildSmallWrite(jw.LastCRC32(), ext)
	appendAndSync(t, jw, jdev, encoded, uint32(len(payload)), payload)

	res, err := recovery.Open(data, meta, jdev, testCfg())
	requireT.NoError(err)

	entry, ok := res.Dirty.Get(id, 1)
	requireT.True(ok)
	requireT.Equal(index.JSynced, entry.State)
	requireT.Equal(uint32(0), entry.Offset)
	requireT.EqualValues(len(payload), entry.Size)

	got := make([]byte, len(payload))
	_, err = jdev.ReadAt(got, int64(entry.Location))
	requireT.NoError(err)
	requireT.Equal(payload, got)
}

func TestRecoverBigWriteReconstructsBitmapAndDirtyState(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	_, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)

	jring := alloc.NewJournalRing(journalLen, journal.SectorSize)
	jw, err := journalw.New(jdev, jring, 4, 0)
	requireT.NoError(err)

	id := oid.New(2, 0)
	ext := journal.BigWriteExt{OID: id, Version: 1, Location: 3}
	encoded := journal.BuildBigWrite(jw.LastCRC32(), ext)
	appendAndSync(t, jw, jdev, encoded, 0, nil)

	res, err := recovery.Open(data, meta, jdev, testCfg())
	requireT.NoError(err)

	entry, ok := res.Dirty.Get(id, 1)
	requireT.True(ok)
	requireT.Equal(index.DMetaSynced, entry.State)
	requireT.Equal(uint64(3), entry.Location)
	requireT.True(res.Bitmap.IsAllocated(3))

	_, ok = res.Clean.Get(id)
	requireT.False(ok, "a big write is not promoted to CURRENT until it is stabilized and moved")
}

func TestRecoverStopsAtCorruptedEntry(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	_, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)

	jring := alloc.NewJournalRing(journalLen, journal.SectorSize)
	jw, err := journalw.New(jdev, jring, 4, 0)
	requireT.NoError(err)

	idA := oid.New(3, 0)
	extA := journal.DeleteExt{OID: idA, Version: 1}
	encodedA := journal.BuildDelete(jw.LastCRC32(), extA)
	appendAndSync(t, jw, jdev, encodedA, 0, nil)

	idB := oid.New(4, 0)
	extB := journal.DeleteExt{OID: idB, Version: 1}
	encodedB := journal.BuildDelete(jw.LastCRC32(), extB)
	resB := appendAndSync(t, jw, jdev, encodedB, 0, nil)

	corrupted := append([]byte(nil), encodedB.Bytes...)
	corrupted[0] ^= 0xff // flip a byte in the stored crc32, invalidating the entry
	_, err = jdev.WriteAt(corrupted, int64(resB.EntryOffset))
	requireT.NoError(err)
	requireT.NoError(jdev.Sync())

	res, err := recovery.Open(data, meta, jdev, testCfg())
	requireT.NoError(err)

	_, ok := res.Dirty.Get(idA, 1)
	requireT.True(ok, "the entry preceding the corruption must survive")
	_, ok = res.Dirty.Get(idB, 1)
	requireT.False(ok, "the corrupted entry must be discarded")
}

// TestReplaySkipsEntrySupersededByClean covers the second half of §4.6's crash-consistency
// requirement: a journal entry whose version has already been moved into the clean index
// (i.e. stabilized, promoted, and committed to metadata) before the crash must not be
// resurrected as a phantom dirty entry, even when its bytes are still sitting in a journal
// sector that replay scans because a still-needed neighboring entry shares that sector.
func TestReplaySkipsEntrySupersededByClean(t *testing.T) {
	requireT := require.New(t)
	data, meta, jdev := newDevices()

	_, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)

	jring := alloc.NewJournalRing(journalLen, journal.SectorSize)
	jw, err := journalw.New(jdev, jring, 4, 0)
	requireT.NoError(err)

	// idX will be promoted to CURRENT out from under its journal entry; idY shares the same
	// sector and is never promoted, so the sector as a whole cannot be skipped by trimming.
	idX := oid.New(10, 0)
	idY := oid.New(11, 0)

	extX := journal.SmallWriteExt{OID: idX, Version: 1, Offset: 0, Len: 8}
	appendAndSync(t, jw, jdev, journal.BuildSmallWrite(jw.LastCRC32(), extX), 8, []byte("old-data"))

	extY := journal.SmallWriteExt{OID: idY, Version: 1, Offset: 0, Len: 8}
	appendAndSync(t, jw, jdev, journal.BuildSmallWrite(jw.LastCRC32(), extY), 8, []byte("y-data!!"))

	// Simulate syncstab having already moved idX's version 1 into the data region and
	// committed its metadata entry, exactly as moveSmallWrite does on the live path.
	rec := metadatav0.Entry{OID: idX, Version: 1, Flags: metadatav0.FlagLive}
	_, err = meta.WriteAt(metadatav0.Bytes(rec), 2*metadatav0.Size)
	requireT.NoError(err)
	requireT.NoError(meta.Sync())

	res, err := recovery.Open(data, meta, jdev, testCfg())
	requireT.NoError(err)

	clean, ok := res.Clean.Get(idX)
	requireT.True(ok)
	requireT.Equal(uint64(1), clean.Version)
	requireT.EqualValues(2, clean.Location)

	_, ok = res.Dirty.Get(idX, 1)
	requireT.False(ok, "a version already promoted to CURRENT must not resurface as a phantom dirty entry")

	entryY, ok := res.Dirty.Get(idY, 1)
	requireT.True(ok, "the still-needed neighboring entry must survive untouched")
	requireT.EqualValues(8, entryY.Size)
}

// TestReopenAfterTrimResumesFromCheckpoint drives a full write/flush/trim/wraparound cycle
// through journalw.Writer directly, then reopens the same devices and checks that recovery
// resumes from the persisted checkpoint rather than the journal's very first sector, per
// §4.6 and §8 Testable Properties 4 and 6.
func TestReopenAfterTrimResumesFromCheckpoint(t *testing.T) {
	requireT := require.New(t)

	const (
		smallBlockSize = 4096
		smallNBlocks   = 4
		// The header sector, one sector of junk, a second sector of real entries, and one
		// more sector of slack for their payloads without any of it needing to wrap.
		smallJournalLen = 512 * 4
	)
	cfg := config.Config{BlockSize: smallBlockSize, JournalLen: smallJournalLen}

	data := devio.NewMemDevice(smallBlockSize * smallNBlocks)
	meta := devio.NewMemDevice(metadatav0.Size * smallNBlocks)
	jdev := devio.NewMemDevice(smallJournalLen)

	_, err := recovery.Format(jdev, meta, false)
	requireT.NoError(err)

	jring := alloc.NewJournalRing(smallJournalLen, journal.SectorSize)
	jw, err := journalw.New(jdev, jring, 2, 0)
	requireT.NoError(err)

	// Fill the first sector completely with 10 DELETE entries (48 bytes each, 480 of 512),
	// then flush it: this sector is pure junk this test intends to trim away entirely.
	var trimmedOIDs []oid.ID
	for i := 0; i < 10; i++ {
		id := oid.New(uint64(100+i), 0)
		trimmedOIDs = append(trimmedOIDs, id)
		ext := journal.DeleteExt{OID: id, Version: 1}
		res := appendAndSync(t, jw, jdev, journal.BuildDelete(jw.LastCRC32(), ext), 0, nil)
		jw.FlushSector(res.SectorSeq)
	}

	// The next entry no longer fits and rotates into the second sector: a SMALL_WRITE whose
	// version gets promoted to CURRENT below, before the journal bytes carrying it are ever
	// trimmed past, followed by a few DELETEs that are never promoted, then a SMALL_WRITE that
	// stays dirty. All three kinds share the same sector, so trim cannot discard any of it.
	stale := oid.New(50, 0)
	staleExt := journal.SmallWriteExt{OID: stale, Version: 1, Offset: 0, Len: 8}
	staleRes := appendAndSync(t, jw, jdev, journal.BuildSmallWrite(jw.LastCRC32(), staleExt), 8, []byte("old-data"))
	requireT.EqualValues(1, staleRes.SectorSeq, "the stale write must land in the second sector")

	var survivingOIDs []oid.ID
	for i := 0; i < 3; i++ {
		id := oid.New(uint64(300+i), 0)
		survivingOIDs = append(survivingOIDs, id)
		ext := journal.DeleteExt{OID: id, Version: 1}
		appendAndSync(t, jw, jdev, journal.BuildDelete(jw.LastCRC32(), ext), 0, nil)
	}

	current := oid.New(999, 0)
	currentPayload := []byte("current!")
	currentExt := journal.SmallWriteExt{OID: current, Version: 1, Offset: 0, Len: uint32(len(currentPayload))}
	appendAndSync(t, jw, jdev, journal.BuildSmallWrite(jw.LastCRC32(), currentExt), uint32(len(currentPayload)), currentPayload)

	// Simulate syncstab having already stabilized and moved the stale write's version into
	// CURRENT before the crash, while the sector that carried it is still needed for the
	// surviving deletes and the still-dirty write that came after it.
	rec := metadatav0.Entry{OID: stale, Version: 1, Flags: metadatav0.FlagLive}
	_, err = meta.WriteAt(metadatav0.Bytes(rec), 1*metadatav0.Size)
	requireT.NoError(err)
	requireT.NoError(meta.Sync())

	requireT.NoError(jw.Trim(jw.NextSeq()))
	requireT.Greater(jw.Ring().UsedStart, uint64(journal.SectorSize),
		"trim must have advanced the checkpoint past the very first sector")

	result, err := recovery.Open(data, meta, jdev, cfg)
	requireT.NoError(err)

	requireT.Greater(result.JournalRing.UsedStart, uint64(journal.SectorSize),
		"reopening must seed the ring from the persisted checkpoint, not the first sector")

	for _, id := range trimmedOIDs {
		_, ok := result.Dirty.Get(id, 1)
		requireT.False(ok, "entries in the trimmed-past sector must not be replayed")
	}

	clean, ok := result.Clean.Get(stale)
	requireT.True(ok)
	requireT.Equal(uint64(1), clean.Version)
	_, ok = result.Dirty.Get(stale, 1)
	requireT.False(ok, "a version already promoted to CURRENT must not resurface as a phantom dirty entry")

	for _, id := range survivingOIDs {
		_, ok := result.Dirty.Get(id, 1)
		requireT.True(ok, "entries in the sector kept by trim must still be reconstructed")
	}

	entry, ok := result.Dirty.Get(current, 1)
	requireT.True(ok, "the write made after the trim must survive the reopen")
	requireT.Equal(index.JSynced, entry.State)
	got := make([]byte, len(currentPayload))
	_, err = jdev.ReadAt(got, int64(entry.Location))
	requireT.NoError(err)
	requireT.Equal(currentPayload, got, "the checkpoint's CRC chain must still verify")
}
