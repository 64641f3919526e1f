package recovery

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/alloc"
	"github.com/outofforest/blockstore/config"
	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/index"
	"github.com/outofforest/blockstore/wire/journal"
	metadatav0 "github.com/outofforest/blockstore/wire/metadata/v0"
)

// ErrNotFormatted is returned by Open when the journal device carries no valid header sector,
// mirroring persistence.OpenStore's validateSingularityBlock failure.
var ErrNotFormatted = errors.New("journal device is not formatted")

// Result is the reconstructed in-memory state an Open call hands to the running engine.
type Result struct {
	Clean       *index.CleanIndex
	Dirty       *index.DirtyIndex
	Bitmap      *alloc.Bitmap
	JournalRing *alloc.JournalRing
	DeviceID    uuid.UUID
	LastCRC32   uint32
}

// Open validates the journal device's header sector, scans the metadata region to reconstruct
// the clean index and allocator, then replays the journal forward to reconstruct the dirty
// index, per §4.6.
func Open(dataDev, metaDev, journalDev devio.Device, cfg config.Config) (*Result, error) {
	header, err := readHeader(journalDev)
	if err != nil {
		return nil, err
	}

	nBlocks := uint64(dataDev.Size() / cfg.BlockSize)
	bitmap := alloc.NewBitmap(nBlocks)
	clean := index.NewCleanIndex()
	if err := scanMetadata(metaDev, nBlocks, clean, bitmap); err != nil {
		return nil, err
	}

	dirty := index.NewDirtyIndex()
	// Resume from the checkpoint the last live session's trim recorded, not a hard-coded
	// sectorSize: once the ring has wrapped, replay must reconstruct the CRC chain and ring
	// reservations from wherever UsedStart actually was, not from the very first sector,
	// which may long since have been overwritten (§4.6).
	ring := alloc.NewJournalRingAt(cfg.JournalLen, journal.SectorSize, header.StartOffset)
	lastCRC32, err := replayJournal(journalDev, ring, header, dirty, clean, bitmap, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	return &Result{
		Clean:       clean,
		Dirty:       dirty,
		Bitmap:      bitmap,
		JournalRing: ring,
		DeviceID:    header.DeviceID,
		LastCRC32:   lastCRC32,
	}, nil
}

// readHeader loads and validates the leading journal header sector.
func readHeader(journalDev devio.Device) (journal.SectorHeader, error) {
	buf := make([]byte, journal.SectorSize)
	if _, err := journalDev.ReadAt(buf, 0); err != nil {
		return journal.SectorHeader{}, errors.WithStack(err)
	}
	h, err := journal.DecodeSectorHeader(buf)
	if err != nil {
		return journal.SectorHeader{}, err
	}
	if h.Magic != journal.HeaderMagic {
		return journal.SectorHeader{}, errors.WithStack(ErrNotFormatted)
	}
	return h, nil
}

// scanMetadata reads the densely packed metadata array sequentially, seeding the clean index
// and the bitmap allocator from every non-free entry (§4.6, §6).
func scanMetadata(dev devio.Device, nBlocks uint64, clean *index.CleanIndex, bitmap *alloc.Bitmap) error {
	buf := make([]byte, metadatav0.Size)
	for block := uint64(0); block < nBlocks; block++ {
		if _, err := dev.ReadAt(buf, int64(block)*metadatav0.Size); err != nil {
			return errors.WithStack(err)
		}
		rec := metadatav0.View(buf).Value
		if rec.IsFree() {
			continue
		}
		bitmap.MarkAllocated(block)
		clean.Set(rec.OID, index.CleanEntry{Version: rec.Version, Location: block})
	}
	return nil
}
