// Package recovery formats a fresh device set and reconstructs the in-memory indices from an
// existing one at startup, grounded on persistence.Initialize/persistence.OpenStore's
// validate-then-load shape: format writes a header sector once, open validates it and replays
// forward from it, per §4.6.
package recovery

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/devio"
	"github.com/outofforest/blockstore/wire/journal"
)

// ErrAlreadyFormatted is returned by Format when the journal device already carries a valid
// header sector and overwrite was not requested, mirroring persistence.ErrAlreadyInitialized.
var ErrAlreadyFormatted = errors.New("journal device is already formatted")

// Format writes a fresh journal header sector carrying a newly generated device identity, and
// zeroes the metadata region so every block starts free. It returns the generated DeviceID.
func Format(journalDev, metaDev devio.Device, overwrite bool) (uuid.UUID, error) {
	if _, err := readHeader(journalDev); err == nil && !overwrite {
		return uuid.UUID{}, errors.WithStack(ErrAlreadyFormatted)
	}

	deviceID := uuid.New()
	header := journal.SectorHeader{
		Magic:       journal.HeaderMagic,
		Version:     1,
		StartOffset: journal.SectorSize,
		StartCRC32:  0,
		DeviceID:    deviceID,
	}
	if _, err := journalDev.WriteAt(journal.SectorHeaderBytes(header), 0); err != nil {
		return uuid.UUID{}, errors.WithStack(err)
	}
	if err := journalDev.Sync(); err != nil {
		return uuid.UUID{}, errors.WithStack(err)
	}

	if err := zeroRegion(metaDev); err != nil {
		return uuid.UUID{}, err
	}
	if err := metaDev.Sync(); err != nil {
		return uuid.UUID{}, errors.WithStack(err)
	}

	return deviceID, nil
}

func zeroRegion(dev devio.Device) error {
	const chunk = 1 << 20
	zero := make([]byte, chunk)
	size := dev.Size()
	for off := int64(0); off < size; off += chunk {
		n := chunk
		if off+int64(n) > size {
			n = int(size - off)
		}
		if _, err := dev.WriteAt(zero[:n], off); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
