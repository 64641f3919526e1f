// Package journal defines the on-disk binary layout of journal entries and
// the leading header sector, all little-endian per §6 of the design.
package journal

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/oid"
)

// SectorSize is the size of a journal sector; entries never cross a sector boundary.
const SectorSize = 512

// Magic distinguishes valid entries from stale bytes left over from a prior journal generation.
const Magic uint32 = 0x53544a31 // "STJ1"

// HeaderMagic distinguishes a formatted journal from an unformatted device.
const HeaderMagic uint32 = 0x53544a48 // "STJH"

// EntryType is the discriminant of a journal entry.
type EntryType uint32

// Entry types.
const (
	SmallWrite EntryType = iota + 1
	BigWrite
	Delete
	Sync
	Stable
	Rollback
)

// Header is the common 24-byte prefix of every journal entry.
type Header struct {
	CRC32     uint32
	Magic     uint32
	Type      EntryType
	Size      uint32
	CRC32Prev uint32
	Reserved  uint32
}

// HeaderSize is the fixed size in bytes of Header.
const HeaderSize = 24

// SmallWriteExt is the fixed extension of a SMALL_WRITE entry: {oid(16), version(8), offset(4), len(4)}.
// The len-byte payload is not part of this struct or of the entry's sector: it is written at its own
// journal ring reservation, taken after the sector and after any earlier payloads.
type SmallWriteExt struct {
	OID     oid.ID
	Version uint64
	Offset  uint32
	Len     uint32
}

// BigWriteExt is the fixed extension of a BIG_WRITE entry: {oid(16), version(8), location(8)}.
type BigWriteExt struct {
	OID      oid.ID
	Version  uint64
	Location uint64
}

// DeleteExt is the fixed extension of a DELETE entry: {oid(16), version(8)}.
type DeleteExt struct {
	OID     oid.ID
	Version uint64
}

// SectorHeader is the leading 512-byte header sector of the journal region. DeviceID
// identifies the formatted device instance (SPEC_FULL.md §B), replacing the
// teacher's ad hoc StormID scheme with a proper UUID generated once at format time.
type SectorHeader struct {
	Magic       uint32
	Version     uint32
	CRC32       uint32
	StartOffset uint64
	StartCRC32  uint32
	DeviceID    uuid.UUID
}

// SectorHeaderSize is the on-disk size of the fields SectorHeader carries; the remainder of the
// leading sector up to SectorSize is reserved padding.
const SectorHeaderSize = 24 + 16

// HeaderView wraps a byte slice of exactly HeaderSize bytes as a Header, zero-copy.
func HeaderView(b []byte) *photon.Union[Header] {
	return photon.NewFromBytes[Header](b)
}

// HeaderBytes returns the HeaderSize-byte encoding of h.
func HeaderBytes(h Header) []byte {
	return photon.NewFromValue(&h).Bytes
}

// SmallWriteExtBytes returns the fixed-size encoding of ext.
func SmallWriteExtBytes(ext SmallWriteExt) []byte {
	return photon.NewFromValue(&ext).Bytes
}

// SmallWriteExtView wraps a byte slice as a SmallWriteExt, zero-copy.
func SmallWriteExtView(b []byte) *photon.Union[SmallWriteExt] {
	return photon.NewFromBytes[SmallWriteExt](b)
}

// BigWriteExtBytes returns the fixed-size encoding of ext.
func BigWriteExtBytes(ext BigWriteExt) []byte {
	return photon.NewFromValue(&ext).Bytes
}

// BigWriteExtView wraps a byte slice as a BigWriteExt, zero-copy.
func BigWriteExtView(b []byte) *photon.Union[BigWriteExt] {
	return photon.NewFromBytes[BigWriteExt](b)
}

// DeleteExtBytes returns the fixed-size encoding of ext.
func DeleteExtBytes(ext DeleteExt) []byte {
	return photon.NewFromValue(&ext).Bytes
}

// DeleteExtView wraps a byte slice as a DeleteExt, zero-copy.
func DeleteExtView(b []byte) *photon.Union[DeleteExt] {
	return photon.NewFromBytes[DeleteExt](b)
}

// SectorHeaderBytes returns a SectorSize-byte buffer with the sector header fields encoded at the front.
func SectorHeaderBytes(h SectorHeader) []byte {
	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC32)
	binary.LittleEndian.PutUint64(buf[12:20], h.StartOffset)
	binary.LittleEndian.PutUint32(buf[20:24], h.StartCRC32)
	copy(buf[24:40], h.DeviceID[:])
	return buf
}

// DecodeSectorHeader parses the leading header sector, which must be at least SectorHeaderSize bytes.
func DecodeSectorHeader(b []byte) (SectorHeader, error) {
	if len(b) < SectorHeaderSize {
		return SectorHeader{}, errors.Errorf("journal header sector too short: %d bytes", len(b))
	}
	h := SectorHeader{
		Magic:       binary.LittleEndian.Uint32(b[0:4]),
		Version:     binary.LittleEndian.Uint32(b[4:8]),
		CRC32:       binary.LittleEndian.Uint32(b[8:12]),
		StartOffset: binary.LittleEndian.Uint64(b[12:20]),
		StartCRC32:  binary.LittleEndian.Uint32(b[20:24]),
	}
	copy(h.DeviceID[:], b[24:40])
	return h, nil
}

// VersionRef is one (oid, version) pair as carried by STABLE/ROLLBACK entries.
type VersionRef struct {
	OID     oid.ID
	Version uint64
}

const versionRefSize = 24 // oid(16) + version(8)

// EncodeVersionRefs encodes a STABLE/ROLLBACK extension: {count(4), (oid,version)[count]}.
func EncodeVersionRefs(refs []VersionRef) []byte {
	buf := make([]byte, 4+len(refs)*versionRefSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(refs)))
	off := 4
	for _, r := range refs {
		binary.LittleEndian.PutUint64(buf[off:off+8], r.OID.Inode)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.OID.Stripe)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], r.Version)
		off += versionRefSize
	}
	return buf
}

// DecodeVersionRefs parses a STABLE/ROLLBACK extension previously produced by EncodeVersionRefs.
func DecodeVersionRefs(b []byte) ([]VersionRef, error) {
	if len(b) < 4 {
		return nil, errors.New("truncated version-ref list: missing count")
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	need := 4 + int(count)*versionRefSize
	if len(b) < need {
		return nil, errors.Errorf("truncated version-ref list: need %d bytes, have %d", need, len(b))
	}
	refs := make([]VersionRef, count)
	off := 4
	for i := range refs {
		refs[i] = VersionRef{
			OID: oid.ID{
				Inode:  binary.LittleEndian.Uint64(b[off : off+8]),
				Stripe: binary.LittleEndian.Uint64(b[off+8 : off+16]),
			},
			Version: binary.LittleEndian.Uint64(b[off+16 : off+24]),
		}
		off += versionRefSize
	}
	return refs, nil
}

// ExtSize returns the fixed extension size in bytes for entry types with a fixed extension.
// STABLE and ROLLBACK are variable-length and are not covered here.
func ExtSize(t EntryType) (int, bool) {
	switch t {
	case SmallWrite:
		return int(photonSize[SmallWriteExt]()), true
	case BigWrite:
		return int(photonSize[BigWriteExt]()), true
	case Delete:
		return int(photonSize[DeleteExt]()), true
	case Sync:
		return 0, true
	default:
		return 0, false
	}
}

func photonSize[T comparable]() uintptr {
	var v T
	return uintptr(len(photon.NewFromValue(&v).Bytes))
}
