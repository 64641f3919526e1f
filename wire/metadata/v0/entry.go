// Package v0 defines the on-disk layout of the metadata region.
//
// The metadata region is a densely packed array of 32-byte entries, one per
// data-region block; an entry's position is the block index it describes.
package v0

import (
	"github.com/outofforest/photon"

	"github.com/outofforest/blockstore/oid"
)

// Flags on a clean entry.
const (
	// FlagLive marks the entry as describing a currently allocated block.
	FlagLive uint8 = 1 << iota
	// FlagTombstone marks the entry as a retired block awaiting reuse.
	FlagTombstone
)

// Entry is the 32-byte on-disk clean-entry record: {oid(16), version(8), flags(1), reserved(7)}.
type Entry struct {
	OID     oid.ID
	Version uint64
	Flags   uint8
	_       [7]byte
}

// Size is the fixed on-disk size of Entry in bytes.
const Size = 32

// IsFree reports whether the entry denotes a free block (all-zero on disk).
func (e Entry) IsFree() bool {
	return e.Flags&FlagLive == 0
}

// View wraps a byte slice of exactly Size bytes as an Entry, zero-copy.
func View(b []byte) *photon.Union[Entry] {
	return photon.NewFromBytes[Entry](b)
}

// Bytes returns the Size-byte encoding of e.
func Bytes(e Entry) []byte {
	return photon.NewFromValue(&e).Bytes
}
