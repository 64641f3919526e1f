// Package oid defines the object identifier used throughout the blockstore.
package oid

import "fmt"

// ShardMask isolates the low 4 bits of Stripe carrying the replica/shard index.
const ShardMask = 0xf

// ID identifies an object as the pair (Inode, Stripe). The low 4 bits of Stripe
// encode a replica/shard index; the full 128-bit tuple is compared lexicographically,
// Inode first.
type ID struct {
	Inode  uint64
	Stripe uint64
}

// New returns the object id for the given inode and stripe.
func New(inode, stripe uint64) ID {
	return ID{Inode: inode, Stripe: stripe}
}

// Shard returns the replica/shard index encoded in the low 4 bits of Stripe.
func (id ID) Shard() uint64 {
	return id.Stripe & ShardMask
}

// Less reports whether id sorts before other under lexicographic (Inode, Stripe) order.
func (id ID) Less(other ID) bool {
	if id.Inode != other.Inode {
		return id.Inode < other.Inode
	}
	return id.Stripe < other.Stripe
}

// Compare returns -1, 0 or 1 as id is less than, equal to, or greater than other.
func (id ID) Compare(other ID) int {
	switch {
	case id.Less(other):
		return -1
	case other.Less(id):
		return 1
	default:
		return 0
	}
}

// String returns a human-readable representation, used only for logs and errors.
func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.Inode, id.Stripe)
}

// VersionedID pairs an object id with a specific version, the key of the dirty index.
type VersionedID struct {
	ID      ID
	Version uint64
}

// String returns a human-readable representation, used only for logs and errors.
func (v VersionedID) String() string {
	return fmt.Sprintf("%s@%d", v.ID, v.Version)
}
