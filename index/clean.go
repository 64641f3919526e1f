package index

import "github.com/outofforest/blockstore/oid"

// CleanEntry is the single committed version of an object, along with its location in the
// data region.
type CleanEntry struct {
	Version  uint64
	Location uint64 // block index in the data region
}

// CleanIndex maps an object id to its single committed version, if any. Per §5 the engine
// is single-threaded cooperative: every access happens on the event loop, so this index
// carries no locking.
type CleanIndex struct {
	entries map[oid.ID]CleanEntry
}

// NewCleanIndex returns an empty clean index.
func NewCleanIndex() *CleanIndex {
	return &CleanIndex{entries: make(map[oid.ID]CleanEntry)}
}

// Get returns the clean entry for id, if any.
func (idx *CleanIndex) Get(id oid.ID) (CleanEntry, bool) {
	e, ok := idx.entries[id]
	return e, ok
}

// Set installs or replaces the clean entry for id, returning the entry it replaced, if any.
// Callers are responsible for returning a replaced entry's block to the allocator in the
// same atomic metadata update, per §3's invariant on retiring the prior CURRENT.
func (idx *CleanIndex) Set(id oid.ID, e CleanEntry) (CleanEntry, bool) {
	prev, existed := idx.entries[id]
	idx.entries[id] = e
	return prev, existed
}

// Delete removes the clean entry for id, returning the entry removed, if any.
func (idx *CleanIndex) Delete(id oid.ID) (CleanEntry, bool) {
	prev, existed := idx.entries[id]
	delete(idx.entries, id)
	return prev, existed
}

// Len returns the number of live clean entries.
func (idx *CleanIndex) Len() int {
	return len(idx.entries)
}

// Snapshot returns a copy of the entire clean index, used by fsck and recovery-idempotence
// checks (§8 property 4) to compare successive recovery runs.
func (idx *CleanIndex) Snapshot() map[oid.ID]CleanEntry {
	out := make(map[oid.ID]CleanEntry, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}
