package index

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/blockstore/oid"
)

// keyLess orders VersionedIDs by (Inode, Stripe, Version), the deterministic scan order
// SYNC and recovery use so their behavior does not depend on map iteration order.
func keyLess(a, b oid.VersionedID) bool {
	if c := a.ID.Compare(b.ID); c != 0 {
		return c < 0
	}
	return a.Version < b.Version
}

// DirtyEntry is a version still traversing its journal/data lifecycle (§3).
type DirtyEntry struct {
	State  State
	Flags  uint8
	// Location is a byte offset into the journal region (LocationOf(State)==LocationJournal)
	// or a block index into the data region (LocationOf(State)==LocationData).
	Location uint64
	// Offset and Size describe the byte range within the fixed object block this version
	// covers: a sub-range for small writes, the entire block for big writes.
	Offset uint32
	Size   uint32

	// sectorSeq identifies the journal sector this entry's SMALL_WRITE/BIG_WRITE/DELETE
	// entry was written into, so trim can find the usage count to check (§4.4, §8 property 6).
	// Zero for versions promoted before sector tracking was needed by a caller.
	sectorSeq uint64

	// pendingBlock records a data block allocated during a small write's move-on-stabilize
	// step, so a WAIT that interrupts the move does not allocate a second block on retry.
	pendingBlock    uint64
	pendingBlockSet bool
}

// transitions enumerates the only legal State->State moves, per the three lifecycles in §3.
var transitions = map[State][]State{
	InFlight:     {JWritten, DWritten, DelWritten},
	JWritten:     {JSynced},
	JSynced:      {JStable},
	JStable:      {JMoved},
	JMoved:       {JMoveSynced},
	DWritten:     {DSynced},
	DSynced:      {DMetaWritten},
	DMetaWritten: {DMetaSynced},
	DMetaSynced:  {DStable},
	DStable:      {DMetaMoved},
	DMetaMoved:   {DMetaCommitted},
	DelWritten:   {DelSynced},
	DelSynced:    {DelStable},
	DelStable:    {DelMoved},
}

// CanTransition reports whether moving from `from` to `to` is a legal single step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DirtyIndex maps (oid, version) to the dirty entries still traversing the journal/data
// lifecycle, and supports the descending-version iteration the read path needs (§4.3).
// Single-threaded cooperative per §5: no locking.
type DirtyIndex struct {
	entries map[oid.VersionedID]*DirtyEntry
	byOID   map[oid.ID][]uint64 // versions for oid, kept sorted ascending
}

// NewDirtyIndex returns an empty dirty index.
func NewDirtyIndex() *DirtyIndex {
	return &DirtyIndex{
		entries: make(map[oid.VersionedID]*DirtyEntry),
		byOID:   make(map[oid.ID][]uint64),
	}
}

// Insert creates a new dirty entry for (id, version) in state InFlight. version must be
// strictly greater than any version already indexed for id, dirty or clean; callers enforce
// that against the clean index before calling Insert (§4.2).
func (idx *DirtyIndex) Insert(id oid.ID, version uint64, offset, size uint32) (*DirtyEntry, error) {
	key := oid.VersionedID{ID: id, Version: version}
	if _, exists := idx.entries[key]; exists {
		return nil, errors.Errorf("version %d already dirty for %s", version, id)
	}

	e := &DirtyEntry{State: InFlight, Offset: offset, Size: size}
	idx.entries[key] = e

	versions := idx.byOID[id]
	pos := sort.Search(len(versions), func(i int) bool { return versions[i] >= version })
	versions = append(versions, 0)
	copy(versions[pos+1:], versions[pos:])
	versions[pos] = version
	idx.byOID[id] = versions

	return e, nil
}

// Get returns the dirty entry for (id, version), if any.
func (idx *DirtyIndex) Get(id oid.ID, version uint64) (*DirtyEntry, bool) {
	e, ok := idx.entries[oid.VersionedID{ID: id, Version: version}]
	return e, ok
}

// Transition moves the entry for (id, version) from its current state to `to`, failing if
// the move is not a legal single step per the lifecycle tables in §3.
func (idx *DirtyIndex) Transition(id oid.ID, version uint64, to State) error {
	e, ok := idx.Get(id, version)
	if !ok {
		return errors.Errorf("no dirty entry for %s@%d", id, version)
	}
	if !CanTransition(e.State, to) {
		return errors.Errorf("illegal transition for %s@%d: %s -> %s", id, version, e.State, to)
	}
	e.State = to
	return nil
}

// Remove deletes the dirty entry for (id, version), used after terminal promotion to
// CURRENT or after a moved delete retires the object entirely.
func (idx *DirtyIndex) Remove(id oid.ID, version uint64) {
	delete(idx.entries, oid.VersionedID{ID: id, Version: version})

	versions := idx.byOID[id]
	for i, v := range versions {
		if v == version {
			versions = append(versions[:i], versions[i+1:]...)
			break
		}
	}
	if len(versions) == 0 {
		delete(idx.byOID, id)
	} else {
		idx.byOID[id] = versions
	}
}

// VersionsDescending returns the dirty versions of id from newest to oldest, the iteration
// order the read path walks per §4.3 step 1.
func (idx *DirtyIndex) VersionsDescending(id oid.ID) []uint64 {
	versions := idx.byOID[id]
	out := make([]uint64, len(versions))
	for i, v := range versions {
		out[len(versions)-1-i] = v
	}
	return out
}

// HighestVersion returns the newest dirty version known for id, if any.
func (idx *DirtyIndex) HighestVersion(id oid.ID) (uint64, bool) {
	versions := idx.byOID[id]
	if len(versions) == 0 {
		return 0, false
	}
	return versions[len(versions)-1], true
}

// Len returns the number of dirty entries across all objects.
func (idx *DirtyIndex) Len() int {
	return len(idx.entries)
}

// Keys returns every (oid, version) currently dirty, sorted by (Inode, Stripe, Version) for
// deterministic scans (SYNC's unsynced-group collection, recovery replay ordering).
func (idx *DirtyIndex) Keys() []oid.VersionedID {
	out := make([]oid.VersionedID, 0, len(idx.entries))
	for k := range idx.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i], out[j]) })
	return out
}

// InStates returns, in deterministic order, the (oid, version) keys whose dirty entry is
// currently in one of the given states.
func (idx *DirtyIndex) InStates(states ...State) []oid.VersionedID {
	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []oid.VersionedID
	for _, k := range idx.Keys() {
		if want[idx.entries[k].State] {
			out = append(out, k)
		}
	}
	return out
}

// SetSectorSeq records which journal sector sequence number produced this entry's metadata
// entry, used by the journal writer's trim scan (§4.4, §4.5).
func (e *DirtyEntry) SetSectorSeq(seq uint64) {
	e.sectorSeq = seq
}

// SectorSeq returns the journal sector sequence number this entry's metadata entry lives in.
func (e *DirtyEntry) SectorSeq() uint64 {
	return e.sectorSeq
}

// PendingBlock returns the data block reserved for this entry's move-on-stabilize step, if
// SetPendingBlock has been called.
func (e *DirtyEntry) PendingBlock() (uint64, bool) {
	return e.pendingBlock, e.pendingBlockSet
}

// SetPendingBlock records the data block reserved for this entry's move-on-stabilize step.
func (e *DirtyEntry) SetPendingBlock(block uint64) {
	e.pendingBlock = block
	e.pendingBlockSet = true
}

// Snapshot returns a copy of all dirty entries, keyed by (oid, version), for
// recovery-idempotence checks (§8 property 4).
func (idx *DirtyIndex) Snapshot() map[oid.VersionedID]DirtyEntry {
	out := make(map[oid.VersionedID]DirtyEntry, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = *v
	}
	return out
}
