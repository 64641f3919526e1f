// Package index holds the in-memory clean and dirty version indices and the
// per-version state machine described in §3 and §4.5.
package index

// State is a dirty version's position in its write/delete lifecycle.
type State int

// Dirty version states, per §3. Values are grouped by lifecycle (small-write, big-write,
// delete) but form a single enum since a dirty entry carries exactly one State.
const (
	InFlight State = iota

	// Small (journaled) write.
	JWritten
	JSynced
	JStable
	JMoved
	JMoveSynced

	// Big (redirect) write.
	DWritten
	DSynced
	DMetaWritten
	DMetaSynced
	DStable
	DMetaMoved
	DMetaCommitted

	// Delete.
	DelWritten
	DelSynced
	DelStable
	DelMoved

	// Current is the terminal state a promoted version reaches; it is never held in the
	// dirty index (promotion removes the entry), but is named here so IsStable's table
	// reads the same way §3 lists it.
	Current
)

var stateNames = map[State]string{
	InFlight:        "IN_FLIGHT",
	JWritten:        "J_WRITTEN",
	JSynced:         "J_SYNCED",
	JStable:         "J_STABLE",
	JMoved:          "J_MOVED",
	JMoveSynced:     "J_MOVE_SYNCED",
	DWritten:        "D_WRITTEN",
	DSynced:         "D_SYNCED",
	DMetaWritten:    "D_META_WRITTEN",
	DMetaSynced:     "D_META_SYNCED",
	DStable:         "D_STABLE",
	DMetaMoved:      "D_META_MOVED",
	DMetaCommitted:  "D_META_COMMITTED",
	DelWritten:      "DEL_WRITTEN",
	DelSynced:       "DEL_SYNCED",
	DelStable:       "DEL_STABLE",
	DelMoved:        "DEL_MOVED",
	Current:         "CURRENT",
}

// String returns the spec's canonical name for the state.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

var stableStates = map[State]bool{
	JStable:        true,
	JMoved:         true,
	JMoveSynced:    true,
	DStable:        true,
	DMetaMoved:     true,
	DMetaCommitted: true,
	Current:        true,
	DelSynced:      true,
	DelStable:      true,
}

// IsStable reports whether a version in State s is durable and visible to future readers
// regardless of crash, per §3's stability definition.
func (s State) IsStable() bool {
	return stableStates[s]
}

// IsDeletion reports whether a version in State s represents a deletion, in which case a
// read of a range it covers must be zero-filled rather than sourced from storage.
func (s State) IsDeletion() bool {
	switch s {
	case DelWritten, DelSynced, DelStable, DelMoved:
		return true
	default:
		return false
	}
}

// IsMoved reports whether a version has reached a terminal "moved" state: its payload has
// been relocated to the data region and its journal space may be trimmed once pins clear.
func (s State) IsMoved() bool {
	switch s {
	case JMoved, JMoveSynced, DMetaMoved, DMetaCommitted, DelMoved:
		return true
	default:
		return false
	}
}

// PinsJournal reports whether a dirty entry in State s holds a valid SectorSeq referencing a
// journal sector that trim must not advance past: false for InFlight and D_WRITTEN/D_SYNCED
// (before their journal entry has even been written) and for every "moved" state (the
// journal copy is superseded once IsMoved is true), true otherwise (§4.4, §8 property 6).
func (s State) PinsJournal() bool {
	switch s {
	case InFlight, DWritten, DSynced:
		return false
	default:
		return !s.IsMoved()
	}
}

// Location disambiguates whether a dirty entry's byte offset is within the journal region
// or the data region.
type Location int

// Location values.
const (
	LocationJournal Location = iota
	LocationData
)

// LocationOf returns which region a dirty entry in State s currently stores its bytes in.
// Delete states carry no bytes and report LocationJournal defensively; callers must check
// IsDeletion before reading through a dirty entry's Location.
func LocationOf(s State) Location {
	switch s {
	case DWritten, DSynced, DMetaWritten, DMetaSynced, DStable:
		return LocationData
	case DMetaMoved, DMetaCommitted:
		return LocationData
	case JMoved, JMoveSynced:
		return LocationData
	default:
		return LocationJournal
	}
}
