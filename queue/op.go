// Package queue implements the submission queue and dispatcher described in §4.1: a FIFO
// of pending ops, head-of-line dispatch, and the wait-reason bookkeeping that lets a parked
// op resume once the resource it needs frees up.
package queue

import (
	"github.com/cespare/xxhash/v2"

	"github.com/outofforest/blockstore/oid"
)

// Opcode is the discriminant of an op, a closed set dispatched by a tagged-variant match
// rather than virtual dispatch (§9 Design Notes).
type Opcode int

// Opcodes.
const (
	OpRead Opcode = iota
	OpReadDirty
	OpWrite
	OpSync
	OpStabilize
	OpDelete
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpReadDirty:
		return "READ_DIRTY"
	case OpWrite:
		return "WRITE"
	case OpSync:
		return "SYNC"
	case OpStabilize:
		return "STABILIZE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// WaitReason names why an op is still sitting at the head of the submission queue (§4.1).
type WaitReason int

// Wait reasons.
const (
	WaitNone WaitReason = iota
	WaitSQE
	WaitInFlight
	WaitJournal
	WaitJournalBuffer
)

func (w WaitReason) String() string {
	switch w {
	case WaitNone:
		return "NONE"
	case WaitSQE:
		return "SQE"
	case WaitInFlight:
		return "IN_FLIGHT"
	case WaitJournal:
		return "JOURNAL"
	case WaitJournalBuffer:
		return "JOURNAL_BUFFER"
	default:
		return "UNKNOWN"
	}
}

// Callback is a type-erased one-shot completion continuation. retval mirrors the wire
// contract in §6: bytes transferred, or a negative error code alongside err.
type Callback func(retval int, err error)

// VersionRef pairs an oid with a version, used by STABILIZE and SYNC ops.
type VersionRef struct {
	OID     oid.ID
	Version uint64
}

// Op is one caller-visible operation, carrying its opcode and payload as a tagged variant
// (§6, §9). Stabilize/Sync carry Refs instead of a single (OID, Version); Read/Write
// carry OID/Version/Offset/Len/Buf, and Delete carries OID/Version.
type Op struct {
	ID       uint64
	Opcode   Opcode
	OID      oid.ID
	Version  uint64
	Offset   uint32
	Len      uint32
	Buf      []byte
	Refs     []VersionRef
	Callback Callback

	// WaitFor/WaitDetail record why this op is parked at the head of the queue; WaitNone
	// means it has not yet been attempted or is ready to be retried.
	WaitFor    WaitReason
	WaitDetail uint64

	// inCallback is true while Complete runs Callback. Nothing reads it, so a callback
	// that re-enters the dispatcher synchronously is not detected.
	inCallback bool

	// done marks that Callback has already fired exactly once (§6: "callback is invoked
	// exactly once per op").
	done bool
}

// Complete invokes op's callback exactly once. Calling it a second time is a programming
// error and panics rather than silently double-firing the caller's continuation.
func (op *Op) Complete(retval int, err error) {
	if op.done {
		panic("queue: op callback invoked more than once")
	}
	op.done = true
	if op.Callback == nil {
		return
	}
	op.inCallback = true
	op.Callback(retval, err)
	op.inCallback = false
}

// Arena hands out stable 64-bit op ids and holds the live ops those ids reference, so
// completion callbacks can carry an id rather than a raw pointer across the kernel
// completion boundary (§9 Design Notes: "Cyclic ownership between ops and completions").
type Arena struct {
	ops     map[uint64]*Op
	counter uint64
}

// NewArena returns an empty op arena.
func NewArena() *Arena {
	return &Arena{ops: make(map[uint64]*Op)}
}

// Register assigns a fresh id to op, stores it in the arena, and returns the id.
func (a *Arena) Register(op *Op) uint64 {
	a.counter++
	var seed [8]byte
	seed[0] = byte(a.counter)
	seed[1] = byte(a.counter >> 8)
	seed[2] = byte(a.counter >> 16)
	seed[3] = byte(a.counter >> 24)
	seed[4] = byte(a.counter >> 32)
	seed[5] = byte(a.counter >> 40)
	seed[6] = byte(a.counter >> 48)
	seed[7] = byte(a.counter >> 56)
	// Mixing the monotonic counter through xxhash keeps ids well distributed for the
	// arena's map (and any future sharding of it) without giving up uniqueness, since the
	// counter itself never repeats within a process lifetime.
	id := xxhash.Sum64(seed[:])
	op.ID = id
	a.ops[id] = op
	return id
}

// Lookup returns the op registered under id, if still live.
func (a *Arena) Lookup(id uint64) (*Op, bool) {
	op, ok := a.ops[id]
	return op, ok
}

// Release removes id from the arena once its op has completed.
func (a *Arena) Release(id uint64) {
	delete(a.ops, id)
}

// Len returns the number of ops currently tracked by the arena.
func (a *Arena) Len() int {
	return len(a.ops)
}
