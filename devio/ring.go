package devio

import "github.com/pkg/errors"

// ErrRingExhausted is returned by callers that need to reserve ring slots themselves when
// no free submission slot remains (§4.1 WAIT reason SQE).
var ErrRingExhausted = errors.New("submission ring exhausted")

// Kind is the operation a Request performs against a Device.
type Kind int

// Request kinds.
const (
	KindRead Kind = iota
	KindWrite
	KindFsync
)

// Request is one asynchronous I/O submission. ID is a caller-assigned correlation token
// (typically an oid/op arena index) echoed back on the matching Completion.
type Request struct {
	ID     uint64
	Kind   Kind
	Device Device
	Offset int64
	Buf    []byte
}

// Completion reports the outcome of a previously submitted Request.
type Completion struct {
	ID  uint64
	N   int
	Err error
}

// Ring models a kernel completion-based submission queue (an io_uring analogue) with a
// fixed number of submission slots. §5 requires that a dispatch attempt speculatively
// reserve every slot an op needs before issuing any of its I/Os, and roll the reservation
// back if a later reservation inside the same op fails, so over-subscription of the ring
// never happens. This implementation performs each Request synchronously at Submit time
// (see DESIGN.md, "devio") but preserves the reserve/submit/reap
// contract callers must follow, so swapping in a real io_uring-backed Ring later requires
// no change to the dispatcher.
type Ring struct {
	capacity  int
	reserved  int
	completed []Completion
}

// NewRing returns a new ring with the given number of submission slots.
func NewRing(capacity int) *Ring {
	return &Ring{capacity: capacity}
}

// Capacity returns the total number of submission slots.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Free returns the number of slots not currently reserved or outstanding.
func (r *Ring) Free() int {
	return r.capacity - r.reserved
}

// TryReserve speculatively reserves n slots, returning false (reserving nothing) if fewer
// than n are free.
func (r *Ring) TryReserve(n int) bool {
	if n > r.Free() {
		return false
	}
	r.reserved += n
	return true
}

// Rollback releases n previously reserved slots without submitting anything on them,
// used when a later reservation within the same op fails.
func (r *Ring) Rollback(n int) {
	r.reserved -= n
	if r.reserved < 0 {
		r.reserved = 0
	}
}

// Submit consumes one previously reserved slot and executes req. The I/O runs to
// completion immediately; its result is queued for the next Reap call rather than
// returned here, so callers never special-case a synchronous fast path.
func (r *Ring) Submit(req Request) {
	if r.reserved <= 0 {
		panic("devio: Submit called without a reserved slot")
	}
	// The slot stays reserved (now "outstanding") until its completion is reaped.

	var n int
	var err error
	switch req.Kind {
	case KindRead:
		n, err = req.Device.ReadAt(req.Buf, req.Offset)
	case KindWrite:
		n, err = req.Device.WriteAt(req.Buf, req.Offset)
	case KindFsync:
		err = req.Device.Sync()
	default:
		err = errors.Errorf("devio: unknown request kind %d", req.Kind)
	}

	r.completed = append(r.completed, Completion{ID: req.ID, N: n, Err: err})
}

// Reap drains and returns all completions queued since the last Reap call, freeing
// their slots back to the ring's capacity.
func (r *Ring) Reap() []Completion {
	if len(r.completed) == 0 {
		return nil
	}
	out := r.completed
	r.completed = nil
	r.reserved -= len(out)
	if r.reserved < 0 {
		r.reserved = 0
	}
	return out
}
