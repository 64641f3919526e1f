package queue

import "github.com/outofforest/blockstore/devio"

// Outcome is what a Handler's TryDispatch attempt produced for one op: either it fully
// submitted the op's initial I/Os (Done) or it must be left on the queue with a wait
// reason (§4.1).
type Outcome struct {
	Done       bool
	Wait       WaitReason
	WaitDetail uint64
}

// Done is the outcome for an op whose initial I/Os were all submitted successfully.
func Done() Outcome {
	return Outcome{Done: true}
}

// Wait is the outcome for an op that must remain queued until the named resource frees up.
func Wait(reason WaitReason, detail uint64) Outcome {
	return Outcome{Wait: reason, WaitDetail: detail}
}

// Handler dispatches ops of one opcode. Implementations live in writepath, readpath, and
// syncstab, and are injected into the Dispatcher so this package stays free of a dependency
// on any of them (§9: dispatch is a tagged-variant match over a closed set, not virtual
// dispatch, but the concrete per-opcode logic is still supplied by the caller wiring the
// engine together).
type Handler interface {
	TryDispatch(op *Op, ring *devio.Ring) (Outcome, error)
}

// Dispatcher drains the submission queue, delegating each head-of-line op to the Handler
// registered for its Opcode (§4.1).
type Dispatcher struct {
	queue    *SubmissionQueue
	ring     *devio.Ring
	handlers map[Opcode]Handler

	// wakeups records resources marked available by Wake since the last DispatchPass. It is
	// cleared at the end of each pass; nothing reads it.
	wakeups map[WaitReason]bool
}

// NewDispatcher returns a dispatcher draining q against ring, with no handlers registered
// yet; call Register for each Opcode before running DispatchPass.
func NewDispatcher(q *SubmissionQueue, ring *devio.Ring) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		ring:     ring,
		handlers: make(map[Opcode]Handler),
		wakeups:  make(map[WaitReason]bool),
	}
}

// Register installs the Handler responsible for dispatching ops of the given Opcode.
func (d *Dispatcher) Register(code Opcode, h Handler) {
	d.handlers[code] = h
}

// Wake marks reason as satisfied, e.g. after a freed I/O slot, freed journal bytes, a freed
// journal sector buffer, or a specific in-flight version reaching J_WRITTEN/D_WRITTEN
// (§4.1). DispatchPass clears these marks without consulting them: it always retries the
// head op.
func (d *Dispatcher) Wake(reason WaitReason) {
	d.wakeups[reason] = true
}

// DispatchPass attempts to drain the submission queue from the front, stopping at the
// first op that cannot proceed (head-of-line blocking, §4.1: "to prevent starvation of
// scatter reads by a flood of writes"). It returns the number of ops it fully dispatched.
func (d *Dispatcher) DispatchPass() (int, error) {
	dispatched := 0
	for {
		op, ok := d.queue.Front()
		if !ok {
			break
		}

		h, ok := d.handlers[op.Opcode]
		if !ok {
			panic("queue: no handler registered for opcode " + op.Opcode.String())
		}

		outcome, err := h.TryDispatch(op, d.ring)
		if err != nil {
			op.Complete(-1, err)
			d.queue.PopFront()
			dispatched++
			continue
		}
		if !outcome.Done {
			op.WaitFor = outcome.Wait
			op.WaitDetail = outcome.WaitDetail
			break
		}

		op.WaitFor = WaitNone
		d.queue.PopFront()
		dispatched++
	}
	d.wakeups = make(map[WaitReason]bool)
	return dispatched, nil
}

// PendingWait returns the wait reason the head-of-line op is currently parked on, if any.
func (d *Dispatcher) PendingWait() (WaitReason, uint64, bool) {
	op, ok := d.queue.Front()
	if !ok || op.WaitFor == WaitNone {
		return WaitNone, 0, false
	}
	return op.WaitFor, op.WaitDetail, true
}
