// Package queue implements the typed, priority-filterable message queue
// that sits between the dispatcher, a timer facility, and a single
// instance state machine (§4.2). It is the only channel through which an
// instance observes the outside world.
package queue

import (
	"context"
	"sync"

	xdt "github.com/j-koch/xdt-service"
)

// Message type ranges are disjoint: SDU codes, then PDU codes, then timer
// codes (§3, "Message Queue entry"). TypeInterrupted (0) is reserved for
// the cancellation sentinel delivered by a blocking Read when its context
// is done (§5).
const (
	TypeInterrupted int64 = 0

	sduBase   int64 = 1
	pduBase   int64 = 100
	timerBase int64 = 200
)

// SDUType maps an SDU discriminator onto its message-queue type.
func SDUType(code xdt.SDUCode) int64 { return sduBase + int64(code) - 1 }

// PDUType maps a PDU discriminator onto its message-queue type.
func PDUType(code xdt.PDUCode) int64 { return pduBase + int64(code) - 1 }

// Timer message types. Senders use T1/T2/T3; receivers use only Idle.
// Reusing small integers across instance kinds is safe because every
// instance owns a private queue (§5: "no shared mutable state across
// instances").
const (
	TimerT1 int64 = timerBase + iota
	TimerT2
	TimerT3
	TimerIdle
)

// Message is one queue entry: a type tag plus whichever payload the
// producer attached. Exactly one of SDU/PDU is meaningful for SDU/PDU
// message types; timer messages carry no payload.
type Message struct {
	Type int64
	SDU  *xdt.SDU
	PDU  *xdt.PDU
}

// Interrupted is the sentinel message returned by a blocking Read whose
// context was canceled. State machines treat it as a no-op (§5).
var Interrupted = Message{Type: TypeInterrupted}

// Queue is a FIFO of Messages, safe for concurrent writers (the
// dispatcher goroutine and the timer goroutine) and a single reader (the
// owning instance's state-machine goroutine). FIFO order is preserved
// within a type, and across types for blocking-any reads (§4.2, §5).
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Message
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write appends msg to the tail of the queue and wakes any blocked
// reader. Safe to call from a timer-expiry goroutine concurrently with
// dispatcher writes and an instance's own reads.
func (q *Queue) Write(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.entries = append(q.entries, msg)
	q.cond.Broadcast()
}

// Read retrieves the next message. If msgType is 0 it blocks until any
// message arrives, a context cancellation interrupts it (returning
// Interrupted, not an error), or the queue is closed. If msgType is
// non-zero it returns immediately: the oldest message of that exact type
// if one is queued, or ok=false if none is currently available (§4.2).
func (q *Queue) Read(ctx context.Context, msgType int64) (msg Message, ok bool) {
	if msgType != 0 {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.takeLocked(msgType)
	}

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		close(done)
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case <-done:
			return Interrupted, true
		default:
		}
		if q.closed {
			return Interrupted, true
		}
		if len(q.entries) > 0 {
			msg = q.entries[0]
			q.entries = q.entries[1:]
			return msg, true
		}
		q.cond.Wait()
	}
}

func (q *Queue) takeLocked(msgType int64) (Message, bool) {
	for i, m := range q.entries {
		if m.Type == msgType {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return m, true
		}
	}
	return Message{}, false
}

// Drain removes every currently-queued message of msgType. Used by the
// timer facility before rearming, so a stale expiry can never be
// observed after a reset (§5).
func (q *Queue) Drain(msgType int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, m := range q.entries {
		if m.Type != msgType {
			kept = append(kept, m)
		}
	}
	q.entries = kept
}

// Close unblocks any pending or future blocking Read, returning
// Interrupted forever after.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
