// Package timer implements the one-shot relative timer facility used by
// sender and receiver instances (§3, §5). A Timer posts a fixed message
// type onto an owning queue when it expires; Reset drains any pending
// expiry of that type before rearming, so a stale expiry can never be
// observed after a reset.
package timer

import (
	"sync"
	"time"

	"github.com/j-koch/xdt-service/internal/queue"
)

// Timer is a single named, relative, one-shot timer bound to a queue and
// a message type. It is not safe for concurrent Reset/Stop calls from
// multiple goroutines; an instance's own state-machine goroutine is the
// only intended caller (§5: "the retransmission buffer is owned
// exclusively by its Sender" — the same ownership rule applies here).
type Timer struct {
	mu     sync.Mutex
	q      *queue.Queue
	msgTyp int64
	timer  *time.Timer
	gen    uint64 // bumped on every Reset/Stop, guards against a callback racing a reset
}

// New creates a Timer that, once armed, posts a Message{Type: msgType}
// onto q on expiry.
func New(q *queue.Queue, msgType int64) *Timer {
	return &Timer{q: q, msgTyp: msgType}
}

// Reset drains any pending expiry message of this timer's type, then
// arms the timer for d. A d <= 0 disarms without posting.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.q.Drain(t.msgTyp)
	t.gen++
	gen := t.gen

	if d <= 0 {
		t.timer = nil
		return
	}

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			// A Reset or Stop happened between this firing and the
			// callback acquiring the lock; the expiry is stale.
			return
		}
		t.q.Write(queue.Message{Type: t.msgTyp})
	})
}

// Stop disarms the timer without draining the queue. Used on instance
// teardown, where no further reads will observe a stray expiry anyway.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
