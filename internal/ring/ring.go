// Package ring implements the sender's retransmission buffer (§3, §4.4):
// an ordered sequence of up to N unacknowledged DT PDUs, always a
// contiguous prefix of unacknowledged DTs in send order. Grounded on the
// teacher's internal/fifo.Fifo circular-buffer shape, adapted to hold
// whole PDUs keyed by sequence number rather than a byte stream, since
// Go-Back-N retransmits whole frames.
package ring

import xdt "github.com/j-koch/xdt-service"

// Entry is one buffered, unacknowledged DT.
type Entry struct {
	Sequ uint32
	PDU  xdt.PDU
}

// Buffer holds up to N unacknowledged DTs in send order.
type Buffer struct {
	capacity int
	entries  []Entry
}

// New creates an empty buffer with the given window capacity (N=5 per
// §3).
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity, entries: make([]Entry, 0, capacity)}
}

// Len returns the number of unacknowledged DTs currently buffered.
func (b *Buffer) Len() int { return len(b.entries) }

// Full reports whether the buffer holds N entries (§4.4: transitions the
// sender to BREAK).
func (b *Buffer) Full() bool { return len(b.entries) >= b.capacity }

// Append adds a newly-sent DT to the tail. Caller must ensure !Full()
// first.
func (b *Buffer) Append(sequ uint32, pdu xdt.PDU) {
	b.entries = append(b.entries, Entry{Sequ: sequ, PDU: pdu})
}

// Ack removes the entry matching sequ, if present, preserving the
// contiguous-prefix invariant. Returns the removed entry and whether
// sequ was found, and whether the removed entry was the newest buffered
// DT at the time of removal (used by BREAK's reopen-the-window edge,
// §4.4).
func (b *Buffer) Ack(sequ uint32) (entry Entry, found bool, wasNewest bool) {
	for i, e := range b.entries {
		if e.Sequ == sequ {
			wasNewest = i == len(b.entries)-1
			entry = e
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return entry, true, wasNewest
		}
	}
	return Entry{}, false, false
}

// All returns the buffered entries in send order, for Go-Back-N
// retransmission (§4.4).
func (b *Buffer) All() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// newest returns the most recently appended entry's sequence number and
// whether the buffer is non-empty.
func (b *Buffer) newest() (sequ uint32, ok bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[len(b.entries)-1].Sequ, true
}
