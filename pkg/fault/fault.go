// Package fault implements the fault injector from §4.6: a wrapper over
// a PDU send primitive that silently "drops" selected outgoing PDUs to
// simulate an unreliable datagram substrate. Grounded on the teacher's
// pkg/can/virtual.Bus.Send, which interposes on the send path the same
// way for testing; here the injector is a first-class, independently
// testable type rather than a build-time switch (§9 design note).
package fault

import (
	"sync"

	xdt "github.com/j-koch/xdt-service"
)

// Case enumerates the error cases selectable from the CLI (§4.6, §6).
type Case int

const (
	CaseNone Case = iota
	CaseDAT1
	CaseDAT2
	CaseDAT3UP
	CaseDAT4
	CaseACK1
	CaseACK3
	CaseACK4UP
	CaseABO
)

// ParseCase maps the CLI's 0..8 integer onto a Case.
func ParseCase(n int) (Case, bool) {
	if n < int(CaseNone) || n > int(CaseABO) {
		return CaseNone, false
	}
	return Case(n), true
}

// Sender is the primitive a PDU is handed to for actual transmission.
type Sender func(pdu xdt.PDU) error

// Injector wraps a Sender, dropping PDUs that match its configured Case
// instead of calling through.
type Injector struct {
	c     Case
	send  Sender
	mu    sync.Mutex
	fired bool // DAT4/ACK3 fire once, then disable (§4.6)
}

// New wraps send with fault injection governed by c.
func New(c Case, send Sender) *Injector {
	return &Injector{c: c, send: send}
}

// Send transmits pdu through the wrapped Sender unless it matches the
// configured drop case, in which case it reports success without
// calling through.
func (i *Injector) Send(pdu xdt.PDU) error {
	if i.shouldDrop(pdu) {
		return nil
	}
	return i.send(pdu)
}

func (i *Injector) shouldDrop(pdu xdt.PDU) bool {
	switch i.c {
	case CaseNone:
		return false

	case CaseDAT1:
		return pdu.Code == xdt.PDUCodeDT && pdu.DT.Sequ == 1

	case CaseDAT2:
		return pdu.Code == xdt.PDUCodeDT && pdu.DT.Sequ == 2

	case CaseDAT3UP:
		return pdu.Code == xdt.PDUCodeDT && pdu.DT.Sequ > 2

	case CaseDAT4:
		return pdu.Code == xdt.PDUCodeDT && pdu.DT.Sequ == 4 && i.takeLatch()

	case CaseACK1:
		return pdu.Code == xdt.PDUCodeACK && pdu.ACK.Sequ == 1

	case CaseACK3:
		return pdu.Code == xdt.PDUCodeACK && pdu.ACK.Sequ == 3 && i.takeLatch()

	case CaseACK4UP:
		return pdu.Code == xdt.PDUCodeACK && pdu.ACK.Sequ >= 4

	case CaseABO:
		return pdu.Code == xdt.PDUCodeABO

	default:
		return false
	}
}

// takeLatch fires exactly once per Injector: the first matching PDU is
// dropped, every subsequent one (even if it also matches) goes through.
func (i *Injector) takeLatch() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fired {
		return false
	}
	i.fired = true
	return true
}
