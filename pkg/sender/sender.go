// Package sender implements the Sender instance state machine (§4.4): one
// goroutine per connection, driven entirely by messages arriving on its
// private queue (SDU requests from the user, ACK/ABO PDUs from the peer,
// and its own T1/T2/T3 timer expiries). Grounded on the teacher's
// pkg/sdo/server.Process shape: a loop that blocks for the next event and
// dispatches on it, generalized from one time.After to three
// independently-armed internal/timer.Timers.
package sender

import (
	"context"

	log "github.com/sirupsen/logrus"

	xdt "github.com/j-koch/xdt-service"
	"github.com/j-koch/xdt-service/internal/queue"
	"github.com/j-koch/xdt-service/internal/ring"
	"github.com/j-koch/xdt-service/internal/timer"
	"github.com/j-koch/xdt-service/pkg/config"
)

// State is one of the five Sender states from §4.4.
type State int

const (
	StateIdle State = iota
	StateAwaitAck
	StateConnected
	StateGoBackN
	StateBreak
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitAck:
		return "AWAIT_ACK"
	case StateConnected:
		return "CONNECTED"
	case StateGoBackN:
		return "GO_BACK_N"
	case StateBreak:
		return "BREAK"
	default:
		return "UNKNOWN"
	}
}

// PDUSender transmits one PDU to the connection's peer. Implementations
// route through pkg/fault.Injector.
type PDUSender func(pdu xdt.PDU) error

// SDUDeliverer delivers one SDU to the connection's local user. The
// dispatcher rewrites real->mapped conn numbers at this boundary (§4.3),
// so Instance always emits real connection numbers here.
type SDUDeliverer func(sdu xdt.SDU)

// Instance runs one Sender connection's state machine to completion.
// Every field it touches is private to this goroutine; the dispatcher
// communicates only via Queue (§5: "no shared mutable state across
// instances").
type Instance struct {
	logger *log.Entry
	cfg    config.Config
	queue  *queue.Queue
	sendPDU PDUSender
	deliver SDUDeliverer

	t1, t2, t3 *timer.Timer
	buffer     *ring.Buffer

	state    State
	conn     uint32
	resumeTo State // state GO_BACK_N returns to once retransmission completes
	lastSequ uint32
	haveLast bool
	nextSequ uint32
}

// New constructs an Instance in IDLE, ready to receive an initial
// XDATrequ on q.
func New(conn uint32, cfg config.Config, q *queue.Queue, sendPDU PDUSender, deliver SDUDeliverer, logger *log.Entry) *Instance {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	i := &Instance{
		logger:  logger.WithField("role", "sender").WithField("conn", conn),
		cfg:     cfg,
		queue:   q,
		sendPDU: sendPDU,
		deliver: deliver,
		conn:    conn,
		buffer:  ring.New(cfg.Window),
	}
	i.t1 = timer.New(q, queue.TimerT1)
	i.t2 = timer.New(q, queue.TimerT2)
	i.t3 = timer.New(q, queue.TimerT3)
	return i
}

// State reports the instance's current state, for tests and diagnostics.
func (i *Instance) State() State { return i.state }

// Process runs the state machine loop until ctx is canceled or the
// instance reaches IDLE after a terminal transition (disconnect, abort,
// or T1 timeout). It always disarms its timers on return.
func (i *Instance) Process(ctx context.Context) {
	i.logger.Info("sender instance starting")
	defer func() {
		i.t1.Stop()
		i.t2.Stop()
		i.t3.Stop()
		i.logger.WithField("state", i.state.String()).Info("sender instance exiting")
	}()

	for {
		msg, ok := i.queue.Read(ctx, 0)
		if !ok {
			return
		}
		if msg.Type == queue.TypeInterrupted {
			return
		}
		if i.handle(msg) {
			return
		}
	}
}

// handle dispatches one message against the current state, returning
// true when the instance has reached a terminal IDLE transition.
func (i *Instance) handle(msg queue.Message) bool {
	switch i.state {
	case StateIdle:
		return i.handleIdle(msg)
	case StateAwaitAck:
		return i.handleAwaitAck(msg)
	case StateConnected:
		return i.handleConnected(msg)
	case StateGoBackN:
		return i.handleGoBackN(msg)
	case StateBreak:
		return i.handleBreak(msg)
	default:
		return true
	}
}

func (i *Instance) handleIdle(msg queue.Message) bool {
	if msg.Type != queue.SDUType(xdt.SDUCodeXDATrequ) || msg.SDU == nil {
		return false
	}
	r := msg.SDU.Requ
	pdu := xdt.NewInitialDT(r.SourceAddr, r.DestAddr, r.EOM, r.Data)
	if err := i.sendPDU(pdu); err != nil {
		i.logger.WithError(err).Warn("initial DT send failed")
	}
	if r.EOM {
		i.lastSequ = 1
		i.haveLast = true
	}
	i.t1.Reset(i.cfg.T1)
	i.state = StateAwaitAck
	return false
}

func (i *Instance) handleAwaitAck(msg queue.Message) bool {
	switch msg.Type {
	case queue.PDUType(xdt.PDUCodeACK):
		if msg.PDU == nil || msg.PDU.ACK.Sequ != 1 {
			return false
		}
		i.conn = msg.PDU.ACK.Conn
		i.deliver(xdt.NewXDATconf(i.conn, 1))
		i.t1.Stop()
		i.nextSequ = 2

		if i.haveLast && i.lastSequ == 1 {
			i.deliver(xdt.NewXDISind(i.conn))
			i.state = StateIdle
			return true
		}

		i.t2.Reset(i.cfg.T2)
		i.t3.Reset(i.cfg.T3)
		i.state = StateConnected
		return false

	case queue.TimerT1:
		i.deliver(xdt.NewXABORTind(i.conn))
		i.state = StateIdle
		return true

	default:
		return false
	}
}

func (i *Instance) handleConnected(msg queue.Message) bool {
	switch msg.Type {
	case queue.SDUType(xdt.SDUCodeXDATrequ):
		return i.onConnectedRequest(msg)

	case queue.PDUType(xdt.PDUCodeACK):
		return i.onAck(msg, StateConnected)

	case queue.PDUType(xdt.PDUCodeABO):
		i.deliver(xdt.NewXABORTind(i.conn))
		i.state = StateIdle
		return true

	case queue.TimerT2:
		i.enterGoBackN(StateConnected)
		return false

	case queue.TimerT3:
		i.deliver(xdt.NewXABORTind(i.conn))
		i.state = StateIdle
		return true

	default:
		return false
	}
}

func (i *Instance) onConnectedRequest(msg queue.Message) bool {
	if msg.SDU == nil {
		return false
	}
	r := msg.SDU.Requ
	sequ := i.nextSequ
	i.nextSequ++
	pdu := xdt.NewDT(sequ, i.conn, r.EOM, r.Data)
	if err := i.sendPDU(pdu); err != nil {
		i.logger.WithError(err).Warn("DT send failed")
	}
	i.buffer.Append(sequ, pdu)
	i.t3.Reset(i.cfg.T3)

	if r.EOM {
		i.lastSequ = sequ
		i.haveLast = true
	}

	if i.buffer.Full() {
		i.t2.Reset(i.cfg.T2)
		i.deliver(xdt.NewXBREAKind(i.conn))
		i.state = StateBreak
		return false
	}

	i.deliver(xdt.NewXDATconf(i.conn, sequ))
	return false
}

// onAck implements the ACK handling shared between CONNECTED and BREAK
// (§4.4), differing only in what happens once the matching DT is
// removed from the buffer.
func (i *Instance) onAck(msg queue.Message, from State) bool {
	if msg.PDU == nil {
		return false
	}
	i.t2.Reset(i.cfg.T2)

	sequ := msg.PDU.ACK.Sequ
	_, found, wasNewest := i.buffer.Ack(sequ)
	if !found {
		i.logger.WithField("sequ", sequ).Debug("ACK for sequence not in buffer, ignored")
		return false
	}

	if from == StateBreak {
		i.t3.Reset(i.cfg.T3)
		if wasNewest {
			i.deliver(xdt.NewXDATconf(i.conn, sequ))
			i.state = StateConnected
		}
		return false
	}

	if i.haveLast && sequ == i.lastSequ {
		i.deliver(xdt.NewXDISind(i.conn))
		i.state = StateIdle
		return true
	}
	return false
}

func (i *Instance) handleBreak(msg queue.Message) bool {
	switch msg.Type {
	case queue.PDUType(xdt.PDUCodeACK):
		return i.onAck(msg, StateBreak)

	case queue.TimerT2:
		i.enterGoBackN(StateBreak)
		return false

	case queue.TimerT3:
		i.deliver(xdt.NewXABORTind(i.conn))
		i.state = StateIdle
		return true

	case queue.PDUType(xdt.PDUCodeABO):
		i.deliver(xdt.NewXABORTind(i.conn))
		i.state = StateIdle
		return true

	default:
		return false
	}
}

// enterGoBackN begins a retransmission pass of the whole buffer,
// remembering which state to return to once it completes (§4.4:
// GO_BACK_N returns to CONNECTED or BREAK, whichever it was entered
// from). T3 is deliberately left untouched here — see the Open Question
// resolution recorded in DESIGN.md: GO_BACK_N never re-arms T3.
func (i *Instance) enterGoBackN(from State) {
	i.resumeTo = from
	i.state = StateGoBackN
	i.retransmitAll()
}

func (i *Instance) handleGoBackN(msg queue.Message) bool {
	// Retransmission happens synchronously in enterGoBackN/retransmitAll,
	// which restores the resumed state before returning, so the
	// queue-read loop does not observe StateGoBackN. Should a message
	// reach this handler, ABO and ACK are handled the way the resumed
	// state would handle them; anything else is ignored.
	switch msg.Type {
	case queue.PDUType(xdt.PDUCodeABO):
		i.deliver(xdt.NewXABORTind(i.conn))
		i.state = StateIdle
		return true
	case queue.PDUType(xdt.PDUCodeACK):
		return i.onAck(msg, i.resumeTo)
	default:
		return false
	}
}

func (i *Instance) retransmitAll() {
	for _, entry := range i.buffer.All() {
		if err := i.sendPDU(entry.PDU); err != nil {
			i.logger.WithError(err).WithField("sequ", entry.Sequ).Warn("retransmit failed")
		}
	}
	i.t2.Reset(i.cfg.T2)
	i.state = i.resumeTo
}
