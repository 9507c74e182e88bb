// Package receiver implements the Receiver instance state machine
// (§4.5), the peer of pkg/sender: one goroutine per connection, driven by
// its private queue, with a single idle timer rather than the sender's
// three.
package receiver

import (
	"context"

	log "github.com/sirupsen/logrus"

	xdt "github.com/j-koch/xdt-service"
	"github.com/j-koch/xdt-service/internal/queue"
	"github.com/j-koch/xdt-service/internal/timer"
	"github.com/j-koch/xdt-service/pkg/config"
)

// State is one of the three Receiver states from §4.5.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateAwaitCorrectDT
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnected:
		return "CONNECTED"
	case StateAwaitCorrectDT:
		return "AWAIT_CORRECT_DT"
	default:
		return "UNKNOWN"
	}
}

// PDUSender transmits one PDU to the connection's peer.
type PDUSender func(pdu xdt.PDU) error

// SDUDeliverer delivers one SDU to the connection's local user.
type SDUDeliverer func(sdu xdt.SDU)

// Instance runs one Receiver connection's state machine to completion.
type Instance struct {
	logger  *log.Entry
	cfg     config.Config
	queue   *queue.Queue
	sendPDU PDUSender
	deliver SDUDeliverer

	idle *timer.Timer

	state    State
	conn     uint32
	expected uint32
	source   xdt.Address
	dest     xdt.Address
}

// New constructs an Instance in IDLE, ready to receive an initial
// DT(sequ=1) on q.
func New(conn uint32, cfg config.Config, q *queue.Queue, sendPDU PDUSender, deliver SDUDeliverer, logger *log.Entry) *Instance {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Instance{
		logger:  logger.WithField("role", "receiver").WithField("conn", conn),
		cfg:     cfg,
		queue:   q,
		sendPDU: sendPDU,
		deliver: deliver,
		conn:    conn,
		idle:    timer.New(q, queue.TimerIdle),
	}
}

// State reports the instance's current state, for tests and diagnostics.
func (i *Instance) State() State { return i.state }

// Process runs the state machine loop until ctx is canceled or the
// instance reaches a terminal IDLE transition.
func (i *Instance) Process(ctx context.Context) {
	i.logger.Info("receiver instance starting")
	defer func() {
		i.idle.Stop()
		i.logger.WithField("state", i.state.String()).Info("receiver instance exiting")
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

func (i *Instance) handle(msg queue.Message) bool {
	switch i.state {
	case StateIdle:
		return i.handleIdle(msg)
	case StateConnected:
		return i.handleConnected(msg)
	case StateAwaitCorrectDT:
		return i.handleAwaitCorrectDT(msg)
	default:
		return true
	}
}

func (i *Instance) handleIdle(msg queue.Message) bool {
	if msg.Type != queue.PDUType(xdt.PDUCodeDT) || msg.PDU == nil || msg.PDU.DT.Sequ != 1 {
		return false
	}
	dt := msg.PDU.DT
	i.source = dt.SourceAddr
	i.dest = dt.DestAddr
	i.expected = 1

	i.deliver(xdt.NewXDATind(i.conn, 1, dt.EOM, dt.Data))
	ack := xdt.NewInitialACK(i.dest, i.source, i.conn)
	if err := i.sendPDU(ack); err != nil {
		i.logger.WithError(err).Warn("initial ACK send failed")
	}

	if dt.EOM {
		i.deliver(xdt.NewXDISind(i.conn))
		i.state = StateIdle
		return true
	}

	i.idle.Reset(i.cfg.ReceiverTimeout)
	i.state = StateConnected
	return false
}

func (i *Instance) handleConnected(msg queue.Message) bool {
	switch msg.Type {
	case queue.PDUType(xdt.PDUCodeDT):
		return i.onDT(msg)
	case queue.TimerIdle:
		return i.onIdleTimeout()
	default:
		return false
	}
}

func (i *Instance) handleAwaitCorrectDT(msg queue.Message) bool {
	switch msg.Type {
	case queue.PDUType(xdt.PDUCodeDT):
		return i.onDT(msg)
	case queue.TimerIdle:
		return i.onIdleTimeout()
	default:
		return false
	}
}

// onDT implements the shared DT-arrival logic for CONNECTED and
// AWAIT_CORRECT_DT (§4.5): both re-arm the idle timer and special-case
// eom before diverging on whether the sequence is the expected next one.
// A gap lands in AWAIT_CORRECT_DT regardless of which state it started
// in, which is exactly "remain" when already there.
func (i *Instance) onDT(msg queue.Message) bool {
	if msg.PDU == nil {
		return false
	}
	dt := msg.PDU.DT
	i.idle.Reset(i.cfg.ReceiverTimeout)
	i.conn = dt.Conn

	if dt.EOM {
		ack := xdt.NewACK(dt.Sequ, i.conn)
		if err := i.sendPDU(ack); err != nil {
			i.logger.WithError(err).Warn("ACK send failed")
		}
		i.deliver(xdt.NewXDATind(i.conn, dt.Sequ, true, dt.Data))
		i.deliver(xdt.NewXDISind(i.conn))
		i.state = StateIdle
		return true
	}

	if dt.Sequ == i.expected+1 {
		i.expected = dt.Sequ
		i.deliver(xdt.NewXDATind(i.conn, dt.Sequ, false, dt.Data))
		ack := xdt.NewACK(dt.Sequ, i.conn)
		if err := i.sendPDU(ack); err != nil {
			i.logger.WithError(err).Warn("ACK send failed")
		}
		i.state = StateConnected
		return false
	}

	// Gap: drop silently, no ACK. The sender's T2 will drive
	// retransmission (§4.5 invariant).
	i.state = StateAwaitCorrectDT
	return false
}

func (i *Instance) onIdleTimeout() bool {
	abo := xdt.NewABO(i.conn)
	if err := i.sendPDU(abo); err != nil {
		i.logger.WithError(err).Warn("ABO send failed")
	}
	i.deliver(xdt.NewXABORTind(i.conn))
	i.state = StateIdle
	return true
}
