// Package dispatcher owns the two listening sockets and demultiplexes
// arrivals to Sender/Receiver instances (§4.3). Grounded on the
// teacher's pkg/node/controller.go Start/Stop/Wait lifecycle triad,
// generalized from one controllers map keyed by node ID to the three key
// spaces XDT's connection-number indirection needs (§9 design note).
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	xdt "github.com/j-koch/xdt-service"
	"github.com/j-koch/xdt-service/internal/queue"
	"github.com/j-koch/xdt-service/pkg/config"
	"github.com/j-koch/xdt-service/pkg/fault"
	"github.com/j-koch/xdt-service/pkg/receiver"
	"github.com/j-koch/xdt-service/pkg/sender"
	"github.com/j-koch/xdt-service/pkg/transport"
)

// senderEndpoint identifies a Sender by the (producer,consumer) address
// pair it was opened for, used to look it up on the initial ACK (§4.3).
// Addresses are stored as their string form rather than xdt.Address
// directly: Address embeds a net.IP ([]byte), which isn't a comparable
// type and so can't be used as (or inside) a map key.
type senderEndpoint struct {
	producer string
	consumer string
}

func endpointOf(producer, consumer xdt.Address) senderEndpoint {
	return senderEndpoint{producer: producer.String(), consumer: consumer.String()}
}

// peerKey identifies a live Sender by its real connection number plus
// the UDP address its peer replies from, used for every ACK/ABO after
// the initial one (§4.3).
type peerKey struct {
	conn uint32
	peer string
}

type instanceKind int

const (
	kindSender instanceKind = iota
	kindReceiver
)

type instance struct {
	kind    instanceKind
	conn    uint32 // real connection number
	mapped  uint32 // mapped (user-visible) connection number, sender only
	queue   *queue.Queue
	peer    *net.UDPAddr
	sapConn *net.UnixAddr // client address to deliver SDUs back to
}

// Dispatcher is the XDT service process: it owns the UDP peer socket and
// the unixgram service socket, tracks live instances, and enforces
// MAX_CONNECTIONS (§4.3).
type Dispatcher struct {
	logger *log.Entry
	cfg    config.Config
	inj    fault.Case

	local   xdt.Address
	peer    *transport.PeerSocket
	service *transport.UserSocket

	mu          sync.Mutex
	byMapped    map[uint32]*instance
	byPeerKey   map[peerKey]*instance
	byEndpoint  map[senderEndpoint]*instance
	byRealConn  map[uint32]*instance
	nextMapped  uint32
	nextRealSeq uint32

	ctx context.Context
	wg  sync.WaitGroup
}

// New constructs a Dispatcher bound to local (host, port). errCase
// selects fault-injector behavior for every outgoing PDU this process
// sends.
func New(local xdt.Address, cfg config.Config, errCase fault.Case, logger *log.Entry) (*Dispatcher, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	peerSock, err := transport.ListenPeer(transport.Address{Host: local.Host, Port: local.Port})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	userSock, err := transport.ListenUser(local.SAPPath())
	if err != nil {
		peerSock.Close()
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	d := &Dispatcher{
		logger:     logger.WithField("component", "dispatcher").WithField("local", local.String()),
		cfg:        cfg,
		inj:        errCase,
		local:      local,
		peer:       peerSock,
		service:    userSock,
		byMapped:   make(map[uint32]*instance),
		byPeerKey:  make(map[peerKey]*instance),
		byEndpoint: make(map[senderEndpoint]*instance),
		byRealConn: make(map[uint32]*instance),
		nextMapped: rand.Uint32()%1_000_000 + 1,
	}
	d.nextRealSeq = rand.Uint32() % 1_000_000
	return d, nil
}

// Run serves both sockets until ctx is canceled, then signals every live
// instance to stop and waits for them before returning (§4.3 Shutdown).
func (d *Dispatcher) Run(ctx context.Context) {
	d.ctx = ctx
	stop := make(chan struct{})

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.peer.Serve(stop, d.onPDU)
	}()
	go func() {
		defer d.wg.Done()
		d.service.Serve(stop, d.onSDU)
	}()

	<-ctx.Done()
	d.logger.Info("dispatcher shutting down")
	close(stop)
	// Closing the sockets unblocks the two blocking reads above; every
	// spawned instance goroutine observes ctx.Done() on its own queue
	// read and exits on its own.
	d.peer.Close()
	d.service.Close()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) onPDU(pdu xdt.PDU, from *net.UDPAddr) {
	switch pdu.Code {
	case xdt.PDUCodeDT:
		if pdu.DT.Sequ == 1 {
			d.spawnReceiverFor(pdu, from)
			return
		}
		d.deliverToReceiver(pdu)

	case xdt.PDUCodeACK:
		if pdu.ACK.Sequ == 1 {
			d.routeInitialAck(pdu, from)
			return
		}
		d.routeToSenderByPeer(pdu, from)

	case xdt.PDUCodeABO:
		d.routeToSenderByPeer(pdu, from)
	}
}

func (d *Dispatcher) onSDU(sdu xdt.SDU, from *net.UnixAddr) {
	if sdu.Code != xdt.SDUCodeXDATrequ {
		d.logger.WithField("code", sdu.Code.String()).Warn("unexpected SDU from user, dropped")
		return
	}
	if sdu.Requ.Sequ == 1 {
		d.spawnSenderFor(sdu, from)
		return
	}
	d.deliverToSenderMapped(sdu)
}

// --- Receiver-side routing ---

func (d *Dispatcher) spawnReceiverFor(pdu xdt.PDU, from *net.UDPAddr) {
	d.mu.Lock()
	if len(d.byRealConn) >= d.cfg.MaxConnections {
		d.mu.Unlock()
		d.logger.Warn("instance table full, dropping initial DT")
		return
	}
	conn := d.allocRealConn()
	d.mu.Unlock()

	uap := &net.UnixAddr{Name: pdu.DT.DestAddr.UAPPath(), Net: "unixgram"}
	inst := &instance{kind: kindReceiver, conn: conn, queue: queue.New(), peer: from, sapConn: uap}
	d.register(inst)

	logger := d.logger.WithField("conn", conn)
	sendPDU := fault.New(d.inj, func(p xdt.PDU) error { return d.peer.SendTo(from, p) }).Send
	deliver := func(sdu xdt.SDU) { d.deliverSDUToClient(inst, sdu) }

	r := receiver.New(conn, d.cfg, inst.queue, sendPDU, deliver, logger)
	inst.queue.Write(queue.Message{Type: queue.PDUType(xdt.PDUCodeDT), PDU: &pdu})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.unregister(inst)
		r.Process(d.instanceCtx())
	}()
}

func (d *Dispatcher) deliverToReceiver(pdu xdt.PDU) {
	d.mu.Lock()
	inst, ok := d.byRealConn[pdu.DT.Conn]
	d.mu.Unlock()
	if !ok {
		d.logger.WithField("conn", pdu.DT.Conn).Warn("no receiver for DT, dropped")
		return
	}
	inst.queue.Write(queue.Message{Type: queue.PDUType(xdt.PDUCodeDT), PDU: &pdu})
}

// --- Sender-side routing ---

func (d *Dispatcher) spawnSenderFor(sdu xdt.SDU, from *net.UnixAddr) {
	d.mu.Lock()
	if len(d.byRealConn) >= d.cfg.MaxConnections {
		d.mu.Unlock()
		d.logger.Warn("instance table full, dropping initial XDATrequ")
		return
	}
	conn := d.allocRealConn()
	mapped := d.nextMapped
	d.nextMapped++
	d.mu.Unlock()

	inst := &instance{kind: kindSender, conn: conn, mapped: mapped, queue: queue.New(), sapConn: from}
	ep := endpointOf(sdu.Requ.SourceAddr, sdu.Requ.DestAddr)

	d.mu.Lock()
	d.byMapped[mapped] = inst
	d.byRealConn[conn] = inst
	d.byEndpoint[ep] = inst
	d.mu.Unlock()

	logger := d.logger.WithField("conn", conn).WithField("mapped", mapped)
	sendPDU := fault.New(d.inj, func(p xdt.PDU) error {
		if p.Code == xdt.PDUCodeDT && p.DT.Sequ == 1 {
			// No ACK has recorded a peer endpoint yet: the initial DT goes
			// to the service named by its destination address.
			return d.peer.SendTo(&net.UDPAddr{IP: p.DT.DestAddr.Host, Port: int(p.DT.DestAddr.Port)}, p)
		}
		dest, err := d.resolvePeerUDP(inst)
		if err != nil {
			return err
		}
		return d.peer.SendTo(dest, p)
	}).Send
	deliver := func(s xdt.SDU) { d.deliverSDUToClient(inst, s) }

	s := sender.New(conn, d.cfg, inst.queue, sendPDU, deliver, logger)
	requ := sdu.Requ
	requ.Conn = conn
	inst.queue.Write(queue.Message{Type: queue.SDUType(xdt.SDUCodeXDATrequ), SDU: &xdt.SDU{Code: xdt.SDUCodeXDATrequ, Requ: requ}})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.unregisterSender(inst, ep)
		s.Process(d.instanceCtx())
	}()
}

func (d *Dispatcher) deliverToSenderMapped(sdu xdt.SDU) {
	d.mu.Lock()
	inst, ok := d.byMapped[sdu.Conn()]
	d.mu.Unlock()
	if !ok {
		d.logger.WithField("mapped", sdu.Conn()).Warn("no sender for mapped conn, dropped")
		return
	}
	rewritten := sdu.WithConn(inst.conn)
	inst.queue.Write(queue.Message{Type: queue.SDUType(sdu.Code), SDU: &rewritten})
}

func (d *Dispatcher) routeInitialAck(pdu xdt.PDU, from *net.UDPAddr) {
	ep := endpointOf(pdu.ACK.DestAddr, pdu.ACK.SourceAddr)
	d.mu.Lock()
	inst, ok := d.byEndpoint[ep]
	if ok {
		inst.peer = from
		d.byPeerKey[peerKey{conn: inst.conn, peer: from.String()}] = inst
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("no sender for initial ACK endpoint, dropped")
		return
	}
	inst.queue.Write(queue.Message{Type: queue.PDUType(xdt.PDUCodeACK), PDU: &pdu})
}

func (d *Dispatcher) routeToSenderByPeer(pdu xdt.PDU, from *net.UDPAddr) {
	conn := pdu.ACK.Conn
	if pdu.Code == xdt.PDUCodeABO {
		conn = pdu.ABO.Conn
	}
	d.mu.Lock()
	inst, ok := d.byPeerKey[peerKey{conn: conn, peer: from.String()}]
	d.mu.Unlock()
	if !ok {
		d.logger.WithField("conn", conn).Warn("no sender for peer/conn, dropped")
		return
	}
	inst.queue.Write(queue.Message{Type: queue.PDUType(pdu.Code), PDU: &pdu})
}

// --- helpers ---

func (d *Dispatcher) resolvePeerUDP(inst *instance) (*net.UDPAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst.peer == nil {
		return nil, fmt.Errorf("dispatcher: no peer endpoint recorded yet for conn %d", inst.conn)
	}
	return inst.peer, nil
}

func (d *Dispatcher) deliverSDUToClient(inst *instance, sdu xdt.SDU) {
	var out xdt.SDU
	var dest *net.UnixAddr
	if inst.kind == kindSender {
		out = sdu.WithConn(inst.mapped)
		dest = inst.sapConn
	} else {
		out = sdu
		dest = inst.sapConn
	}
	if err := d.service.SendTo(dest, out); err != nil {
		d.logger.WithError(err).Warn("failed to deliver SDU to client")
	}
}

func (d *Dispatcher) allocRealConn() uint32 {
	d.nextRealSeq++
	return d.nextRealSeq
}

func (d *Dispatcher) register(inst *instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byRealConn[inst.conn] = inst
	if inst.peer != nil {
		d.byPeerKey[peerKey{conn: inst.conn, peer: inst.peer.String()}] = inst
	}
}

func (d *Dispatcher) unregister(inst *instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byRealConn, inst.conn)
	if inst.peer != nil {
		delete(d.byPeerKey, peerKey{conn: inst.conn, peer: inst.peer.String()})
	}
}

func (d *Dispatcher) unregisterSender(inst *instance, ep senderEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byRealConn, inst.conn)
	delete(d.byMapped, inst.mapped)
	delete(d.byEndpoint, ep)
	if inst.peer != nil {
		delete(d.byPeerKey, peerKey{conn: inst.conn, peer: inst.peer.String()})
	}
}

func (d *Dispatcher) instanceCtx() context.Context {
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}
