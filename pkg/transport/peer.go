// Package transport wraps the two primitive sockets XDT runs over: a UDP
// socket for peer-to-peer PDUs, and a local-domain (unixgram) socket for
// user SDUs (§1: these are "platform primitives", but the calling
// convention around them — a background receive loop feeding a
// dispatcher callback — is ambient plumbing every instance needs).
// Grounded on the teacher's pkg/can/virtual.Bus: Connect/Send/Recv wired
// to a background "handleReception" goroutine that hands frames to a
// subscriber.
package transport

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	xdt "github.com/j-koch/xdt-service"
)

// PDUHandler receives a successfully decoded PDU and the peer address it
// arrived from.
type PDUHandler func(pdu xdt.PDU, from *net.UDPAddr)

// PeerSocket is the UDP socket the dispatcher listens on for peer PDUs
// and sends through for the Sender/Receiver instances' replies.
type PeerSocket struct {
	logger *log.Entry
	conn   *net.UDPConn
	wg     sync.WaitGroup
}

// ListenPeer binds a UDP socket at addr (§4.3: "bind peer UDP socket to
// (host,port)").
func ListenPeer(addr Address) (*PeerSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr.Host, Port: int(addr.Port)})
	if err != nil {
		return nil, fmt.Errorf("listen peer socket: %w", err)
	}
	return &PeerSocket{conn: conn, logger: log.WithField("component", "peer-socket")}, nil
}

// Address is a minimal (host, port) pair; transport doesn't need the
// slot field the XDT Address carries.
type Address struct {
	Host net.IP
	Port uint16
}

// Serve runs the receive loop until stop is closed or the socket errs.
// Each well-formed datagram is decoded and handed to handler; malformed
// datagrams are logged and dropped per §7 ("Protocol errors... logged
// and the offending datagram dropped; no connection impact").
func (p *PeerSocket) Serve(stop <-chan struct{}, handler PDUHandler) {
	p.wg.Add(1)
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			p.logger.WithError(err).Warn("peer socket read failed")
			return
		}

		pdu, err := xdt.DecodePDU(buf[:n])
		if err != nil {
			p.logger.WithError(err).Warn("dropping malformed PDU")
			continue
		}
		handler(pdu, from)
	}
}

// SendTo encodes and transmits pdu to dest. This is the Sender passed to
// pkg/fault.Injector.
func (p *PeerSocket) SendTo(dest *net.UDPAddr, pdu xdt.PDU) error {
	encoded, err := xdt.EncodePDU(pdu)
	if err != nil {
		return err
	}
	_, err = p.conn.WriteToUDP(encoded, dest)
	return err
}

// LocalAddr returns the bound local address.
func (p *PeerSocket) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the underlying socket and waits for Serve to return.
func (p *PeerSocket) Close() error {
	err := p.conn.Close()
	p.wg.Wait()
	return err
}
