package transport

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	xdt "github.com/j-koch/xdt-service"
)

// SDUHandler receives a successfully decoded SDU from a local client.
type SDUHandler func(sdu xdt.SDU, from *net.UnixAddr)

// UserSocket is a unixgram socket bound at a local access-point path.
// The dispatcher binds one, at its service access point (SAP) path, and
// exchanges the SDUs of every local user through it.
type UserSocket struct {
	logger *log.Entry
	path   string
	conn   *net.UnixConn
	wg     sync.WaitGroup
}

// ListenUser binds a unixgram socket at path, removing any stale socket
// file left behind by a previous run first.
func ListenUser(path string) (*UserSocket, error) {
	_ = unix.Unlink(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listen user socket %s: %w", path, err)
	}
	return &UserSocket{
		conn:   conn,
		path:   path,
		logger: log.WithField("component", "user-socket").WithField("path", path),
	}, nil
}

// Serve runs the receive loop until stop is closed or the socket errs.
func (u *UserSocket) Serve(stop <-chan struct{}, handler SDUHandler) {
	u.wg.Add(1)
	defer u.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, from, err := u.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			u.logger.WithError(err).Warn("user socket read failed")
			return
		}

		sdu, err := xdt.DecodeSDU(buf[:n])
		if err != nil {
			u.logger.WithError(err).Warn("dropping malformed SDU")
			continue
		}
		handler(sdu, from)
	}
}

// SendTo encodes and transmits sdu to a connected client at dest. A nil
// dest writes to the socket's connected peer, used when the SAP/UAP
// socket was dialed rather than bound.
func (u *UserSocket) SendTo(dest *net.UnixAddr, sdu xdt.SDU) error {
	encoded, err := xdt.EncodeSDU(sdu)
	if err != nil {
		return err
	}
	if dest == nil {
		_, err = u.conn.Write(encoded)
		return err
	}
	_, err = u.conn.WriteToUnix(encoded, dest)
	return err
}

// Close closes the socket, waits for Serve to return, and removes the
// socket file.
func (u *UserSocket) Close() error {
	err := u.conn.Close()
	u.wg.Wait()
	_ = unix.Unlink(u.path)
	return err
}
