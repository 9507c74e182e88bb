package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xdt "github.com/j-koch/xdt-service"
)

func TestPeerSocketRoundTrip(t *testing.T) {
	a, err := ListenPeer(Address{Host: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer a.Close()

	b, err := ListenPeer(Address{Host: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer b.Close()

	stop := make(chan struct{})
	received := make(chan xdt.PDU, 1)
	go b.Serve(stop, func(pdu xdt.PDU, from *net.UDPAddr) {
		received <- pdu
	})
	defer close(stop)

	want := xdt.NewDT(2, 7, false, []byte("hello"))
	require.NoError(t, a.SendTo(b.LocalAddr(), want))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PDU")
	}
}

func TestPeerSocketDropsMalformedDatagram(t *testing.T) {
	b, err := ListenPeer(Address{Host: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer b.Close()

	stop := make(chan struct{})
	received := make(chan xdt.PDU, 1)
	go b.Serve(stop, func(pdu xdt.PDU, from *net.UDPAddr) {
		received <- pdu
	})
	defer close(stop)

	conn, err := net.DialUDP("udp4", nil, b.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	want := xdt.NewABO(9)
	encoded, err := xdt.EncodePDU(want)
	require.NoError(t, err)
	_, err = conn.Write(encoded)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the well-formed PDU following the malformed one")
	}
}

func TestUserSocketRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sap.sock")

	u, err := ListenUser(path)
	require.NoError(t, err)
	defer u.Close()

	clientAddr := &net.UnixAddr{Name: filepath.Join(dir, "client.sock"), Net: "unixgram"}
	client, err := net.ListenUnixgram("unixgram", clientAddr)
	require.NoError(t, err)
	defer client.Close()

	stop := make(chan struct{})
	received := make(chan xdt.SDU, 1)
	var fromAddr *net.UnixAddr
	go u.Serve(stop, func(sdu xdt.SDU, from *net.UnixAddr) {
		fromAddr = from
		received <- sdu
	})
	defer close(stop)

	want := xdt.NewXDATrequ(3, 1, true, []byte("payload"))
	// The codec always carries both addresses as 4-byte IPv4 hosts.
	want.Requ.SourceAddr = xdt.Address{Host: net.IPv4(127, 0, 0, 1).To4(), Port: 50000, Slot: 1}
	want.Requ.DestAddr = xdt.Address{Host: net.IPv4(127, 0, 0, 1).To4(), Port: 50001}
	encoded, err := xdt.EncodeSDU(want)
	require.NoError(t, err)
	_, err = client.WriteToUnix(encoded, &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SDU")
	}

	reply := xdt.NewXDATconf(3, 1)
	require.NoError(t, u.SendTo(fromAddr, reply))

	buf := make([]byte, 4096)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	got, err := xdt.DecodeSDU(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestListenUserRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uap.sock")

	first, err := ListenUser(path)
	require.NoError(t, err)
	first.conn.Close() // skip Close's unlink, leaving the socket file behind

	second, err := ListenUser(path)
	require.NoError(t, err)
	defer second.Close()
}
