package dispatcher

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xdt "github.com/j-koch/xdt-service"
	"github.com/j-koch/xdt-service/pkg/config"
	"github.com/j-koch/xdt-service/pkg/fault"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.T1 = 50 * time.Millisecond
	cfg.T2 = 50 * time.Millisecond
	cfg.T3 = 150 * time.Millisecond
	cfg.ReceiverTimeout = 150 * time.Millisecond
	return cfg
}

// startPair brings up a producer-side dispatcher and a consumer-side
// dispatcher on loopback, bound to fixed ports 49200 and 49201.
func startPair(t *testing.T, cfg config.Config) (prod, cons *Dispatcher, prodAddr, consAddr xdt.Address) {
	t.Helper()

	prodAddr = xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 49200}
	consAddr = xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 49201}

	var err error
	prod, err = New(prodAddr, cfg, fault.CaseNone, nil)
	require.NoError(t, err)
	cons, err = New(consAddr, cfg, fault.CaseNone, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go prod.Run(ctx)
	go cons.Run(ctx)

	t.Cleanup(func() {
		os.Remove(prodAddr.SAPPath())
		os.Remove(consAddr.SAPPath())
	})

	return prod, cons, prodAddr, consAddr
}

func dialSAP(t *testing.T, target xdt.Address) *net.UnixConn {
	t.Helper()
	local := &net.UnixAddr{Name: filepath.Join(t.TempDir(), "client.sock"), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", local)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendSDU(t *testing.T, conn *net.UnixConn, target string, sdu xdt.SDU) {
	t.Helper()
	encoded, err := xdt.EncodeSDU(sdu)
	require.NoError(t, err)
	_, err = conn.WriteToUnix(encoded, &net.UnixAddr{Name: target, Net: "unixgram"})
	require.NoError(t, err)
}

func recvSDU(t *testing.T, conn *net.UnixConn, timeout time.Duration) xdt.SDU {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	sdu, err := xdt.DecodeSDU(buf[:n])
	require.NoError(t, err)
	return sdu
}

func TestHappySingleDTEndToEnd(t *testing.T) {
	// Registered before startPair, so it runs after startPair's cleanup
	// has canceled both dispatchers.
	t.Cleanup(func() {
		goleak.VerifyNone(t,
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	})

	cfg := fastConfig()
	prod, cons, prodAddr, consAddr := startPair(t, cfg)
	_ = prod
	_ = cons

	// Give the dispatchers a moment to bind their sockets.
	time.Sleep(20 * time.Millisecond)

	producerClient := dialSAP(t, prodAddr)

	producerAddr := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 50000, Slot: 1}
	consumerAddr := xdt.Address{Host: consAddr.Host, Port: consAddr.Port, Slot: 1}

	require.NoError(t, os.MkdirAll(filepath.Dir(consumerAddr.UAPPath()), 0o755))
	uapListener, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: consumerAddr.UAPPath(), Net: "unixgram"})
	require.NoError(t, err)
	defer func() {
		uapListener.Close()
		os.Remove(consumerAddr.UAPPath())
	}()

	requ := xdt.NewInitialXDATrequ(producerAddr, consumerAddr, true, []byte("hi"))
	sendSDU(t, producerClient, prodAddr.SAPPath(), requ)

	conf := recvSDU(t, producerClient, 2*time.Second)
	assert.Equal(t, xdt.SDUCodeXDATconf, conf.Code)
	assert.Equal(t, uint32(1), conf.Conf.Sequ)

	dis := recvSDU(t, producerClient, 2*time.Second)
	assert.Equal(t, xdt.SDUCodeXDISind, dis.Code)

	buf := make([]byte, 4096)
	require.NoError(t, uapListener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := uapListener.Read(buf)
	require.NoError(t, err)
	ind, err := xdt.DecodeSDU(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, xdt.SDUCodeXDATind, ind.Code)
	assert.Equal(t, []byte("hi"), ind.Ind.Data)

	require.NoError(t, uapListener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = uapListener.Read(buf)
	require.NoError(t, err)
	recvDis, err := xdt.DecodeSDU(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, xdt.SDUCodeXDISind, recvDis.Code)
}

func TestFailedConnectDAT1Aborts(t *testing.T) {
	cfg := fastConfig()
	local := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 49210}
	d, err := New(local, cfg, fault.CaseDAT1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		os.Remove(local.SAPPath())
	})

	time.Sleep(20 * time.Millisecond)
	client := dialSAP(t, local)

	producerAddr := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 50010, Slot: 1}
	consumerAddr := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 49299, Slot: 1}
	requ := xdt.NewInitialXDATrequ(producerAddr, consumerAddr, false, []byte("x"))
	sendSDU(t, client, local.SAPPath(), requ)

	abort := recvSDU(t, client, 2*time.Second)
	assert.Equal(t, xdt.SDUCodeXABORTind, abort.Code)
}

func TestInstanceTableFullDropsExcessConnections(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConnections = 1
	local := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 49220}
	d, err := New(local, cfg, fault.CaseDAT1, nil) // DAT1 so the first connection dies quickly too
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		os.Remove(local.SAPPath())
	})

	time.Sleep(20 * time.Millisecond)
	client := dialSAP(t, local)

	consumerAddr := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: 49298, Slot: 1}
	for n := 0; n < 2; n++ {
		producerAddr := xdt.Address{Host: net.IPv4(127, 0, 0, 1), Port: uint16(50020 + n), Slot: 1}
		requ := xdt.NewInitialXDATrequ(producerAddr, consumerAddr, false, []byte("x"))
		sendSDU(t, client, local.SAPPath(), requ)
	}

	// At least the first connection's abort must arrive; the second, if
	// over the limit, is silently dropped rather than erroring out.
	abort := recvSDU(t, client, 2*time.Second)
	assert.Equal(t, xdt.SDUCodeXABORTind, abort.Code)
}
