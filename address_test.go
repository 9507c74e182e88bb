package xdt

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("127.0.0.1:50000.3")
	require.NoError(t, err)
	assert.True(t, addr.Host.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, uint16(50000), addr.Port)
	assert.Equal(t, uint32(3), addr.Slot)
}

func TestParseAddressDefaultSlot(t *testing.T) {
	addr, err := ParseAddress("127.0.0.1:49152")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), addr.Slot)
}

func TestParseAddressPortOutOfRange(t *testing.T) {
	_, err := ParseAddress("127.0.0.1:1024")
	assert.ErrorIs(t, err, ErrAddressParse)
}

func TestParseAddressMalformed(t *testing.T) {
	_, err := ParseAddress("not-an-address")
	assert.ErrorIs(t, err, ErrAddressParse)
}

func TestSAPAndUAPPaths(t *testing.T) {
	addr := Address{Host: net.IPv4(192, 168, 1, 1), Port: 50010, Slot: 4}
	assert.Equal(t, "/tmp/xdt-192.168.1.1:50010", addr.SAPPath())
	assert.Equal(t, "/tmp/xdt-192.168.1.1:50010.4", addr.UAPPath())
}

func TestAddressEqual(t *testing.T) {
	a := Address{Host: net.IPv4(10, 0, 0, 1), Port: 50000, Slot: 1}
	b := Address{Host: net.IPv4(10, 0, 0, 1), Port: 50000, Slot: 1}
	c := Address{Host: net.IPv4(10, 0, 0, 1), Port: 50000, Slot: 2}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.ServiceEqual(c))
}
