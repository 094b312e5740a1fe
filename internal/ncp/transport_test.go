package ncp

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenTransportTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := OpenTransport(context.Background(), TransportConfig{Path: "tcp://" + ln.Addr().String()})
	require.NoError(t, err)
	defer conn.Close()

	peer := <-accepted
	defer peer.Close()

	_, err = conn.Write([]byte{0x42, 0x4C})
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0x4C}, buf)
}

func TestOpenTransportErrors(t *testing.T) {
	_, err := OpenTransport(context.Background(), TransportConfig{})
	assert.Error(t, err)

	_, err = OpenTransport(context.Background(), TransportConfig{Path: "/dev/does-not-exist-blz"})
	assert.Error(t, err)
}

func TestIsTCP(t *testing.T) {
	assert.True(t, IsTCP("tcp://192.168.1.10:6638"))
	assert.False(t, IsTCP("/dev/ttyUSB0"))
}
