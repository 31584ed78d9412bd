//go:build linux

package system

import (
	"context"
	"io"
	"net/netip"
	"os"
	"testing"
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	M "github.com/sagernet/sing-pipeline/common/metadata"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (int, netip.AddrPort) {
	fds, err := Listen(M.Endpoint{Address: "127.0.0.1"}, false)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	t.Cleanup(func() {
		Close(fds[0])
	})
	addrPort, err := SockName(fds[0])
	require.NoError(t, err)
	require.NotZero(t, addrPort.Port())
	return fds[0], addrPort
}

func acceptEventually(t *testing.T, fd int) int {
	require.NoError(t, WaitReadable(fd))
	connFD, err := Accept(fd)
	require.NoError(t, err)
	t.Cleanup(func() {
		Close(connFD)
	})
	return connFD
}

func TestResolveLiteral(t *testing.T) {
	t.Parallel()
	addrs, err := Resolve(context.Background(), "::ffff:10.0.0.1", false)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addrs)
}

func TestResolvePreference(t *testing.T) {
	t.Parallel()
	addrs, err := Resolve(context.Background(), "localhost", true)
	if err != nil {
		t.Skip("localhost does not resolve: ", err)
	}
	seenV4 := false
	for _, addr := range addrs {
		if addr.Is4() {
			seenV4 = true
		} else {
			require.False(t, seenV4, "IPv6 address after IPv4 address")
		}
	}
}

func TestAcceptWouldBlock(t *testing.T) {
	t.Parallel()
	fd, _ := listenLoopback(t)
	nonblocking, err := IsNonblocking(fd)
	require.NoError(t, err)
	require.True(t, nonblocking)
	_, err = Accept(fd)
	require.ErrorIs(t, err, E.ErrWouldBlock)
	require.True(t, E.IsTimeout(err))
}

func TestConnectAccept(t *testing.T) {
	t.Parallel()
	listenFD, addrPort := listenLoopback(t)
	connFD, err := Connect(M.EndpointFromAddrPort(addrPort), false)
	require.NoError(t, err)
	require.NoError(t, WaitWritable(connFD))
	require.NoError(t, IsConnected(connFD))

	serverFD := acceptEventually(t, listenFD)
	nonblocking, err := IsNonblocking(serverFD)
	require.NoError(t, err)
	require.True(t, nonblocking)

	peer, err := PeerName(serverFD)
	require.NoError(t, err)
	local, err := SockName(connFD)
	require.NoError(t, err)
	require.Equal(t, local, peer)

	buffer := make([]byte, 16)
	_, err = Read(serverFD, buffer)
	require.ErrorIs(t, err, E.ErrWouldBlock)

	n, err := Write(connFD, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, WaitReadable(serverFD))
	n, err = Read(serverFD, buffer)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buffer[:n]))

	require.NoError(t, Close(connFD))
	require.NoError(t, WaitReadable(serverFD))
	_, err = Read(serverFD, buffer)
	require.ErrorIs(t, err, io.EOF)
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()
	fds, err := Listen(M.Endpoint{Address: "127.0.0.1"}, false)
	require.NoError(t, err)
	addrPort, err := SockName(fds[0])
	require.NoError(t, err)
	Close(fds[0])
	connFD, err := Connect(M.EndpointFromAddrPort(addrPort), false)
	if err != nil {
		return
	}
	defer Close(connFD)
	require.NoError(t, WaitWritable(connFD))
	require.Error(t, IsConnected(connFD))
}

func TestWaitDeadline(t *testing.T) {
	t.Parallel()
	fd, _ := listenLoopback(t)
	err := Wait(fd, false, time.Now().Add(10*time.Millisecond))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}
