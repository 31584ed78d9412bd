//go:build !unix

package system

import (
	"net/netip"
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	M "github.com/sagernet/sing-pipeline/common/metadata"
)

var errUnsupported = E.New("raw sockets not supported on this platform")

func Listen(endpoint M.Endpoint, preferIPv6 bool) ([]int, error) {
	return nil, errUnsupported
}

func Connect(endpoint M.Endpoint, preferIPv6 bool) (int, error) {
	return -1, errUnsupported
}

func Accept(fd int) (int, error) {
	return -1, errUnsupported
}

func IsConnected(fd int) error {
	return errUnsupported
}

func Read(fd int, p []byte) (int, error) {
	return 0, errUnsupported
}

func Write(fd int, p []byte) (int, error) {
	return 0, errUnsupported
}

func WaitReadable(fd int) error {
	return errUnsupported
}

func WaitWritable(fd int) error {
	return errUnsupported
}

func Wait(fd int, writable bool, deadline time.Time) error {
	return errUnsupported
}

func Close(fd int) error {
	return errUnsupported
}

func IsNonblocking(fd int) (bool, error) {
	return false, errUnsupported
}

func SockName(fd int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errUnsupported
}

func PeerName(fd int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errUnsupported
}
