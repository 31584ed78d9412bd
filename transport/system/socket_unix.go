//go:build unix

package system

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	M "github.com/sagernet/sing-pipeline/common/metadata"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Listen creates one non-blocking listening socket per address of
// endpoint. An empty address listens on the wildcard address of the
// preferred family.
func Listen(endpoint M.Endpoint, preferIPv6 bool) ([]int, error) {
	var addrs []netip.Addr
	if endpoint.Address == "" {
		if preferIPv6 {
			addrs = []netip.Addr{netip.IPv6Unspecified()}
		} else {
			addrs = []netip.Addr{netip.IPv4Unspecified()}
		}
	} else {
		var err error
		addrs, err = Resolve(context.Background(), endpoint.Address, preferIPv6)
		if err != nil {
			return nil, err
		}
	}
	var (
		fds  []int
		errs []error
	)
	for _, addr := range addrs {
		fd, err := listen(netip.AddrPortFrom(addr, endpoint.Port))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fds = append(fds, fd)
	}
	if len(fds) == 0 {
		return nil, E.Cause(E.Errors(errs...), "listen ", endpoint)
	}
	return fds, nil
}

func listen(addrPort netip.AddrPort) (int, error) {
	family, sockaddr, err := toSockaddr(addrPort)
	if err != nil {
		return -1, err
	}
	fd, err := socket(family)
	if err != nil {
		return -1, err
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err == nil && family == unix.AF_INET6 {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	if err == nil {
		err = unix.Bind(fd, sockaddr)
	}
	if err == nil {
		err = unix.Listen(fd, listenBacklog)
	}
	if err != nil {
		unix.Close(fd)
		return -1, E.Cause(err, "listen ", addrPort)
	}
	return fd, nil
}

// Connect starts a non-blocking connect to the first address of endpoint
// that accepts it. Completion is signalled by write readiness, see
// IsConnected.
func Connect(endpoint M.Endpoint, preferIPv6 bool) (int, error) {
	addrs, err := Resolve(context.Background(), endpoint.Address, preferIPv6)
	if err != nil {
		return -1, err
	}
	var errs []error
	for _, addr := range addrs {
		addrPort := netip.AddrPortFrom(addr, endpoint.Port)
		family, sockaddr, err := toSockaddr(addrPort)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fd, err := socket(family)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		err = unix.Connect(fd, sockaddr)
		if err == nil || err == unix.EINPROGRESS {
			return fd, nil
		}
		unix.Close(fd)
		errs = append(errs, E.Cause(err, "connect ", addrPort))
	}
	return -1, E.Errors(errs...)
}

// Accept accepts one pending connection and sets it non-blocking.
func Accept(fd int) (int, error) {
	for {
		connFD, _, err := unix.Accept(fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, mapError(err)
		}
		unix.CloseOnExec(connFD)
		err = unix.SetNonblock(connFD, true)
		if err != nil {
			unix.Close(connFD)
			return -1, E.Cause(err, "set non-blocking")
		}
		return connFD, nil
	}
}

// IsConnected reports the result of a non-blocking connect.
func IsConnected(fd int) error {
	soError, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soError != 0 {
		return syscall.Errno(soError)
	}
	_, err = unix.Getpeername(fd)
	if err != nil {
		return E.Cause(err, "getpeername")
	}
	return nil
}

func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, mapError(err)
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, mapError(err)
		}
		return n, nil
	}
}

func WaitReadable(fd int) error {
	return Wait(fd, false, time.Time{})
}

func WaitWritable(fd int) error {
	return Wait(fd, true, time.Time{})
}

// Wait blocks until fd is readable, or writable if writable is set. A zero
// deadline waits forever; an expired one returns os.ErrDeadlineExceeded.
func Wait(fd int, writable bool, deadline time.Time) error {
	events := int16(unix.POLLIN)
	if writable {
		events = unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		timeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return os.ErrDeadlineExceeded
			}
			timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR || err == nil && n == 0 {
			continue
		}
		return err
	}
}

func Close(fd int) error {
	return unix.Close(fd)
}

func IsNonblocking(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

func SockName(fd int) (netip.AddrPort, error) {
	sockaddr, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sockaddr), nil
}

func PeerName(fd int) (netip.AddrPort, error) {
	sockaddr, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sockaddr), nil
}

func socket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, E.Cause(err, "socket")
	}
	unix.CloseOnExec(fd)
	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return -1, E.Cause(err, "set non-blocking")
	}
	return fd, nil
}

func toSockaddr(addrPort netip.AddrPort) (int, unix.Sockaddr, error) {
	addr := addrPort.Addr()
	if addr.Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(addrPort.Port()), Addr: addr.As4()}, nil
	}
	sockaddr := &unix.SockaddrInet6{Port: int(addrPort.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		iface, err := net.InterfaceByName(zone)
		if err != nil {
			return 0, nil, E.Cause(err, "resolve zone ", zone)
		}
		sockaddr.ZoneId = uint32(iface.Index)
	}
	return unix.AF_INET6, sockaddr, nil
}

func fromSockaddr(sockaddr unix.Sockaddr) netip.AddrPort {
	switch sockaddr := sockaddr.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sockaddr.Addr), uint16(sockaddr.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(unmap(netip.AddrFrom16(sockaddr.Addr)), uint16(sockaddr.Port))
	}
	return netip.AddrPort{}
}

func mapError(err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return E.ErrWouldBlock
	}
	return err
}
