package stream

import (
	"net"
	"time"

	"github.com/sagernet/sing-pipeline/transport/system"

	"github.com/eapache/queue"
)

// socketConn adapts a non-blocking descriptor to net.Conn for the TLS layer.
// Writes are queued and never report would-block, so a TLS record is never
// half written from the TLS layer's point of view. In blocking mode, used
// while a handshake runs off the poller, reads and writes wait for readiness.
type socketConn struct {
	fd       int
	pending  *queue.Queue
	offset   int
	blocking bool
	deadline time.Time
	err      error
}

func newSocketConn(fd int) *socketConn {
	return &socketConn{
		fd:      fd,
		pending: queue.New(),
	}
}

func (c *socketConn) Read(p []byte) (int, error) {
	for {
		n, err := system.Read(c.fd, p)
		if err != nil && c.blocking && isWouldBlock(err) {
			err = system.Wait(c.fd, false, c.deadline)
			if err != nil {
				return 0, err
			}
			continue
		}
		return n, err
	}
}

func (c *socketConn) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.pending.Add(append([]byte(nil), p...))
	err := c.flush()
	for err == nil && c.blocking && c.Pending() {
		err = system.Wait(c.fd, true, c.deadline)
		if err == nil {
			err = c.flush()
		}
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush writes queued data until the socket would block.
func (c *socketConn) flush() error {
	if c.err != nil {
		return c.err
	}
	for c.pending.Length() > 0 {
		chunk := c.pending.Peek().([]byte)
		n, err := system.Write(c.fd, chunk[c.offset:])
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			c.err = err
			return err
		}
		c.offset += n
		if c.offset == len(chunk) {
			c.pending.Remove()
			c.offset = 0
		}
	}
	return nil
}

func (c *socketConn) Pending() bool {
	return c.pending.Length() > 0
}

func (c *socketConn) Close() error {
	return nil
}

func (c *socketConn) LocalAddr() net.Addr {
	addrPort, err := system.SockName(c.fd)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(addrPort)
}

func (c *socketConn) RemoteAddr() net.Addr {
	addrPort, err := system.PeerName(c.fd)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(addrPort)
}

func (c *socketConn) SetDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *socketConn) SetReadDeadline(t time.Time) error {
	return c.SetDeadline(t)
}

func (c *socketConn) SetWriteDeadline(t time.Time) error {
	return c.SetDeadline(t)
}
