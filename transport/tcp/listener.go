package tcp

import (
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"
	M "github.com/sagernet/sing-pipeline/common/metadata"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/transport/system"

	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
)

// Listener accepts connections on a listening socket whenever the poller
// reports it readable. It never times out.
type Listener struct {
	poller      *poll.Poller
	handler     ListenHandler
	logger      logrus.FieldLogger
	fd          int
	endpoint    M.Endpoint
	tlsConfig   *tls.Config
	certificate *tls.Certificate
	closed      bool
}

// NewListener registers fd for read readiness and announces the listener to
// handler. The listener owns fd from then on.
func NewListener(poller *poll.Poller, handler ListenHandler, fd int, endpoint M.Endpoint, tlsConfig *tls.Config, certificate *tls.Certificate) (*Listener, error) {
	listener := &Listener{
		poller:      poller,
		handler:     handler,
		logger:      log.NewLogger("listener"),
		fd:          fd,
		endpoint:    endpoint,
		tlsConfig:   tlsConfig,
		certificate: certificate,
	}
	err := poller.SetReadable(listener)
	if err != nil {
		return nil, E.Cause(err, "register listener ", endpoint)
	}
	handler.HandleListen(listener)
	return listener, nil
}

// Listen opens a listening socket for every address of endpoint and wraps
// each in a Listener.
func Listen(poller *poll.Poller, handler ListenHandler, endpoint M.Endpoint, preferIPv6 bool, tlsConfig *tls.Config, certificate *tls.Certificate) ([]*Listener, error) {
	var listeners []*Listener
	for _, address := range endpoint.Split() {
		fds, err := system.Listen(address, preferIPv6)
		if err != nil {
			closeListeners(listeners)
			return nil, err
		}
		for i, fd := range fds {
			listener, err := NewListener(poller, handler, fd, address, tlsConfig, certificate)
			if err != nil {
				for _, pending := range fds[i:] {
					system.Close(pending)
				}
				closeListeners(listeners)
				return nil, err
			}
			listeners = append(listeners, listener)
		}
	}
	return listeners, nil
}

func closeListeners(listeners []*Listener) {
	for _, listener := range listeners {
		listener.Close()
	}
}

func (l *Listener) FD() int {
	return l.fd
}

func (l *Listener) Watchdog() time.Duration {
	return poll.NoWatchdog
}

func (l *Listener) Endpoint() M.Endpoint {
	return l.endpoint
}

// LocalAddr returns the bound address, which carries the actual port when
// the listener was created for port 0.
func (l *Listener) LocalAddr() M.Endpoint {
	addrPort, err := system.SockName(l.fd)
	if err != nil {
		return l.endpoint
	}
	return M.EndpointFromAddrPort(addrPort)
}

func (l *Listener) Closed() bool {
	return l.closed
}

func (l *Listener) String() string {
	return "listener " + l.endpoint.String()
}

func (l *Listener) HandleRead() {
	if l.closed {
		return
	}
	fd, err := system.Accept(l.fd)
	if err != nil {
		l.handler.HandleAcceptError(l, E.Cause(err, "accept on ", l.endpoint))
		return
	}
	if peer, err := system.PeerName(fd); err == nil {
		l.logger.Debug("accepted ", peer, " on ", l.endpoint)
	}
	err = l.handler.HandleAccept(l, fd, l.tlsConfig, l.certificate)
	if err != nil {
		system.Close(fd)
		l.handler.HandleAcceptError(l, err)
	}
}

// HandleClose runs after Close has released the listening socket.
func (l *Listener) HandleClose() {
	if l.closed {
		return
	}
	l.closed = true
	l.handler.HandleListenClose(l)
}

// Close unregisters the listener, closes the listening socket and then
// reports the close to the handler.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.poller.UnsetReadable(l)
	err := system.Close(l.fd)
	l.poller.Close(l)
	return err
}
