package tcp

import (
	"time"

	tls "github.com/refraction-networking/utls"
)

// ListenHandler receives the events of a Listener. All methods run on the
// poller goroutine.
type ListenHandler interface {
	HandleListen(listener *Listener)
	// HandleAccept takes ownership of fd unless it returns an error, in which
	// case the listener closes fd and reports the error to HandleAcceptError.
	HandleAccept(listener *Listener, fd int, tlsConfig *tls.Config, certificate *tls.Certificate) error
	HandleAcceptError(listener *Listener, err error)
	HandleListenClose(listener *Listener)
}

// ConnectHandler receives the result of a Connector.
type ConnectHandler interface {
	// HandleConnect takes ownership of fd. An error makes the connector close
	// fd and try the next endpoint.
	HandleConnect(connector *Connector, fd int, rtt time.Duration, tlsConfig *tls.Config, extra any) error
	HandleConnectError(connector *Connector, err error)
}
