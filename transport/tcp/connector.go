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

const DefaultConnectTimeout = 10 * time.Second

// Connector establishes an outbound connection without blocking the poller,
// trying each address of its endpoint in turn.
type Connector struct {
	poller     *poll.Poller
	handler    ConnectHandler
	logger     logrus.FieldLogger
	endpoints  []M.Endpoint
	preferIPv6 bool
	tlsConfig  *tls.Config
	extra      any
	watchdog   time.Duration
	fd         int
	current    M.Endpoint
	startedAt  time.Time
	errs       []error
	done       bool
}

// NewConnector starts connecting to endpoint. The outcome is delivered to
// handler, possibly before NewConnector returns.
func NewConnector(poller *poll.Poller, handler ConnectHandler, endpoint M.Endpoint, preferIPv6 bool, tlsConfig *tls.Config, extra any, options ...Option) *Connector {
	connector := &Connector{
		poller:     poller,
		handler:    handler,
		logger:     log.NewLogger("connector"),
		endpoints:  endpoint.Split(),
		preferIPv6: preferIPv6,
		tlsConfig:  tlsConfig,
		extra:      extra,
		watchdog:   DefaultConnectTimeout,
		fd:         -1,
	}
	for _, option := range options {
		option(connector)
	}
	connector.next()
	return connector
}

func (c *Connector) FD() int {
	return c.fd
}

func (c *Connector) Watchdog() time.Duration {
	return c.watchdog
}

func (c *Connector) Extra() any {
	return c.extra
}

func (c *Connector) String() string {
	return "connector " + c.current.String()
}

func (c *Connector) next() {
	for len(c.endpoints) > 0 {
		c.current = c.endpoints[0]
		c.endpoints = c.endpoints[1:]
		fd, err := system.Connect(c.current, c.preferIPv6)
		if err != nil {
			c.errs = append(c.errs, err)
			continue
		}
		c.fd = fd
		c.startedAt = time.Now()
		err = c.poller.SetWritable(c)
		if err != nil {
			system.Close(fd)
			c.fd = -1
			c.errs = append(c.errs, E.Cause(err, "register connector"))
			continue
		}
		c.logger.Debug("connecting to ", c.current)
		return
	}
	c.done = true
	c.handler.HandleConnectError(c, E.Cause(E.Errors(c.errs...), "connect failed"))
}

// HandleRead is never requested; connectors only wait for write readiness.
func (c *Connector) HandleRead() {
}

func (c *Connector) HandleWrite() {
	fd := c.fd
	c.poller.UnsetWritable(c)
	err := system.IsConnected(fd)
	if err != nil {
		c.failover(E.Cause(err, "connect ", c.current))
		return
	}
	rtt := time.Since(c.startedAt)
	c.fd = -1
	err = c.handler.HandleConnect(c, fd, rtt, c.tlsConfig, c.extra)
	if err != nil {
		c.logger.Debug("connection setup to ", c.current, " failed: ", err)
		system.Close(fd)
		c.failover(err)
		return
	}
	c.done = true
	c.logger.Debug("connected to ", c.current, " in ", rtt)
}

// HandleClose is called by the poller when the attempt times out or the
// connector is closed.
func (c *Connector) HandleClose() {
	if c.done || c.fd < 0 {
		return
	}
	c.failover(E.New("connect ", c.current, ": timed out"))
}

// Close abandons the connection attempt without notifying the handler.
func (c *Connector) Close() {
	c.done = true
	c.poller.Close(c)
	if c.fd >= 0 {
		system.Close(c.fd)
		c.fd = -1
	}
}

func (c *Connector) failover(err error) {
	c.poller.UnsetWritable(c)
	if c.fd >= 0 {
		system.Close(c.fd)
		c.fd = -1
	}
	c.errs = append(c.errs, err)
	c.next()
}
