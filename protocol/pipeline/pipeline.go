// Package pipeline drives a sequence of GET requests over one persistent
// HTTP connection and copies the response bodies to an output stream.
package pipeline

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"time"

	sing "github.com/sagernet/sing-pipeline"
	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"
	M "github.com/sagernet/sing-pipeline/common/metadata"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/protocol/http"
	"github.com/sagernet/sing-pipeline/transport/tcp"

	"github.com/eapache/queue"
	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrUnexpectedResponse reports a response received while no request was
// outstanding.
var ErrUnexpectedResponse = E.New("pipeline: unexpected response")

var (
	_ tcp.ConnectHandler = (*Client)(nil)
	_ http.ClientHandler = (*Client)(nil)
	_ http.CloseHandler  = (*Client)(nil)
	_ Conn               = (*http.ClientConn)(nil)
)

// Context is the per-connection state of the driver, kept in the Extra slot
// of the connection's http.ClientContext.
type Context struct {
	Address string
	Port    uint16
	// Paths holds the resource paths not yet requested.
	Paths *queue.Queue
	// Outstanding counts requests sent but not yet answered.
	Outstanding int

	body io.WriteCloser
}

func NewContext(address string, port uint16, paths []string) *Context {
	pathQueue := queue.New()
	for _, path := range paths {
		pathQueue.Add(path)
	}
	return &Context{
		Address: address,
		Port:    port,
		Paths:   pathQueue,
	}
}

// Conn is the part of an HTTP client connection the driver uses.
type Conn interface {
	Context() *http.ClientContext
	AppendRequest(method, target, protocol string)
	AppendHeader(name, value string)
	AppendEndOfHeaders()
	SendMessage() error
	Close()
}

type Client struct {
	poller   *poll.Poller
	client   *http.Client
	logger   logrus.FieldLogger
	buffered *bufio.Writer
	active   map[*Context]struct{}
}

// NewClient returns a driver writing response bodies to output. Each
// connection decodes its bodies as UTF-8 on its own, so connections never
// share a partial sequence.
func NewClient(poller *poll.Poller, output io.Writer) *Client {
	c := &Client{
		poller:   poller,
		logger:   log.NewLogger("pipeline"),
		buffered: bufio.NewWriter(output),
		active:   make(map[*Context]struct{}),
	}
	c.client = http.NewClient(poller, c)
	return c
}

// Connect starts connecting to endpoint and requests paths, in order, once
// connected.
func (c *Client) Connect(endpoint M.Endpoint, preferIPv6 bool, tlsConfig *tls.Config, paths []string, options ...tcp.Option) *Context {
	context := NewContext(endpoint.Split()[0].Address, endpoint.Port, paths)
	tcp.NewConnector(c.poller, c, endpoint, preferIPv6, tlsConfig, context, options...)
	return context
}

func (c *Client) HandleConnect(connector *tcp.Connector, fd int, rtt time.Duration, tlsConfig *tls.Config, extra any) error {
	_, err := c.client.CreateStream(fd, c.connectionMade, nil, tlsConfig, nil, extra)
	return err
}

func (c *Client) HandleConnectError(connector *tcp.Connector, err error) {
	c.poller.Abort(err)
}

func (c *Client) connectionMade(conn *http.ClientConn) error {
	return c.ConnectionReady(conn)
}

// ConnectionReady sends the next queued request on conn, or closes conn
// when no path is left.
func (c *Client) ConnectionReady(conn Conn) error {
	context := conn.Context().Extra.(*Context)
	if context.Paths.Length() == 0 {
		conn.Close()
		return nil
	}
	path := context.Paths.Remove().(string)
	conn.AppendRequest("GET", path, "HTTP/1.1")
	conn.AppendHeader("Host", net.JoinHostPort(context.Address, strconv.Itoa(int(context.Port))))
	conn.AppendHeader("User-Agent", sing.UserAgent())
	conn.AppendHeader("Cache-Control", "no-cache")
	conn.AppendHeader("Pragma", "no-cache")
	conn.AppendEndOfHeaders()
	err := conn.SendMessage()
	if err != nil {
		c.logger.Debug("request ", path, ": ", err)
		conn.Close()
		return nil
	}
	conn.Context().Body = c.body(context)
	context.Outstanding++
	c.logger.Debug("requested ", path)
	return nil
}

func (c *Client) HandleEndOfBody(conn *http.ClientConn) error {
	return c.ResponseComplete(conn)
}

// ResponseComplete accounts for a complete response on conn and continues
// with the next request unless the server asked to close the connection.
// A response without an outstanding request is an error.
func (c *Client) ResponseComplete(conn Conn) error {
	clientContext := conn.Context()
	context := clientContext.Extra.(*Context)
	if context.Outstanding <= 0 {
		return ErrUnexpectedResponse
	}
	context.Outstanding--
	err := c.Flush()
	if err != nil {
		return E.Cause(err, "write output")
	}
	if !http.KeepAlive(clientContext.Protocol, clientContext.Headers) {
		conn.Close()
		return nil
	}
	return c.ConnectionReady(conn)
}

func (c *Client) HandleClose(conn *http.ClientConn) {
	context := conn.Context().Extra.(*Context)
	if context.Paths.Length() > 0 || context.Outstanding > 0 {
		c.logger.Warn("connection closed with ", context.Paths.Length(), " paths not requested and ", context.Outstanding, " responses missing")
	}
	err := c.ConnectionClosed(context)
	if err != nil {
		c.logger.Warn("write output: ", err)
	}
}

// body returns the UTF-8 decoding writer of context.
func (c *Client) body(context *Context) io.Writer {
	if context.body == nil {
		context.body = transform.NewWriter(c.buffered, unicode.UTF8.NewDecoder())
		c.active[context] = struct{}{}
	}
	return context.body
}

// ConnectionClosed writes out an incomplete UTF-8 sequence left by the
// connection of context and flushes the output.
func (c *Client) ConnectionClosed(context *Context) error {
	if context.body != nil {
		delete(c.active, context)
		err := context.body.Close()
		context.body = nil
		if err != nil {
			return err
		}
	}
	return c.Flush()
}

func (c *Client) Flush() error {
	return c.buffered.Flush()
}

// Close finishes every connection still open and flushes the output.
func (c *Client) Close() error {
	var errs []error
	for context := range c.active {
		errs = append(errs, c.ConnectionClosed(context))
	}
	errs = append(errs, c.Flush())
	return E.Errors(errs...)
}
