package http

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sagernet/sing-pipeline/common/brigade"
	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/transport/stream"

	"github.com/eapache/queue"
	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
)

// ErrUnsolicitedResponse aborts the poller loop when a response arrives with
// no request outstanding.
var ErrUnsolicitedResponse = E.New("http: response without request")

// ClientHandler receives complete responses. An error returned from
// HandleEndOfBody is fatal: the poller loop is aborted with it.
type ClientHandler interface {
	HandleEndOfBody(conn *ClientConn) error
}

// HeadersHandler is optionally implemented by a ClientHandler to inspect a
// response before its body arrives.
type HeadersHandler interface {
	HandleEndOfHeaders(conn *ClientConn) error
}

// CloseHandler is optionally implemented by a ClientHandler to learn about
// closed connections.
type CloseHandler interface {
	HandleClose(conn *ClientConn)
}

// ClientContext holds the state of the response being received.
type ClientContext struct {
	Protocol string
	Code     int
	Reason   string
	Headers  http.Header
	// Body receives the response body. Nil discards it.
	Body  io.Writer
	Extra any
}

type Client struct {
	poller  *poll.Poller
	handler ClientHandler
	logger  logrus.FieldLogger
}

func NewClient(poller *poll.Poller, handler ClientHandler) *Client {
	return &Client{
		poller:  poller,
		handler: handler,
		logger:  log.NewLogger("http client"),
	}
}

func (c *Client) Poller() *poll.Poller {
	return c.poller
}

// CreateStream wraps the connected fd in a client connection. extra ends up
// in ClientContext.Extra. connectionMade runs once the stream is usable.
func (c *Client) CreateStream(fd int, connectionMade func(*ClientConn) error, connectionLost func(*ClientConn), tlsConfig *tls.Config, certificate *tls.Certificate, extra any) (*ClientConn, error) {
	buffer := brigade.New()
	conn := &ClientConn{
		client:         c,
		context:        &ClientContext{Extra: extra},
		brigade:        buffer,
		reader:         NewReader(buffer),
		sendQueue:      queue.New(),
		methods:        queue.New(),
		connectionMade: connectionMade,
		connectionLost: connectionLost,
	}
	_, err := stream.New(c.poller, fd, conn.handleConnectionMade, conn.handleConnectionLost, tlsConfig, certificate, conn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ClientConn is one connection of a Client. Requests are built with the
// Append methods and queued with SendMessage; responses are matched to
// requests in order.
type ClientConn struct {
	client         *Client
	stream         *stream.Stream
	context        *ClientContext
	brigade        *brigade.Brigade
	reader         *Reader
	outgoing       bytes.Buffer
	sendQueue      *queue.Queue
	sending        bool
	methods        *queue.Queue
	pendingMethod  string
	connectionMade func(*ClientConn) error
	connectionLost func(*ClientConn)
	closed         bool
}

func (c *ClientConn) Context() *ClientContext {
	return c.context
}

func (c *ClientConn) Stream() *stream.Stream {
	return c.stream
}

func (c *ClientConn) Closed() bool {
	return c.closed
}

// Outstanding returns the number of requests still waiting for a response.
func (c *ClientConn) Outstanding() int {
	return c.methods.Length()
}

func (c *ClientConn) AppendRequest(method, target, protocol string) {
	c.outgoing.WriteString(method)
	c.outgoing.WriteByte(' ')
	c.outgoing.WriteString(target)
	c.outgoing.WriteByte(' ')
	c.outgoing.WriteString(protocol)
	c.outgoing.WriteString("\r\n")
	c.pendingMethod = method
}

func (c *ClientConn) AppendHeader(name, value string) {
	c.outgoing.WriteString(name)
	c.outgoing.WriteString(": ")
	c.outgoing.WriteString(value)
	c.outgoing.WriteString("\r\n")
}

func (c *ClientConn) AppendEndOfHeaders() {
	c.outgoing.WriteString("\r\n")
}

func (c *ClientConn) AppendBytes(data []byte) {
	c.outgoing.Write(data)
}

// SendMessage queues everything appended since the last call for sending.
func (c *ClientConn) SendMessage() error {
	if c.closed {
		c.outgoing.Reset()
		return E.New("http: send on closed connection")
	}
	message := bytes.Clone(c.outgoing.Bytes())
	c.outgoing.Reset()
	if c.pendingMethod != "" {
		c.methods.Add(c.pendingMethod)
		c.pendingMethod = ""
	}
	c.sendQueue.Add(message)
	if c.sending || c.stream == nil {
		return nil
	}
	return c.sendNext()
}

func (c *ClientConn) Close() {
	if c.closed {
		return
	}
	if c.stream != nil {
		c.stream.Close()
	}
}

func (c *ClientConn) String() string {
	if c.stream != nil {
		return c.stream.String()
	}
	return "http connection"
}

func (c *ClientConn) sendNext() error {
	if c.sendQueue.Length() == 0 || c.closed {
		return nil
	}
	message := c.sendQueue.Remove().([]byte)
	c.sending = true
	err := c.stream.Send(message, func(*stream.Stream) {
		c.sending = false
		err := c.sendNext()
		if err != nil {
			c.client.logger.Debug("send to ", c, ": ", err)
			c.Close()
		}
	})
	if err != nil {
		c.sending = false
		return E.Cause(err, "send request")
	}
	return nil
}

func (c *ClientConn) handleConnectionMade(s *stream.Stream) error {
	c.stream = s
	err := s.Recv(c.received)
	if err != nil {
		return err
	}
	if c.sendQueue.Length() > 0 {
		err = c.sendNext()
		if err != nil {
			return err
		}
	}
	if c.connectionMade != nil {
		return c.connectionMade(c)
	}
	return nil
}

func (c *ClientConn) handleConnectionLost(s *stream.Stream) {
	c.closed = true
	if c.methods.Length() > 0 {
		c.client.logger.Debug(c, " closed with ", c.methods.Length(), " requests unanswered")
	}
	if handler, isHandler := c.client.handler.(CloseHandler); isHandler {
		handler.HandleClose(c)
	}
	if c.connectionLost != nil {
		c.connectionLost(c)
	}
}

func (c *ClientConn) received(s *stream.Stream, data []byte) {
	c.brigade.Bufferise(data)
	c.process()
	if c.closed {
		return
	}
	if s.EOF() {
		err := c.reader.Finish()
		if err != nil {
			c.client.logger.Debug(c, ": ", err)
		} else {
			c.process()
		}
		c.Close()
		return
	}
	err := s.Recv(c.received)
	if err != nil {
		c.client.logger.Debug("recv from ", c, ": ", err)
		c.Close()
	}
}

func (c *ClientConn) process() {
	for !c.closed {
		event, err := c.reader.Next()
		if err != nil {
			c.client.logger.Warn("bad response from ", c, ": ", err)
			c.Close()
			return
		}
		switch event {
		case EventNeedMore:
			return
		case EventFirstLine:
			err = c.handleStatusLine()
		case EventHeader:
			c.context.Headers.Add(c.reader.Name, c.reader.Value)
		case EventEndOfHeaders:
			err = c.handleEndOfHeaders()
		case EventPiece:
			if c.context.Body != nil {
				_, err = c.context.Body.Write(c.reader.Piece)
				if err != nil {
					err = E.Cause(err, "write body")
				}
			}
		case EventEndOfBody:
			c.handleEndOfBody()
			continue
		}
		if err != nil {
			if err == ErrUnsolicitedResponse {
				c.client.poller.Abort(err)
			}
			c.client.logger.Warn(c, ": ", err)
			c.Close()
			return
		}
	}
}

func (c *ClientConn) handleStatusLine() error {
	protocol, code, reason := c.reader.FirstLine[0], c.reader.FirstLine[1], c.reader.FirstLine[2]
	if !strings.HasPrefix(protocol, "HTTP/1.") {
		return E.Extend(ErrMalformedFirstLine, "bad protocol ", protocol)
	}
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return E.Extend(ErrMalformedFirstLine, "bad status ", code)
	}
	if c.methods.Length() == 0 {
		return ErrUnsolicitedResponse
	}
	c.context.Protocol = protocol
	c.context.Code = status
	c.context.Reason = reason
	c.context.Headers = make(http.Header)
	return nil
}

func (c *ClientConn) handleEndOfHeaders() error {
	method := c.methods.Peek().(string)
	framing, length, err := ResponseFraming(method, c.context.Code, c.context.Headers)
	if err != nil {
		return err
	}
	c.reader.BeginBody(framing, length)
	c.client.logger.Debug(c, ": ", c.context.Protocol, " ", c.context.Code, " ", c.context.Reason)
	if handler, isHandler := c.client.handler.(HeadersHandler); isHandler {
		return handler.HandleEndOfHeaders(c)
	}
	return nil
}

func (c *ClientConn) handleEndOfBody() {
	if c.context.Code/100 == 1 && c.context.Code != http.StatusSwitchingProtocols {
		// interim response, the final one follows
		return
	}
	c.methods.Remove()
	err := c.client.handler.HandleEndOfBody(c)
	if err != nil {
		c.client.poller.Abort(err)
		c.Close()
	}
}
