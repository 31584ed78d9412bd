package http

import (
	"bytes"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	sing "github.com/sagernet/sing-pipeline"
	"github.com/sagernet/sing-pipeline/common/brigade"
	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"
	M "github.com/sagernet/sing-pipeline/common/metadata"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/transport/stream"
	"github.com/sagernet/sing-pipeline/transport/tcp"

	"github.com/eapache/queue"
	"github.com/gabriel-vasile/mimetype"
	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
)

var _ tcp.ListenHandler = (*Server)(nil)

// Server serves the files of an fs.FS over HTTP/1.x with GET and HEAD.
type Server struct {
	poller    *poll.Poller
	logger    logrus.FieldLogger
	root      fs.FS
	listeners []*tcp.Listener
	conns     map[*serverConn]struct{}
	// Requests counts answered requests.
	Requests uint64
}

func NewServer(poller *poll.Poller, root fs.FS) *Server {
	return &Server{
		poller: poller,
		logger: log.NewLogger("http server"),
		root:   root,
		conns:  make(map[*serverConn]struct{}),
	}
}

// Listen starts accepting connections on every address of endpoint.
func (s *Server) Listen(endpoint M.Endpoint, preferIPv6 bool, tlsConfig *tls.Config, certificate *tls.Certificate) error {
	_, err := tcp.Listen(s.poller, s, endpoint, preferIPv6, tlsConfig, certificate)
	return err
}

func (s *Server) Listeners() []*tcp.Listener {
	return s.listeners
}

// Close stops all listeners and drops every connection.
func (s *Server) Close() {
	for _, listener := range append([]*tcp.Listener(nil), s.listeners...) {
		listener.Close()
	}
	for conn := range s.conns {
		conn.stream.Close()
	}
}

func (s *Server) HandleListen(listener *tcp.Listener) {
	s.listeners = append(s.listeners, listener)
	s.logger.Info("listening on ", listener.LocalAddr())
}

func (s *Server) HandleAccept(listener *tcp.Listener, fd int, tlsConfig *tls.Config, certificate *tls.Certificate) error {
	if tlsConfig != nil && certificate == nil {
		if len(tlsConfig.Certificates) == 0 {
			return E.New("tls listener ", listener.Endpoint(), " has no certificate")
		}
		certificate = &tlsConfig.Certificates[0]
	}
	buffer := brigade.New()
	conn := &serverConn{
		server:    s,
		brigade:   buffer,
		reader:    NewReader(buffer),
		sendQueue: queue.New(),
	}
	_, err := stream.New(s.poller, fd, conn.connectionMade, conn.connectionLost, tlsConfig, certificate, conn)
	return err
}

func (s *Server) HandleAcceptError(listener *tcp.Listener, err error) {
	if E.IsTimeout(err) {
		return
	}
	s.logger.Warn(err)
}

func (s *Server) HandleListenClose(listener *tcp.Listener) {
	for i, element := range s.listeners {
		if element == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	s.logger.Debug("stopped listening on ", listener.Endpoint())
}

type serverRequest struct {
	method   string
	target   string
	protocol string
	headers  http.Header
}

type serverConn struct {
	server    *Server
	stream    *stream.Stream
	brigade   *brigade.Brigade
	reader    *Reader
	request   serverRequest
	sendQueue *queue.Queue
	sending   bool
	closing   bool
}

func (c *serverConn) connectionMade(s *stream.Stream) error {
	c.stream = s
	c.server.conns[c] = struct{}{}
	return s.Recv(c.received)
}

func (c *serverConn) connectionLost(s *stream.Stream) {
	delete(c.server.conns, c)
}

func (c *serverConn) received(s *stream.Stream, data []byte) {
	c.brigade.Bufferise(data)
	c.process()
	if s.Closed() || c.closing {
		return
	}
	if s.EOF() {
		if !c.reader.Idle() || c.brigade.Total() > 0 {
			c.server.logger.Debug(s, ": connection closed mid request")
		}
		c.closing = true
		if !c.sending {
			s.Close()
		}
		return
	}
	err := s.Recv(c.received)
	if err != nil {
		s.Close()
	}
}

func (c *serverConn) process() {
	for !c.closing && !c.stream.Closed() {
		event, err := c.reader.Next()
		if err != nil {
			c.server.logger.Debug(c.stream, ": ", err)
			c.respondError(http.StatusBadRequest)
			return
		}
		switch event {
		case EventNeedMore:
			return
		case EventFirstLine:
			c.request = serverRequest{
				method:   c.reader.FirstLine[0],
				target:   c.reader.FirstLine[1],
				protocol: c.reader.FirstLine[2],
				headers:  make(http.Header),
			}
			if c.request.protocol != "HTTP/1.1" && c.request.protocol != "HTTP/1.0" {
				c.request.protocol = "HTTP/1.1"
				c.respondError(http.StatusHTTPVersionNotSupported)
				return
			}
			if !httpguts.ValidHeaderFieldName(c.request.method) {
				c.respondError(http.StatusBadRequest)
				return
			}
		case EventHeader:
			c.request.headers.Add(c.reader.Name, c.reader.Value)
		case EventEndOfHeaders:
			framing, length, err := RequestFraming(c.request.headers)
			if err != nil {
				c.server.logger.Debug(c.stream, ": ", err)
				c.respondError(http.StatusBadRequest)
				return
			}
			c.reader.BeginBody(framing, length)
		case EventPiece:
		case EventEndOfBody:
			c.respond()
		}
	}
}

func (c *serverConn) respond() {
	request := &c.request
	c.server.Requests++
	keepAlive := KeepAlive(request.protocol, request.headers)
	if request.method != http.MethodGet && request.method != http.MethodHead {
		c.writeResponse(http.StatusMethodNotAllowed, http.Header{"Allow": {"GET, HEAD"}}, nil, keepAlive)
		return
	}
	name, valid := resolvePath(request.target)
	if !valid {
		c.writeResponse(http.StatusBadRequest, nil, nil, false)
		return
	}
	content, err := c.readFile(name)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, fs.ErrNotExist):
			status = http.StatusNotFound
		case errors.Is(err, fs.ErrPermission):
			status = http.StatusForbidden
		}
		c.server.logger.Debug(request.method, " ", request.target, ": ", err)
		c.writeResponse(status, nil, nil, keepAlive)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = mimetype.Detect(content).String()
	}
	c.writeResponse(http.StatusOK, http.Header{"Content-Type": {contentType}}, content, keepAlive)
}

func (c *serverConn) readFile(name string) ([]byte, error) {
	info, err := fs.Stat(c.server.root, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		name = path.Join(name, "index.html")
	}
	return fs.ReadFile(c.server.root, name)
}

// resolvePath maps a request target to a name in the served file system.
func resolvePath(target string) (string, bool) {
	if index := strings.IndexAny(target, "?#"); index >= 0 {
		target = target[:index]
	}
	if !strings.HasPrefix(target, "/") {
		return "", false
	}
	name := strings.TrimPrefix(path.Clean(target), "/")
	if name == "" {
		name = "."
	}
	return name, fs.ValidPath(name)
}

func (c *serverConn) respondError(status int) {
	if c.request.protocol == "" {
		c.request.protocol = "HTTP/1.1"
	}
	c.writeResponse(status, nil, nil, false)
}

func (c *serverConn) writeResponse(status int, headers http.Header, body []byte, keepAlive bool) {
	request := &c.request
	if body == nil && status != http.StatusOK {
		body = []byte(strconv.Itoa(status) + " " + http.StatusText(status) + "\n")
		if headers == nil {
			headers = make(http.Header)
		}
		headers.Set("Content-Type", "text/plain; charset=utf-8")
	}
	var response bytes.Buffer
	response.WriteString(request.protocol)
	response.WriteByte(' ')
	response.WriteString(strconv.Itoa(status))
	response.WriteByte(' ')
	response.WriteString(http.StatusText(status))
	response.WriteString("\r\n")
	for name, values := range headers {
		for _, value := range values {
			response.WriteString(name + ": " + value + "\r\n")
		}
	}
	response.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	response.WriteString("Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n")
	response.WriteString("Server: " + sing.UserAgent() + "\r\n")
	if !keepAlive {
		response.WriteString("Connection: close\r\n")
	}
	response.WriteString("\r\n")
	if request.method != http.MethodHead {
		response.Write(body)
	}
	c.server.logger.Debug(request.method, " ", request.target, " ", request.protocol, ": ", status)
	c.sendQueue.Add(response.Bytes())
	if !keepAlive {
		c.closing = true
	}
	if !c.sending {
		c.sendNext()
	}
}

func (c *serverConn) sendNext() {
	if c.sendQueue.Length() == 0 {
		if c.closing {
			c.stream.Close()
		}
		return
	}
	c.sending = true
	err := c.stream.Send(c.sendQueue.Remove().([]byte), func(s *stream.Stream) {
		c.sending = false
		c.sendNext()
	})
	if err != nil {
		c.sending = false
		c.server.logger.Debug("send to ", c.stream, ": ", err)
		c.stream.Close()
	}
}
