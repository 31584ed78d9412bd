// Package stream provides connected byte streams driven by a poll.Poller.
//
// A Stream has at most one receive and one send outstanding. Completions
// run on the poller goroutine.
package stream

import (
	"errors"
	"io"
	"net"
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/transport/system"

	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
)

const readBufferSize = 16 * 1024

var (
	ErrRecvPending = E.New("stream: receive already pending")
	ErrSendPending = E.New("stream: send already pending")
	ErrHandshaking = E.New("stream: handshake in progress")
)

type tlsConn interface {
	net.Conn
	Handshake() error
	ConnectionState() tls.ConnectionState
}

type Stream struct {
	poller         *poll.Poller
	logger         logrus.FieldLogger
	fd             int
	conn           *socketConn
	tlsConn        tlsConn
	connectionMade func(*Stream) error
	connectionLost func(*Stream)
	cleanups       []func(*Stream)
	opaque         any
	watchdog       time.Duration
	buffer         []byte

	recvComplete func(*Stream, []byte)
	sendComplete func(*Stream)

	handshaking  bool
	sending      bool
	closePending bool
	closed       bool
	eof          bool
	reset        bool
	bytesIn      uint64
	bytesOut     uint64
}

// New takes ownership of the connected, non-blocking fd. With tlsConfig set
// the stream runs TLS, as a server when certificate is given and as a client
// otherwise. connectionMade runs once the stream is usable; an error it
// returns closes the stream. connectionLost runs when the stream is closed.
func New(poller *poll.Poller, fd int, connectionMade func(*Stream) error, connectionLost func(*Stream), tlsConfig *tls.Config, certificate *tls.Certificate, opaque any) (*Stream, error) {
	nonblocking, err := system.IsNonblocking(fd)
	if err != nil {
		return nil, E.Cause(err, "stream descriptor")
	}
	if !nonblocking {
		return nil, E.New("stream descriptor ", fd, " is blocking")
	}
	s := &Stream{
		poller:         poller,
		logger:         log.NewLogger("stream"),
		fd:             fd,
		conn:           newSocketConn(fd),
		connectionMade: connectionMade,
		connectionLost: connectionLost,
		opaque:         opaque,
		watchdog:       poll.DefaultWatchdog,
		buffer:         make([]byte, readBufferSize),
	}
	if tlsConfig == nil {
		s.established()
		return s, nil
	}
	if certificate != nil {
		config := tlsConfig.Clone()
		config.Certificates = []tls.Certificate{*certificate}
		s.tlsConn = tls.Server(s.conn, config)
	} else {
		s.tlsConn = tls.UClient(s.conn, tlsConfig, tls.HelloGolang)
	}
	s.handshake()
	return s, nil
}

func (s *Stream) handshake() {
	s.handshaking = true
	s.conn.blocking = true
	if s.watchdog >= 0 {
		s.conn.deadline = time.Now().Add(s.watchdog)
	}
	tlsConn := s.tlsConn
	s.poller.Offload(tlsConn.Handshake, func(err error) {
		s.handshaking = false
		s.conn.blocking = false
		s.conn.deadline = time.Time{}
		if s.closePending {
			s.Close()
			return
		}
		if err != nil {
			s.logger.Debug("tls handshake with ", s.conn.RemoteAddr(), ": ", err)
			s.Close()
			return
		}
		s.logger.Debug("tls established with ", s.conn.RemoteAddr(), ", protocol ", tlsConn.ConnectionState().NegotiatedProtocol)
		s.established()
	})
}

func (s *Stream) established() {
	if s.connectionMade == nil {
		return
	}
	err := s.connectionMade(s)
	if err != nil {
		s.logger.Debug("connection setup: ", err)
		s.Close()
	}
}

func (s *Stream) FD() int {
	return s.fd
}

func (s *Stream) Watchdog() time.Duration {
	return s.watchdog
}

func (s *Stream) SetWatchdog(watchdog time.Duration) {
	s.watchdog = watchdog
}

func (s *Stream) Opaque() any {
	return s.opaque
}

func (s *Stream) SetOpaque(opaque any) {
	s.opaque = opaque
}

func (s *Stream) EOF() bool {
	return s.eof
}

func (s *Stream) Reset() bool {
	return s.reset
}

func (s *Stream) Closed() bool {
	return s.closed
}

func (s *Stream) BytesIn() uint64 {
	return s.bytesIn
}

func (s *Stream) BytesOut() uint64 {
	return s.bytesOut
}

// NegotiatedProtocol returns the ALPN protocol of a TLS stream.
func (s *Stream) NegotiatedProtocol() string {
	if s.tlsConn == nil || s.handshaking {
		return ""
	}
	return s.tlsConn.ConnectionState().NegotiatedProtocol
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) String() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return "stream " + addr.String()
	}
	return "stream"
}

// RegisterCleanup adds a function run after connectionLost when the stream
// closes.
func (s *Stream) RegisterCleanup(cleanup func(*Stream)) {
	s.cleanups = append(s.cleanups, cleanup)
}

// Recv waits for data and passes everything readable to complete. An empty
// slice means the peer closed the stream, see EOF and Reset.
func (s *Stream) Recv(complete func(*Stream, []byte)) error {
	switch {
	case s.closed:
		return net.ErrClosed
	case s.handshaking:
		return ErrHandshaking
	case s.recvComplete != nil:
		return ErrRecvPending
	}
	s.recvComplete = complete
	err := s.poller.SetReadable(s)
	if err != nil {
		s.recvComplete = nil
		return err
	}
	if s.tlsConn != nil {
		// records already buffered by the TLS layer do not wake the poller
		s.poller.Post(func() {
			if s.recvComplete != nil {
				s.HandleRead()
			}
		})
	}
	return nil
}

// Send writes data and calls complete, on a later dispatch, once all of it
// has been handed to the kernel.
func (s *Stream) Send(data []byte, complete func(*Stream)) error {
	switch {
	case s.closed:
		return net.ErrClosed
	case s.handshaking:
		return ErrHandshaking
	case s.sending:
		return ErrSendPending
	}
	_, err := s.writer().Write(data)
	if err != nil {
		return err
	}
	s.bytesOut += uint64(len(data))
	s.sending = true
	s.sendComplete = complete
	err = s.poller.SetWritable(s)
	if err != nil {
		s.sending = false
		s.sendComplete = nil
		return err
	}
	return nil
}

func (s *Stream) reader() io.Reader {
	if s.tlsConn != nil {
		return s.tlsConn
	}
	return s.conn
}

func (s *Stream) writer() io.Writer {
	if s.tlsConn != nil {
		return s.tlsConn
	}
	return s.conn
}

func (s *Stream) HandleRead() {
	if s.closed || s.recvComplete == nil {
		s.poller.UnsetReadable(s)
		return
	}
	var (
		data    []byte
		readErr error
	)
	for {
		n, err := s.reader().Read(s.buffer)
		if n > 0 {
			data = append(data, s.buffer[:n]...)
		}
		if err != nil {
			if !isWouldBlock(err) {
				readErr = err
			}
			break
		}
	}
	if s.conn.Pending() {
		// post-handshake messages answered by the TLS layer
		s.conn.flush()
	}
	if readErr != nil {
		s.eof = true
		if readErr != io.EOF {
			s.reset = true
			s.logger.Debug("read from ", s, ": ", readErr)
		}
	}
	if len(data) == 0 && readErr == nil {
		return
	}
	s.bytesIn += uint64(len(data))
	complete := s.recvComplete
	s.recvComplete = nil
	s.poller.UnsetReadable(s)
	complete(s, data)
}

func (s *Stream) HandleWrite() {
	if s.closed {
		return
	}
	err := s.conn.flush()
	if err != nil {
		s.reset = E.IsReset(err)
		s.logger.Debug("write to ", s, ": ", err)
		s.Close()
		return
	}
	if s.conn.Pending() {
		return
	}
	s.poller.UnsetWritable(s)
	complete := s.sendComplete
	s.sending = false
	s.sendComplete = nil
	if complete != nil {
		complete(s)
	}
}

func (s *Stream) HandleClose() {
	if s.closed {
		return
	}
	if s.handshaking {
		s.closePending = true
		return
	}
	s.closed = true
	s.recvComplete = nil
	s.sending = false
	s.sendComplete = nil
	if s.tlsConn != nil && !s.eof && !s.reset {
		s.tlsConn.Close()
		s.conn.flush()
	}
	system.Close(s.fd)
	s.logger.Debug("closed ", s.fd, ", ", s.bytesIn, " bytes in, ", s.bytesOut, " bytes out")
	if s.connectionLost != nil {
		s.connectionLost(s)
	}
	for _, cleanup := range s.cleanups {
		cleanup(s)
	}
}

// Close closes the stream. A stream closed during its TLS handshake closes
// when the handshake finishes.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	if s.handshaking {
		s.closePending = true
		return
	}
	s.poller.Close(s)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, E.ErrWouldBlock)
}
