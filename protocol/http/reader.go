package http

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/sagernet/sing-pipeline/common/brigade"
	E "github.com/sagernet/sing-pipeline/common/exceptions"

	"golang.org/x/net/http/httpguts"
)

const (
	MaxLineLength = 8192
	MaxHeaders    = 128
)

var (
	ErrMalformedFirstLine = E.New("http: malformed first line")
	ErrMalformedHeader    = E.New("http: malformed header")
	ErrTooManyHeaders     = E.New("http: too many headers")
	ErrMalformedChunk     = E.New("http: malformed chunk")
	ErrBodyUndecided      = E.New("http: body framing not decided")
	ErrTruncated          = E.New("http: message truncated")
)

type Event int

const (
	EventNeedMore Event = iota
	EventFirstLine
	EventHeader
	EventEndOfHeaders
	EventPiece
	EventEndOfBody
)

func (e Event) String() string {
	switch e {
	case EventNeedMore:
		return "need-more"
	case EventFirstLine:
		return "first-line"
	case EventHeader:
		return "header"
	case EventEndOfHeaders:
		return "end-of-headers"
	case EventPiece:
		return "piece"
	case EventEndOfBody:
		return "end-of-body"
	default:
		return "event(" + strconv.Itoa(int(e)) + ")"
	}
}

type Framing int

const (
	FramingNone Framing = iota
	FramingLength
	FramingChunked
	FramingUntilEOF
)

type readerState int

const (
	stateFirstLine readerState = iota
	stateHeaders
	stateBodyDecision
	stateBodyLength
	stateChunkLength
	stateChunk
	stateChunkEnd
	stateTrailers
	stateUntilEOF
	stateEndOfBody
)

// Reader parses HTTP/1.x messages out of a brigade. Next reports one event
// at a time; the fields describing the event stay valid until the next
// call. After EventEndOfHeaders the caller decides the body framing with
// BeginBody.
type Reader struct {
	brigade   *brigade.Brigade
	state     readerState
	headers   int
	remaining int64

	// First line split in three fields: method, target and protocol of a
	// request, or protocol, status code and reason of a response.
	FirstLine [3]string
	Name      string
	Value     string
	Piece     []byte
}

func NewReader(brigade *brigade.Brigade) *Reader {
	return &Reader{brigade: brigade}
}

// Idle reports whether the reader sits between two messages.
func (r *Reader) Idle() bool {
	return r.state == stateFirstLine
}

func (r *Reader) Next() (Event, error) {
	for {
		switch r.state {
		case stateFirstLine:
			line, err := r.line()
			if line == nil || err != nil {
				return EventNeedMore, err
			}
			if len(line) == 0 {
				continue
			}
			fields := strings.SplitN(string(line), " ", 3)
			if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
				return EventNeedMore, E.Extend(ErrMalformedFirstLine, string(line))
			}
			r.FirstLine = [3]string{}
			copy(r.FirstLine[:], fields)
			r.headers = 0
			r.state = stateHeaders
			return EventFirstLine, nil
		case stateHeaders, stateTrailers:
			line, err := r.line()
			if line == nil || err != nil {
				return EventNeedMore, err
			}
			if len(line) == 0 {
				if r.state == stateTrailers {
					r.state = stateEndOfBody
					continue
				}
				r.state = stateBodyDecision
				return EventEndOfHeaders, nil
			}
			err = r.parseHeader(line)
			if err != nil {
				return EventNeedMore, err
			}
			if r.state == stateTrailers {
				continue
			}
			return EventHeader, nil
		case stateBodyDecision:
			return EventNeedMore, ErrBodyUndecided
		case stateBodyLength, stateChunk:
			if r.brigade.Total() == 0 {
				return EventNeedMore, nil
			}
			length := r.remaining
			if total := int64(r.brigade.Total()); total < length {
				length = total
			}
			r.Piece = r.brigade.Pullup(int(length))
			r.remaining -= length
			if r.remaining == 0 {
				if r.state == stateChunk {
					r.state = stateChunkEnd
				} else {
					r.state = stateEndOfBody
				}
			}
			return EventPiece, nil
		case stateChunkLength:
			line, err := r.line()
			if line == nil || err != nil {
				return EventNeedMore, err
			}
			if index := bytes.IndexByte(line, ';'); index >= 0 {
				line = line[:index]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
			if err != nil || size < 0 {
				return EventNeedMore, E.Extend(ErrMalformedChunk, "bad size ", string(line))
			}
			if size == 0 {
				r.state = stateTrailers
			} else {
				r.remaining = size
				r.state = stateChunk
			}
		case stateChunkEnd:
			line, err := r.line()
			if line == nil || err != nil {
				return EventNeedMore, err
			}
			if len(line) != 0 {
				return EventNeedMore, E.Extend(ErrMalformedChunk, "missing CRLF after chunk")
			}
			r.state = stateChunkLength
		case stateUntilEOF:
			total := r.brigade.Total()
			if total == 0 {
				return EventNeedMore, nil
			}
			r.Piece = r.brigade.Pullup(total)
			return EventPiece, nil
		case stateEndOfBody:
			r.state = stateFirstLine
			return EventEndOfBody, nil
		}
	}
}

// BeginBody sets the framing of the body following EventEndOfHeaders.
// length is only used with FramingLength.
func (r *Reader) BeginBody(framing Framing, length int64) {
	switch framing {
	case FramingLength:
		if length <= 0 {
			r.state = stateEndOfBody
			return
		}
		r.remaining = length
		r.state = stateBodyLength
	case FramingChunked:
		r.state = stateChunkLength
	case FramingUntilEOF:
		r.state = stateUntilEOF
	default:
		r.state = stateEndOfBody
	}
}

// Finish tells the reader the peer closed the connection. A body delimited
// by the connection close ends here; any other partial message is an error.
func (r *Reader) Finish() error {
	switch r.state {
	case stateUntilEOF:
		r.state = stateEndOfBody
		return nil
	case stateFirstLine:
		if r.brigade.Total() == 0 {
			return nil
		}
	}
	return ErrTruncated
}

func (r *Reader) line() ([]byte, error) {
	line, err := r.brigade.GetLine(MaxLineLength)
	if line == nil || err != nil {
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, nil
}

func (r *Reader) parseHeader(line []byte) error {
	r.headers++
	if r.headers > MaxHeaders {
		return ErrTooManyHeaders
	}
	if line[0] == ' ' || line[0] == '\t' {
		return E.Extend(ErrMalformedHeader, "obsolete line folding")
	}
	index := bytes.IndexByte(line, ':')
	if index <= 0 {
		return E.Extend(ErrMalformedHeader, string(line))
	}
	name := string(line[:index])
	value := string(bytes.Trim(line[index+1:], " \t"))
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return E.Extend(ErrMalformedHeader, string(line))
	}
	r.Name = name
	r.Value = value
	return nil
}
