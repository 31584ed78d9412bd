package http

import (
	"net/http"
	"strconv"
	"strings"

	E "github.com/sagernet/sing-pipeline/common/exceptions"

	"golang.org/x/net/http/httpguts"
)

var ErrBadContentLength = E.New("http: bad Content-Length")

// ResponseFraming decides how the body of a response to method is
// delimited.
func ResponseFraming(method string, code int, headers http.Header) (Framing, int64, error) {
	if method == http.MethodHead || code/100 == 1 || code == http.StatusNoContent || code == http.StatusNotModified {
		return FramingNone, 0, nil
	}
	if codings, loaded := headers["Transfer-Encoding"]; loaded {
		if lastCoding(codings) == "chunked" {
			return FramingChunked, 0, nil
		}
		return FramingUntilEOF, 0, nil
	}
	if values, loaded := headers["Content-Length"]; loaded {
		length, err := contentLength(values)
		if err != nil {
			return FramingNone, 0, err
		}
		return FramingLength, length, nil
	}
	return FramingUntilEOF, 0, nil
}

// RequestFraming decides how the body of a request is delimited. Requests
// without Transfer-Encoding or Content-Length have no body.
func RequestFraming(headers http.Header) (Framing, int64, error) {
	if codings, loaded := headers["Transfer-Encoding"]; loaded {
		if lastCoding(codings) != "chunked" {
			return FramingNone, 0, E.New("http: unsupported transfer coding ", strings.Join(codings, ", "))
		}
		return FramingChunked, 0, nil
	}
	if values, loaded := headers["Content-Length"]; loaded {
		length, err := contentLength(values)
		if err != nil {
			return FramingNone, 0, err
		}
		return FramingLength, length, nil
	}
	return FramingNone, 0, nil
}

// KeepAlive reports whether the connection may carry another message after
// one with the given protocol and headers.
func KeepAlive(protocol string, headers http.Header) bool {
	if protocol == "HTTP/1.0" {
		return false
	}
	return !httpguts.HeaderValuesContainsToken(headers["Connection"], "close")
}

func lastCoding(values []string) string {
	last := values[len(values)-1]
	if index := strings.LastIndexByte(last, ','); index >= 0 {
		last = last[index+1:]
	}
	return strings.ToLower(strings.TrimSpace(last))
}

func contentLength(values []string) (int64, error) {
	var length int64 = -1
	for _, value := range values {
		for _, field := range strings.Split(value, ",") {
			parsed, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil || parsed < 0 {
				return 0, E.Extend(ErrBadContentLength, value)
			}
			if length >= 0 && parsed != length {
				return 0, E.Extend(ErrBadContentLength, "conflicting values")
			}
			length = parsed
		}
	}
	return length, nil
}
