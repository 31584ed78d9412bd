package http

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseFraming(t *testing.T) {
	t.Parallel()
	for _, testCase := range []struct {
		name    string
		method  string
		code    int
		headers http.Header
		framing Framing
		length  int64
	}{
		{"head", http.MethodHead, 200, http.Header{"Content-Length": {"10"}}, FramingNone, 0},
		{"informational", http.MethodGet, 100, nil, FramingNone, 0},
		{"no content", http.MethodGet, 204, nil, FramingNone, 0},
		{"not modified", http.MethodGet, 304, http.Header{"Content-Length": {"10"}}, FramingNone, 0},
		{"chunked", http.MethodGet, 200, http.Header{"Transfer-Encoding": {"gzip, Chunked"}, "Content-Length": {"3"}}, FramingChunked, 0},
		{"not chunked", http.MethodGet, 200, http.Header{"Transfer-Encoding": {"gzip"}}, FramingUntilEOF, 0},
		{"length", http.MethodGet, 200, http.Header{"Content-Length": {"42, 42"}}, FramingLength, 42},
		{"eof", http.MethodGet, 200, http.Header{}, FramingUntilEOF, 0},
	} {
		framing, length, err := ResponseFraming(testCase.method, testCase.code, testCase.headers)
		require.NoError(t, err, testCase.name)
		require.Equal(t, testCase.framing, framing, testCase.name)
		require.Equal(t, testCase.length, length, testCase.name)
	}
}

func TestFramingBadContentLength(t *testing.T) {
	t.Parallel()
	_, _, err := ResponseFraming(http.MethodGet, 200, http.Header{"Content-Length": {"1", "2"}})
	require.ErrorIs(t, err, ErrBadContentLength)
	_, _, err = RequestFraming(http.Header{"Content-Length": {"-1"}})
	require.ErrorIs(t, err, ErrBadContentLength)
}

func TestRequestFraming(t *testing.T) {
	t.Parallel()
	framing, _, err := RequestFraming(http.Header{})
	require.NoError(t, err)
	require.Equal(t, FramingNone, framing)
	framing, _, err = RequestFraming(http.Header{"Transfer-Encoding": {"chunked"}})
	require.NoError(t, err)
	require.Equal(t, FramingChunked, framing)
	_, _, err = RequestFraming(http.Header{"Transfer-Encoding": {"gzip"}})
	require.Error(t, err)
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()
	require.True(t, KeepAlive("HTTP/1.1", http.Header{}))
	require.True(t, KeepAlive("HTTP/1.1", http.Header{"Connection": {"keep-alive"}}))
	require.False(t, KeepAlive("HTTP/1.1", http.Header{"Connection": {"Upgrade, Close"}}))
	require.False(t, KeepAlive("HTTP/1.0", http.Header{}))
}
