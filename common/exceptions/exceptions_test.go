package exceptions_test

import (
	"io"
	"syscall"
	"testing"

	E "github.com/sagernet/sing-pipeline/common/exceptions"

	"github.com/stretchr/testify/require"
)

func TestCauseUnwrap(t *testing.T) {
	t.Parallel()
	err := E.Cause(io.EOF, "read response")
	require.EqualError(t, err, "read response: EOF")
	require.ErrorIs(t, err, io.EOF)
	require.True(t, E.IsClosed(err))
}

func TestExtend(t *testing.T) {
	t.Parallel()
	err := E.Extend(syscall.ECONNRESET, "127.0.0.1:80")
	require.ErrorIs(t, err, syscall.ECONNRESET)
	require.True(t, E.IsReset(err))
}

func TestErrors(t *testing.T) {
	t.Parallel()
	require.NoError(t, E.Errors(nil, nil))
	require.Equal(t, io.EOF, E.Errors(nil, io.EOF))
	err := E.Errors(io.EOF, syscall.EPIPE)
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, err, syscall.EPIPE)
}

func TestWouldBlockIsTimeout(t *testing.T) {
	t.Parallel()
	require.True(t, E.IsTimeout(E.ErrWouldBlock))
	require.True(t, E.IsTimeout(E.Cause(E.ErrWouldBlock, "read")))
	require.False(t, E.IsTimeout(io.EOF))
}
