package exceptions

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

func IsClosed(err error) bool {
	return IsMulti(err,
		io.EOF,
		io.ErrClosedPipe,
		net.ErrClosed,
		os.ErrClosed,
		syscall.EPIPE,
		syscall.ECONNRESET,
		syscall.ENOTCONN,
	)
}

func IsReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
