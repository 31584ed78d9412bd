package exceptions

import (
	"errors"
	"net"
)

type TimeoutError interface {
	Timeout() bool
}

func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		//nolint:staticcheck
		return netErr.Temporary() && netErr.Timeout()
	}
	var timeoutErr TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return false
}

type wouldBlockError struct{}

func (wouldBlockError) Error() string {
	return "operation would block"
}

func (wouldBlockError) Timeout() bool {
	return true
}

func (wouldBlockError) Temporary() bool {
	return true
}

// ErrWouldBlock is returned by non-blocking socket operations that cannot
// make progress until the descriptor becomes ready again. It is a temporary
// net.Error so TLS connections keep their state across it.
var ErrWouldBlock net.Error = wouldBlockError{}
