// Package poll implements a single-threaded readiness reactor.
//
// Every handler runs on the goroutine that calls Poller.Loop and must not
// block. Pollables are registered for read and/or write readiness; the
// poller dispatches HandleRead and HandleWrite while the descriptor is ready
// (level triggered) and HandleClose when the pollable is closed through the
// poller or its watchdog expires.
package poll

import (
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
)

// NoWatchdog disables the idle timeout of a pollable.
const NoWatchdog time.Duration = -1

const DefaultWatchdog = 300 * time.Second

var ErrNotWritable = E.New("poll: pollable does not handle write events")

type Pollable interface {
	FD() int
	// Watchdog returns the maximum idle time of a registration, or
	// NoWatchdog.
	Watchdog() time.Duration
	HandleRead()
	HandleClose()
}

// Writable is implemented by pollables that can be registered for write
// readiness.
type Writable interface {
	Pollable
	HandleWrite()
}
