//go:build linux

package poll

import (
	"context"
	"testing"
	"time"

	E "github.com/sagernet/sing-pipeline/common/exceptions"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type testPollable struct {
	fd       int
	watchdog time.Duration
	reads    int
	writes   int
	closes   int
	onRead   func()
	onWrite  func()
}

func (p *testPollable) FD() int {
	return p.fd
}

func (p *testPollable) Watchdog() time.Duration {
	return p.watchdog
}

func (p *testPollable) HandleRead() {
	p.reads++
	if p.onRead != nil {
		p.onRead()
	}
}

func (p *testPollable) HandleWrite() {
	p.writes++
	if p.onWrite != nil {
		p.onWrite()
	}
}

func (p *testPollable) HandleClose() {
	p.closes++
}

type readOnlyPollable struct {
	fd int
}

func (p *readOnlyPollable) FD() int                 { return p.fd }
func (p *readOnlyPollable) Watchdog() time.Duration { return NoWatchdog }
func (p *readOnlyPollable) HandleRead()             {}
func (p *readOnlyPollable) HandleClose()            {}

func newTestPoller(t *testing.T) *Poller {
	poller, err := New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		poller.Shutdown()
	})
	return poller
}

func newPipe(t *testing.T) (int, int) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerDispatchRead(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	readFD, writeFD := newPipe(t)
	_, err := unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)

	pollable := &testPollable{fd: readFD, watchdog: NoWatchdog}
	pollable.onRead = func() {
		var buffer [1]byte
		n, err := unix.Read(readFD, buffer[:])
		require.NoError(t, err)
		require.Equal(t, 1, n)
		poller.UnsetReadable(pollable)
	}
	require.NoError(t, poller.SetReadable(pollable))
	require.True(t, poller.IsReadable(pollable))
	require.NoError(t, poller.Loop())
	require.Equal(t, 1, pollable.reads)
	require.Zero(t, pollable.closes)
	require.False(t, poller.IsReadable(pollable))
}

func TestPollerDispatchWrite(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	_, writeFD := newPipe(t)

	pollable := &testPollable{fd: writeFD, watchdog: NoWatchdog}
	pollable.onWrite = func() {
		poller.UnsetWritable(pollable)
	}
	require.NoError(t, poller.SetWritable(pollable))
	require.NoError(t, poller.Loop())
	require.Equal(t, 1, pollable.writes)
	require.Zero(t, pollable.reads)
}

func TestPollerRequiresWritable(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	readFD, _ := newPipe(t)
	require.ErrorIs(t, poller.SetWritable(&readOnlyPollable{fd: readFD}), ErrNotWritable)
}

func TestPollerClose(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	readFD, _ := newPipe(t)
	pollable := &testPollable{fd: readFD, watchdog: NoWatchdog}
	require.NoError(t, poller.SetReadable(pollable))
	poller.Close(pollable)
	require.Equal(t, 1, pollable.closes)
	require.False(t, poller.IsReadable(pollable))
	require.NoError(t, poller.Loop())
}

func TestPollerWatchdog(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	readFD, _ := newPipe(t)
	pollable := &testPollable{fd: readFD, watchdog: 20 * time.Millisecond}
	require.NoError(t, poller.SetReadable(pollable))
	start := time.Now()
	require.NoError(t, poller.Loop())
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, 1, pollable.closes)
	require.Zero(t, pollable.reads)
}

func TestPollerNoWatchdogWaitsForPost(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	readFD, _ := newPipe(t)
	pollable := &testPollable{fd: readFD, watchdog: NoWatchdog}
	require.NoError(t, poller.SetReadable(pollable))
	go func() {
		time.Sleep(50 * time.Millisecond)
		poller.Post(func() {
			poller.Close(pollable)
		})
	}()
	require.NoError(t, poller.Loop())
	require.Equal(t, 1, pollable.closes)
}

func TestPollerOffload(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	workErr := E.New("handshake failed")
	var result error
	var done bool
	poller.Offload(func() error {
		time.Sleep(10 * time.Millisecond)
		return workErr
	}, func(err error) {
		done = true
		result = err
	})
	require.NoError(t, poller.Loop())
	require.True(t, done)
	require.Equal(t, workErr, result)
}

func TestPollerAbort(t *testing.T) {
	t.Parallel()
	poller := newTestPoller(t)
	readFD, writeFD := newPipe(t)
	_, err := unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)
	abortErr := E.New("unexpected response")
	pollable := &testPollable{fd: readFD, watchdog: NoWatchdog}
	pollable.onRead = func() {
		poller.Abort(abortErr)
	}
	require.NoError(t, poller.SetReadable(pollable))
	require.ErrorIs(t, poller.Loop(), abortErr)
	require.Equal(t, 1, pollable.reads)
}

func TestPollerContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	poller, err := New(ctx)
	require.NoError(t, err)
	defer poller.Shutdown()
	readFD, _ := newPipe(t)
	require.NoError(t, poller.SetReadable(&testPollable{fd: readFD, watchdog: NoWatchdog}))
	time.AfterFunc(20*time.Millisecond, cancel)
	require.ErrorIs(t, poller.Loop(), context.Canceled)
}

func TestPollerPostAfterShutdown(t *testing.T) {
	t.Parallel()
	poller, err := New(context.Background())
	require.NoError(t, err)

	release := make(chan struct{})
	var done bool
	poller.Offload(func() error {
		<-release
		return nil
	}, func(error) {
		done = true
	})
	require.NoError(t, poller.Shutdown())
	close(release)
	require.Never(t, poller.hasTasks, 50*time.Millisecond, 5*time.Millisecond)

	require.NotPanics(t, func() {
		poller.Post(func() {})
		poller.wakeup()
	})
	require.False(t, poller.hasTasks())
	require.False(t, done)
	require.Equal(t, -1, poller.pipeFDs[1])
}
