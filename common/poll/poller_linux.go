//go:build linux

package poll

import (
	"context"
	"sync"
	"time"
	"unsafe"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type registration struct {
	id       uint64
	pollable Pollable
	readable bool
	writable bool
	activity time.Time
}

type Poller struct {
	ctx                 context.Context
	logger              logrus.FieldLogger
	epollFD             int
	pipeFDs             [2]int
	registrations       map[Pollable]*registration
	registrationByID    map[uint64]*registration
	registrationCounter uint64
	inflight            int
	stopped             bool
	err                 error

	access   sync.Mutex
	tasks    []func()
	shutdown bool
}

func New(ctx context.Context) (*Poller, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, E.Cause(err, "epoll create")
	}

	var pipeFDs [2]int
	err = unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, E.Cause(err, "create wakeup pipe")
	}

	pipeEvent := &unix.EpollEvent{Events: unix.EPOLLIN}
	*(*uint64)(unsafe.Pointer(&pipeEvent.Fd)) = 0
	err = unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, pipeFDs[0], pipeEvent)
	if err != nil {
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		unix.Close(epollFD)
		return nil, E.Cause(err, "register wakeup pipe")
	}

	return &Poller{
		ctx:              ctx,
		logger:           log.NewLogger("poller"),
		epollFD:          epollFD,
		pipeFDs:          pipeFDs,
		registrations:    make(map[Pollable]*registration),
		registrationByID: make(map[uint64]*registration),
	}, nil
}

func (p *Poller) SetReadable(pollable Pollable) error {
	entry, loaded := p.registrations[pollable]
	if loaded && entry.readable {
		return nil
	}
	if !loaded {
		entry = p.newRegistration(pollable)
	}
	entry.readable = true
	return p.update(entry, loaded)
}

func (p *Poller) UnsetReadable(pollable Pollable) {
	entry, loaded := p.registrations[pollable]
	if !loaded || !entry.readable {
		return
	}
	entry.readable = false
	p.update(entry, true)
}

func (p *Poller) SetWritable(pollable Pollable) error {
	if _, isWritable := pollable.(Writable); !isWritable {
		return ErrNotWritable
	}
	entry, loaded := p.registrations[pollable]
	if loaded && entry.writable {
		return nil
	}
	if !loaded {
		entry = p.newRegistration(pollable)
	}
	entry.writable = true
	return p.update(entry, loaded)
}

func (p *Poller) UnsetWritable(pollable Pollable) {
	entry, loaded := p.registrations[pollable]
	if !loaded || !entry.writable {
		return
	}
	entry.writable = false
	p.update(entry, true)
}

func (p *Poller) IsReadable(pollable Pollable) bool {
	entry, loaded := p.registrations[pollable]
	return loaded && entry.readable
}

func (p *Poller) IsWritable(pollable Pollable) bool {
	entry, loaded := p.registrations[pollable]
	return loaded && entry.writable
}

// Close drops every registration of pollable and invokes its HandleClose.
func (p *Poller) Close(pollable Pollable) {
	if entry, loaded := p.registrations[pollable]; loaded {
		p.remove(entry)
	}
	pollable.HandleClose()
}

// Post schedules task to run on the loop goroutine. It is safe to call from
// any goroutine. Tasks posted after Shutdown are dropped.
func (p *Poller) Post(task func()) {
	p.access.Lock()
	if p.shutdown {
		p.access.Unlock()
		return
	}
	p.tasks = append(p.tasks, task)
	p.access.Unlock()
	p.wakeup()
}

// Offload runs work on a new goroutine and then done, with the result of
// work, on the loop goroutine. The loop does not exit while work is running.
func (p *Poller) Offload(work func() error, done func(error)) {
	p.inflight++
	go func() {
		err := work()
		p.Post(func() {
			p.inflight--
			done(err)
		})
	}()
}

// Break makes Loop return after the current dispatch.
func (p *Poller) Break() {
	p.stopped = true
}

// Abort makes Loop return err after the current dispatch.
func (p *Poller) Abort(err error) {
	if p.err == nil {
		p.err = err
	}
	p.stopped = true
}

func (p *Poller) Loop() error {
	p.stopped = false
	stop := context.AfterFunc(p.ctx, p.wakeup)
	defer stop()
	events := make([]unix.EpollEvent, 128)
	var buffer [64]byte
	for {
		p.runTasks()
		if p.stopped {
			break
		}
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		default:
		}
		if len(p.registrations) == 0 && p.inflight == 0 && !p.hasTasks() {
			break
		}

		n, err := unix.EpollWait(p.epollFD, events, p.timeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return E.Cause(err, "epoll wait")
		}

		for i := 0; i < n && !p.stopped; i++ {
			event := events[i]
			registrationID := *(*uint64)(unsafe.Pointer(&event.Fd))
			if registrationID == 0 {
				for {
					readN, _ := unix.Read(p.pipeFDs[0], buffer[:])
					if readN < len(buffer) {
						break
					}
				}
				continue
			}
			p.dispatch(registrationID, event.Events)
		}
		if !p.stopped {
			p.checkWatchdogs()
		}
	}
	return p.err
}

func (p *Poller) dispatch(registrationID uint64, events uint32) {
	entry := p.registrationByID[registrationID]
	if entry == nil {
		return
	}
	entry.activity = time.Now()
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 && entry.readable {
		entry.pollable.HandleRead()
	}
	if p.stopped {
		return
	}
	// the read handler may have unregistered or closed the pollable
	entry = p.registrationByID[registrationID]
	if entry == nil {
		return
	}
	if events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 && entry.writable {
		entry.pollable.(Writable).HandleWrite()
	}
}

func (p *Poller) checkWatchdogs() {
	now := time.Now()
	var expired []Pollable
	for pollable, entry := range p.registrations {
		watchdog := pollable.Watchdog()
		if watchdog >= 0 && now.Sub(entry.activity) > watchdog {
			expired = append(expired, pollable)
		}
	}
	for _, pollable := range expired {
		if _, loaded := p.registrations[pollable]; !loaded {
			continue
		}
		p.logger.Debug("watchdog timeout: ", pollable)
		p.Close(pollable)
	}
}

// timeout returns the epoll wait timeout in milliseconds up to the nearest
// watchdog expiry, or -1.
func (p *Poller) timeout() int {
	if p.hasTasks() {
		return 0
	}
	var (
		nearest time.Duration
		found   bool
	)
	now := time.Now()
	for pollable, entry := range p.registrations {
		watchdog := pollable.Watchdog()
		if watchdog < 0 {
			continue
		}
		remaining := entry.activity.Add(watchdog).Sub(now)
		if !found || remaining < nearest {
			nearest = remaining
			found = true
		}
	}
	if !found {
		return -1
	}
	if nearest <= 0 {
		return 0
	}
	return int((nearest + time.Millisecond - 1) / time.Millisecond)
}

func (p *Poller) newRegistration(pollable Pollable) *registration {
	p.registrationCounter++
	return &registration{
		id:       p.registrationCounter,
		pollable: pollable,
		activity: time.Now(),
	}
}

func (p *Poller) update(entry *registration, loaded bool) error {
	var events uint32
	if entry.readable {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if entry.writable {
		events |= unix.EPOLLOUT
	}
	if events == 0 {
		p.remove(entry)
		return nil
	}
	event := &unix.EpollEvent{Events: events}
	*(*uint64)(unsafe.Pointer(&event.Fd)) = entry.id
	operation := unix.EPOLL_CTL_MOD
	if !loaded {
		operation = unix.EPOLL_CTL_ADD
	}
	err := unix.EpollCtl(p.epollFD, operation, entry.pollable.FD(), event)
	if err != nil {
		if loaded {
			p.remove(entry)
		}
		return E.Cause(err, "epoll ctl")
	}
	if !loaded {
		p.registrations[entry.pollable] = entry
		p.registrationByID[entry.id] = entry
	}
	return nil
}

func (p *Poller) remove(entry *registration) {
	unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, entry.pollable.FD(), nil)
	delete(p.registrations, entry.pollable)
	delete(p.registrationByID, entry.id)
}

func (p *Poller) runTasks() {
	p.access.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.access.Unlock()
	for _, task := range tasks {
		task()
	}
}

func (p *Poller) hasTasks() bool {
	p.access.Lock()
	defer p.access.Unlock()
	return len(p.tasks) > 0
}

func (p *Poller) wakeup() {
	p.access.Lock()
	defer p.access.Unlock()
	if p.shutdown {
		return
	}
	unix.Write(p.pipeFDs[1], []byte{0})
}

// Shutdown releases the epoll instance. Registered pollables are left
// untouched.
func (p *Poller) Shutdown() error {
	p.access.Lock()
	defer p.access.Unlock()
	p.shutdown = true
	p.tasks = nil
	var err error
	if p.epollFD != -1 {
		err = unix.Close(p.epollFD)
		p.epollFD = -1
	}
	if p.pipeFDs[0] != -1 {
		unix.Close(p.pipeFDs[0])
		unix.Close(p.pipeFDs[1])
		p.pipeFDs[0] = -1
		p.pipeFDs[1] = -1
	}
	return err
}
