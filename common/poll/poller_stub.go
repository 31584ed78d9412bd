//go:build !linux

package poll

import (
	"context"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
)

var errUnsupported = E.New("poller not supported on this platform")

type Poller struct{}

func New(ctx context.Context) (*Poller, error) {
	return nil, errUnsupported
}

func (p *Poller) SetReadable(pollable Pollable) error {
	return errUnsupported
}

func (p *Poller) UnsetReadable(pollable Pollable) {}

func (p *Poller) SetWritable(pollable Pollable) error {
	return errUnsupported
}

func (p *Poller) UnsetWritable(pollable Pollable) {}

func (p *Poller) IsReadable(pollable Pollable) bool {
	return false
}

func (p *Poller) IsWritable(pollable Pollable) bool {
	return false
}

func (p *Poller) Close(pollable Pollable) {
	pollable.HandleClose()
}

func (p *Poller) Post(task func()) {}

func (p *Poller) Offload(work func() error, done func(error)) {}

func (p *Poller) Break() {}

func (p *Poller) Abort(err error) {}

func (p *Poller) Loop() error {
	return errUnsupported
}

func (p *Poller) Shutdown() error {
	return nil
}
