package tcp

import "time"

type Option func(*Connector)

// WithWatchdog overrides the time allowed for each connection attempt.
func WithWatchdog(watchdog time.Duration) Option {
	return func(connector *Connector) {
		connector.watchdog = watchdog
	}
}
