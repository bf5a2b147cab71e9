package server

import "time"

const (
	// readBufferSize mirrors the fixed receive buffer; one byte is always kept spare,
	// so a single read never yields more than readBufferSize-1 bytes.
	readBufferSize = 4096

	DefaultReadAttempts         = 10
	DefaultReadAttemptTimeout   = time.Millisecond
	DefaultReadRetryInterval    = 10 * time.Millisecond
	DefaultReadIdleInterval     = 50 * time.Millisecond
	DefaultAcceptAttempts       = 10
	DefaultAcceptAttemptTimeout = time.Millisecond
	DefaultAcceptRetryInterval  = 5 * time.Millisecond
	DefaultAcceptIdleInterval   = 20 * time.Millisecond
	DefaultJoinTimeout          = time.Second
	DefaultDrainDelay           = 100 * time.Millisecond
)

// Options holds the poll cadence of the read and accept loops and the bounded waits
// used while shutting down.
type Options struct {
	// ReadAttempts is the number of quick read attempts per outer read cycle.
	ReadAttempts int
	// ReadAttemptTimeout is the deadline given to a single read attempt.
	ReadAttemptTimeout time.Duration
	// ReadRetryInterval is slept after a read attempt that yielded no data.
	ReadRetryInterval time.Duration
	// ReadIdleInterval is slept after an outer read cycle that delivered nothing.
	ReadIdleInterval time.Duration

	AcceptAttempts       int
	AcceptAttemptTimeout time.Duration
	AcceptRetryInterval  time.Duration
	AcceptIdleInterval   time.Duration

	// JoinTimeout bounds every wait for an acceptor or connection goroutine to end.
	JoinTimeout time.Duration
	// DrainDelay is slept between signalling all connections and joining them.
	DrainDelay time.Duration

	// sleeper paces the poll loops.
	sleeper sleeper
}

// DefaultOptions returns the stock poll cadence.
func DefaultOptions() Options {
	return Options{
		ReadAttempts:         DefaultReadAttempts,
		ReadAttemptTimeout:   DefaultReadAttemptTimeout,
		ReadRetryInterval:    DefaultReadRetryInterval,
		ReadIdleInterval:     DefaultReadIdleInterval,
		AcceptAttempts:       DefaultAcceptAttempts,
		AcceptAttemptTimeout: DefaultAcceptAttemptTimeout,
		AcceptRetryInterval:  DefaultAcceptRetryInterval,
		AcceptIdleInterval:   DefaultAcceptIdleInterval,
		JoinTimeout:          DefaultJoinTimeout,
		DrainDelay:           DefaultDrainDelay,
	}
}

// withDefaults replaces every zero or negative field with its default.
func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.ReadAttempts <= 0 {
		o.ReadAttempts = d.ReadAttempts
	}
	if o.ReadAttemptTimeout <= 0 {
		o.ReadAttemptTimeout = d.ReadAttemptTimeout
	}
	if o.ReadRetryInterval <= 0 {
		o.ReadRetryInterval = d.ReadRetryInterval
	}
	if o.ReadIdleInterval <= 0 {
		o.ReadIdleInterval = d.ReadIdleInterval
	}
	if o.AcceptAttempts <= 0 {
		o.AcceptAttempts = d.AcceptAttempts
	}
	if o.AcceptAttemptTimeout <= 0 {
		o.AcceptAttemptTimeout = d.AcceptAttemptTimeout
	}
	if o.AcceptRetryInterval <= 0 {
		o.AcceptRetryInterval = d.AcceptRetryInterval
	}
	if o.AcceptIdleInterval <= 0 {
		o.AcceptIdleInterval = d.AcceptIdleInterval
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.DrainDelay <= 0 {
		o.DrainDelay = d.DrainDelay
	}
	if o.sleeper == nil {
		o.sleeper = defaultSleeper{}
	}

	return o
}
