package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// AcceptorState is the lifecycle state of an Acceptor.
type AcceptorState int32

const (
	AcceptorIdle AcceptorState = iota
	AcceptorListening
	AcceptorStopping
	AcceptorStopped
)

func (s AcceptorState) String() string {
	switch s {
	case AcceptorIdle:
		return "idle"
	case AcceptorListening:
		return "listening"
	case AcceptorStopping:
		return "stopping"
	case AcceptorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Acceptor owns a listening socket and polls it for new connections on its own
// goroutine. Every accepted socket becomes a Connection that registers itself with
// the owner through Listener.OnConnected; the Acceptor keeps no reference to it.
type Acceptor struct {
	listener tcpListener
	owner    Listener
	opts     Options

	exitFlag  atomic.Bool
	state     atomic.Int32
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	handoffs  sync.WaitGroup
	done      chan struct{}
}

// Listen binds a TCP listening socket on given port of all interfaces and returns an
// Acceptor for it, not yet started. A bind failure is returned as error.
func Listen(port int, owner Listener, opts Options) (*Acceptor, error) {
	return listen(defaultTCPListenerFactory{}, port, owner, opts)
}

func listen(factory tcpListenerFactory, port int, owner Listener, opts Options) (*Acceptor, error) {
	listener, err := factory.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("can't listen on port %d: %w", port, err)
	}

	return newAcceptor(listener, owner, opts), nil
}

func newAcceptor(listener tcpListener, owner Listener, opts Options) *Acceptor {
	return &Acceptor{
		listener: listener,
		owner:    owner,
		opts:     opts.withDefaults(),
		done:     make(chan struct{}),
	}
}

// Addr returns the address of the listening socket.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

func (a *Acceptor) State() AcceptorState {
	return AcceptorState(a.state.Load())
}

// Start runs the accept loop on a new goroutine and returns immediately. Calling it
// again, or after RequestStop, does nothing.
func (a *Acceptor) Start() {
	a.startOnce.Do(func() {
		a.state.Store(int32(AcceptorListening))
		go a.run()
	})
}

// RequestStop sets the exit flag; the loop ends within one poll interval. It does not
// close the listening socket, use Close for that.
func (a *Acceptor) RequestStop() {
	a.exitFlag.Store(true)
	a.state.CompareAndSwap(int32(AcceptorListening), int32(AcceptorStopping))

	// never started, so nothing will close done for us
	a.startOnce.Do(func() {
		a.state.Store(int32(AcceptorStopped))
		close(a.done)
	})
}

// Close closes the listening socket exactly once and returns the error of that close.
func (a *Acceptor) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.listener.Close()
	})

	return a.closeErr
}

// WaitForExit blocks until the accept loop has ended and every connection it created
// has delivered OnConnected, or until timeout elapsed. It reports whether both happened.
func (a *Acceptor) WaitForExit(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
	case <-timer.C:
		return false
	}

	handoffsDone := make(chan struct{})
	go func() {
		a.handoffs.Wait()
		close(handoffsDone)
	}()

	select {
	case <-handoffsDone:
		return true
	case <-timer.C:
		return false
	}
}

func (a *Acceptor) run() {
	defer func() {
		a.state.Store(int32(AcceptorStopped))
		close(a.done)
	}()

	for !a.exitFlag.Load() {
		accepted := false

		for range a.opts.AcceptAttempts {
			if a.exitFlag.Load() {
				return
			}

			conn, err := a.acceptAttempt()
			if err != nil {
				a.opts.sleeper.Sleep(a.opts.AcceptRetryInterval)
				continue
			}

			if a.exitFlag.Load() {
				// stop was requested while this accept was in flight
				conn.Close()
				return
			}

			a.handoff(conn)
			accepted = true
			break
		}

		if !accepted {
			if a.exitFlag.Load() {
				return
			}

			a.opts.sleeper.Sleep(a.opts.AcceptIdleInterval)
		}
	}
}

// acceptAttempt accepts with a short deadline. Any error, timeout or not, counts as
// "no pending connection".
func (a *Acceptor) acceptAttempt() (net.Conn, error) {
	if err := a.listener.SetDeadline(time.Now().Add(a.opts.AcceptAttemptTimeout)); err != nil {
		return nil, err
	}

	conn, err := a.listener.Accept()
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
		slog.Debug("could not accept connection", slog.Any("error", err))
	}

	return conn, err
}

func (a *Acceptor) handoff(conn net.Conn) {
	slog.Debug("accepted connection", slog.String("remote", conn.RemoteAddr().String()))

	a.handoffs.Add(1)
	newConnection(conn, a.owner, a.opts, a.handoffs.Done)
}
