package server

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateActive
	StateDisconnecting
	StateTerminated
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ClientInfo is a point-in-time description of a Connection.
type ClientInfo struct {
	ID    uuid.UUID
	Host  string
	Port  int
	State ConnectionState
}

// Description returns "host:port".
func (ci ClientInfo) Description() string {
	return ci.Host + ":" + strconv.Itoa(ci.Port)
}

// Connection owns one accepted socket and polls it for data on its own goroutine,
// reporting everything it sees to its Listener.
type Connection struct {
	id           uuid.UUID
	conn         net.Conn
	host         string
	port         int
	listener     Listener
	opts         Options
	onRegistered func()

	exitFlag  atomic.Bool
	isClosed  atomic.Bool
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a Connection for an already accepted socket and immediately
// starts its read loop. The Connection takes ownership of given conn; release it with Close.
func NewConnection(conn net.Conn, listener Listener, opts Options) *Connection {
	return newConnection(conn, listener, opts, nil)
}

func newConnection(conn net.Conn, listener Listener, opts Options, onRegistered func()) *Connection {
	host, port := splitRemoteAddr(conn.RemoteAddr())

	c := &Connection{
		id:           uuid.New(),
		conn:         conn,
		host:         host,
		port:         port,
		listener:     listener,
		opts:         opts.withDefaults(),
		onRegistered: onRegistered,
		done:         make(chan struct{}),
	}
	// state is StateConnecting by default

	go c.run()

	return c
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) Host() string {
	return c.host
}

func (c *Connection) Port() int {
	return c.port
}

// Description returns "host:port" of the remote peer.
func (c *Connection) Description() string {
	return c.host + ":" + strconv.Itoa(c.port)
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) Info() ClientInfo {
	return ClientInfo{
		ID:    c.id,
		Host:  c.host,
		Port:  c.port,
		State: c.State(),
	}
}

// Done is closed once the read loop has exited and OnDisconnected was delivered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send writes text to the peer. It reports whether any bytes were written and never
// returns an error; failures are only logged at debug level.
func (c *Connection) Send(text string) bool {
	if c.isClosed.Load() {
		return false
	}

	n, err := c.conn.Write([]byte(text))
	if err != nil {
		slog.Debug(
			"could not write to connection",
			slog.String("connectionID", c.id.String()),
			slog.String("remote", c.Description()),
			slog.Any("error", err),
		)
		return false
	}

	return n > 0
}

// PrepareToStop asks the read loop to exit at its next check. It does not block.
func (c *Connection) PrepareToStop() {
	c.exitFlag.Store(true)
}

// WaitForExit blocks until the read loop has finished or timeout elapsed, reporting
// whether it finished.
func (c *Connection) WaitForExit(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close requests the read loop to exit, waits up to the configured join timeout for it
// and then closes the socket, even if the loop did not finish in time. It reports
// whether the loop finished. Close is safe to call multiple times and concurrently,
// but must not be called from within a Listener callback of the same connection.
func (c *Connection) Close() bool {
	c.PrepareToStop()
	exited := c.WaitForExit(c.opts.JoinTimeout)

	c.closeOnce.Do(func() {
		c.isClosed.Store(true)

		if err := c.conn.Close(); err != nil {
			slog.Warn(
				"connection couldn't properly close socket",
				slog.String("connectionID", c.id.String()),
				slog.Any("error", err),
			)
		}
	})

	return exited
}

func (c *Connection) shouldRun() bool {
	return !c.exitFlag.Load() && !c.isClosed.Load()
}

func (c *Connection) run() {
	defer close(c.done)

	c.listener.OnConnected(c)
	c.state.Store(int32(StateActive))

	if c.onRegistered != nil {
		c.onRegistered()
	}

	c.readLoop()

	c.state.Store(int32(StateDisconnecting))
	c.listener.OnDisconnected(c)
	c.state.Store(int32(StateTerminated))
}

// readLoop polls the socket until the exit flag is set, the socket is closed or a read
// fails. A closed peer and a broken socket both simply end the loop.
func (c *Connection) readLoop() {
	buffer := make([]byte, readBufferSize)

	for c.shouldRun() {
		delivered := false

		for range c.opts.ReadAttempts {
			if !c.shouldRun() {
				return
			}

			n, err := c.readAttempt(buffer[:readBufferSize-1])
			if n > 0 {
				c.listener.OnMessage(c, decodeText(buffer[:n]))
				delivered = true
			}

			if err != nil {
				slog.Debug(
					"connection read ended",
					slog.String("connectionID", c.id.String()),
					slog.Any("error", err),
				)
				return
			}

			if delivered {
				break
			}

			c.opts.sleeper.Sleep(c.opts.ReadRetryInterval)
		}

		if !delivered {
			c.opts.sleeper.Sleep(c.opts.ReadIdleInterval)
		}
	}
}

// readAttempt reads with a short deadline. An expired deadline means "no data yet" and
// is reported as zero bytes without an error.
func (c *Connection) readAttempt(buffer []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadAttemptTimeout)); err != nil {
		return 0, err
	}

	n, err := c.conn.Read(buffer)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}

	return n, err
}

func decodeText(data []byte) string {
	return strings.ToValidUTF8(string(data), "\uFFFD")
}

func splitRemoteAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}

	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String(), tcpAddr.Port
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}

	return host, port
}
