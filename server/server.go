package server

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
)

// Server ties an Acceptor to a Registry of live connections and forwards all connection
// events to an observing Listener. It owns the start and stop sequence.
type Server struct {
	observer        Listener
	opts            Options
	registry        *Registry
	listenerFactory tcpListenerFactory
	sleeper         sleeper

	lifecycleMutex sync.Mutex
	acceptor       atomic.Pointer[Acceptor]
	// stopRequested belongs to the current acceptor's connections. It is replaced on
	// every Start and never reset, so stragglers of a stopped acceptor stay stopped.
	stopRequested *atomic.Bool
}

// NewServer creates a stopped Server reporting to observer.
func NewServer(observer Listener, opts Options) *Server {
	if observer == nil {
		observer = nopListener{}
	}

	return &Server{
		observer:        observer,
		opts:            opts.withDefaults(),
		registry:        NewRegistry(),
		listenerFactory: defaultTCPListenerFactory{},
		sleeper:         defaultSleeper{},
	}
}

// Start binds given port and starts accepting connections. Port 0 picks a free port.
func (s *Server) Start(port int) error {
	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	if s.acceptor.Load() != nil {
		return ErrAlreadyRunning
	}

	stopRequested := new(atomic.Bool)

	acceptor, err := listen(s.listenerFactory, port, registrar{server: s, stopRequested: stopRequested}, s.opts)
	if err != nil {
		return err
	}

	s.stopRequested = stopRequested
	s.acceptor.Store(acceptor)
	acceptor.Start()

	slog.Info("server started listening", slog.String("addr", acceptor.Addr().String()))

	return nil
}

// Stop shuts the server down: it stops and joins the acceptor, signals every registered
// connection, gives them DrainDelay to leave their poll loops, then joins and releases
// each of them and clears the registry. Waits that time out are logged and skipped.
func (s *Server) Stop() error {
	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	acceptor := s.acceptor.Swap(nil)
	if acceptor == nil {
		return ErrNotRunning
	}

	s.stopRequested.Store(true)

	slog.Info("stopping server")

	// the flag has to be set before the socket goes away
	acceptor.RequestStop()
	if err := acceptor.Close(); err != nil {
		slog.Warn("could not close listening socket", slog.Any("error", err))
	}

	if !acceptor.WaitForExit(s.opts.JoinTimeout) {
		slog.Warn("acceptor did not exit in time", slog.Duration("timeout", s.opts.JoinTimeout))
	}

	connections := s.registry.Snapshot()
	slog.Info("disconnecting clients", slog.Int("count", len(connections)))

	// signal everyone before joining anyone
	for _, connection := range connections {
		connection.PrepareToStop()
	}

	s.sleeper.Sleep(s.opts.DrainDelay)

	for _, connection := range connections {
		if !connection.Close() {
			slog.Warn(
				"connection did not exit in time",
				slog.String("connectionID", connection.ID().String()),
				slog.String("remote", connection.Description()),
				slog.Duration("timeout", s.opts.JoinTimeout),
			)
		}
	}

	s.registry.Clear()

	slog.Info("server stopped")

	return nil
}

// IsRunning reports whether the server accepts connections. It turns false as soon as
// Stop begins.
func (s *Server) IsRunning() bool {
	return s.acceptor.Load() != nil
}

// Addr returns the listening address, or an empty string when stopped.
func (s *Server) Addr() string {
	acceptor := s.acceptor.Load()
	if acceptor == nil {
		return ""
	}

	return acceptor.Addr().String()
}

// Send writes text to the connection with given id. It reports false for unknown ids
// and failed writes.
func (s *Server) Send(id uuid.UUID, text string) bool {
	connection, ok := s.registry.Get(id)
	if !ok {
		return false
	}

	return connection.Send(text)
}

// Client describes the registered connection with given id.
func (s *Server) Client(id uuid.UUID) (ClientInfo, bool) {
	connection, ok := s.registry.Get(id)
	if !ok {
		return ClientInfo{}, false
	}

	return connection.Info(), true
}

// Broadcast sends text to every registered connection and returns how many writes
// succeeded together with the clients that failed.
func (s *Server) Broadcast(text string) (int, []ClientInfo) {
	sent := 0
	var failed []ClientInfo

	for _, connection := range s.registry.Snapshot() {
		if connection.Send(text) {
			sent++
		} else {
			failed = append(failed, connection.Info())
		}
	}

	return sent, failed
}

// Clients returns the registered connections ordered by remote address.
func (s *Server) Clients() []ClientInfo {
	snapshot := s.registry.Snapshot()

	clients := make([]ClientInfo, 0, len(snapshot))
	for _, connection := range snapshot {
		clients = append(clients, connection.Info())
	}

	slices.SortFunc(clients, func(a, b ClientInfo) int {
		return strings.Compare(a.Description(), b.Description())
	})

	return clients
}

func (s *Server) ConnectionCount() int {
	return s.registry.Len()
}

// reap releases a connection after it reported its disconnect. It runs on its own
// goroutine because Close waits for the read loop that is calling OnDisconnected.
func (s *Server) reap(connection *Connection) {
	if !connection.Close() {
		slog.Warn(
			"disconnected connection did not exit in time",
			slog.String("connectionID", connection.ID().String()),
		)
	}
}

// registrar is the Listener the acceptor's connections report to. It keeps the
// registry in sync before forwarding to the observer.
type registrar struct {
	server        *Server
	stopRequested *atomic.Bool
}

// OnConnected registers the connection. One that arrives after Stop began is told to
// stop right away; if Stop already took its snapshot it ends through OnDisconnected
// and reaping like any other connection.
func (r registrar) OnConnected(connection *Connection) {
	r.server.registry.Add(connection)

	if r.stopRequested.Load() {
		connection.PrepareToStop()
	}

	r.server.observer.OnConnected(connection)
}

func (r registrar) OnMessage(connection *Connection, text string) {
	r.server.observer.OnMessage(connection, text)
}

func (r registrar) OnDisconnected(connection *Connection) {
	r.server.registry.Remove(connection)
	r.server.observer.OnDisconnected(connection)

	go r.server.reap(connection)
}

type nopListener struct{}

func (nopListener) OnConnected(*Connection)       {}
func (nopListener) OnMessage(*Connection, string) {}
func (nopListener) OnDisconnected(*Connection)    {}
