package server

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// mockTCPListener implements the tcpListener interface from internal.go.
type mockTCPListener struct {
	mockAccept      func() (net.Conn, error)
	mockClose       func() error
	mockAddr        func() net.Addr
	mockSetDeadline func(t time.Time) error
}

func (m *mockTCPListener) Accept() (net.Conn, error) {
	if m.mockAccept != nil {
		return m.mockAccept()
	}
	// Behave like an idle listener
	time.Sleep(time.Millisecond)
	return nil, os.ErrDeadlineExceeded
}

func (m *mockTCPListener) Close() error {
	if m.mockClose != nil {
		return m.mockClose()
	}
	return nil
}

func (m *mockTCPListener) Addr() net.Addr {
	if m.mockAddr != nil {
		return m.mockAddr()
	}
	addr, _ := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	return addr
}

func (m *mockTCPListener) SetDeadline(t time.Time) error {
	if m.mockSetDeadline != nil {
		return m.mockSetDeadline(t)
	}
	return nil
}

// mockTCPListenerFactory implements the tcpListenerFactory interface from internal.go.
type mockTCPListenerFactory struct {
	mockListenTCP func(network string, laddr *net.TCPAddr) (tcpListener, error)
}

func (m *mockTCPListenerFactory) ListenTCP(network string, laddr *net.TCPAddr) (tcpListener, error) {
	if m.mockListenTCP != nil {
		return m.mockListenTCP(network, laddr)
	}
	return nil, errors.New("mock listener factory: no mock implementation for ListenTCP")
}

// mockSleeper implements the sleeper interface from internal.go.
type mockSleeper struct {
	mockSleep  func(d time.Duration)
	mutex      sync.Mutex
	sleepCalls []time.Duration
}

func (m *mockSleeper) Sleep(d time.Duration) {
	m.mutex.Lock()
	m.sleepCalls = append(m.sleepCalls, d)
	m.mutex.Unlock()

	if m.mockSleep != nil {
		m.mockSleep(d)
	}
}

func (m *mockSleeper) calls() []time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]time.Duration(nil), m.sleepCalls...)
}

// mockConn implements the net.Conn interface, for cases net.Pipe can't simulate.
type mockConn struct {
	mockRead       func(b []byte) (int, error)
	mockRemoteAddr func() net.Addr
	closeCount     int
	mutex          sync.Mutex
}

func (m *mockConn) Read(b []byte) (int, error) {
	if m.mockRead != nil {
		return m.mockRead(b)
	}
	return 0, errors.New("mock conn: no mock implementation for Read")
}
func (m *mockConn) Write(b []byte) (int, error) { return len(b), nil }
func (m *mockConn) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closeCount++
	return nil
}
func (m *mockConn) LocalAddr() net.Addr { return nil }
func (m *mockConn) RemoteAddr() net.Addr {
	if m.mockRemoteAddr != nil {
		return m.mockRemoteAddr()
	}
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242}
}
func (m *mockConn) SetDeadline(_ time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(_ time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(_ time.Time) error { return nil }

func (m *mockConn) closes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.closeCount
}

// event is one Listener call seen by a recordingListener.
type event struct {
	kind       string
	connection *Connection
	text       string
}

// recordingListener implements the Listener interface and records every call, in order.
type recordingListener struct {
	mutex  sync.Mutex
	events []event

	connected    chan *Connection
	messages     chan string
	disconnected chan *Connection
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected:    make(chan *Connection, 128),
		messages:     make(chan string, 128),
		disconnected: make(chan *Connection, 128),
	}
}

func (r *recordingListener) record(e event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingListener) OnConnected(connection *Connection) {
	r.record(event{kind: "connected", connection: connection})
	r.connected <- connection
}

func (r *recordingListener) OnMessage(connection *Connection, text string) {
	r.record(event{kind: "message", connection: connection, text: text})
	r.messages <- text
}

func (r *recordingListener) OnDisconnected(connection *Connection) {
	r.record(event{kind: "disconnected", connection: connection})
	r.disconnected <- connection
}

// eventsFor returns the kinds of events recorded for given connection.
func (r *recordingListener) eventsFor(connection *Connection) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var kinds []string
	for _, e := range r.events {
		if e.connection == connection {
			kinds = append(kinds, e.kind)
		}
	}
	return kinds
}

func (r *recordingListener) count(kind string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// fastOptions shortens the poll cadence so tests don't have to wait for the real one.
func fastOptions() Options {
	return Options{
		ReadAttempts:         10,
		ReadAttemptTimeout:   time.Millisecond,
		ReadRetryInterval:    time.Millisecond,
		ReadIdleInterval:     5 * time.Millisecond,
		AcceptAttempts:       10,
		AcceptAttemptTimeout: time.Millisecond,
		AcceptRetryInterval:  time.Millisecond,
		AcceptIdleInterval:   2 * time.Millisecond,
		JoinTimeout:          time.Second,
		DrainDelay:           10 * time.Millisecond,
	}
}
