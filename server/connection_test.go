package server

import (
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"testing"
	"time"
)

func waitForConnection(t *testing.T, ch <-chan *Connection, what string) *Connection {
	t.Helper()

	select {
	case connection := <-ch:
		return connection
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("%s was not reported in appropriate time", what)
		return nil
	}
}

func waitForMessage(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case text := <-ch:
		return text
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnMessage() was not called in appropriate time")
		return ""
	}
}

func TestConnection_DeliversMessageAfterConnected(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	go func() {
		_, err := clientConn.Write([]byte("PING\n"))
		if err != nil {
			t.Errorf("failed to write test data: %v", err)
		}
	}()

	if got := waitForMessage(t, listener.messages); got != "PING\n" {
		t.Errorf("OnMessage() text = %q, want %q", got, "PING\n")
	}

	if got := connection.State(); got != StateActive {
		t.Errorf("State() = %v, want %v", got, StateActive)
	}

	want := []string{"connected", "message"}
	if got := listener.eventsFor(connection); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConnection_PeerCloseDisconnectsWithoutMessage(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	clientConn.Close()

	disconnected := waitForConnection(t, listener.disconnected, "OnDisconnected()")
	if disconnected != connection {
		t.Fatal("OnDisconnected() reported a different connection")
	}

	select {
	case <-connection.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("read loop did not finish after OnDisconnected()")
	}

	if got := connection.State(); got != StateTerminated {
		t.Errorf("State() = %v, want %v", got, StateTerminated)
	}

	want := []string{"connected", "disconnected"}
	if got := listener.eventsFor(connection); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConnection_ReadErrorDisconnects(t *testing.T) {
	conn := &mockConn{
		mockRead: func(_ []byte) (int, error) {
			return 0, errors.New("connection reset by peer")
		},
	}

	listener := newRecordingListener()
	connection := NewConnection(conn, listener, fastOptions())

	waitForConnection(t, listener.connected, "OnConnected()")
	waitForConnection(t, listener.disconnected, "OnDisconnected()")

	if !connection.Close() {
		t.Error("Close() reported the read loop did not exit")
	}

	if conn.closes() != 1 {
		t.Errorf("socket closed %d times, want 1", conn.closes())
	}
}

func TestConnection_ZeroByteReadKeepsPolling(t *testing.T) {
	reads := make(chan struct{}, 64)
	conn := &mockConn{
		mockRead: func(_ []byte) (int, error) {
			select {
			case reads <- struct{}{}:
			default:
			}
			return 0, nil
		},
	}

	listener := newRecordingListener()
	connection := NewConnection(conn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	for i := range 15 {
		select {
		case <-reads:
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("read attempt %d did not happen", i)
		}
	}

	if n := listener.count("disconnected"); n != 0 {
		t.Errorf("OnDisconnected() called %d times for empty reads, want 0", n)
	}
}

func TestConnection_PrepareToStopEndsReadLoop(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	connection.PrepareToStop()
	connection.PrepareToStop()

	if !connection.WaitForExit(100 * time.Millisecond) {
		t.Fatal("read loop did not exit after PrepareToStop()")
	}

	if n := listener.count("disconnected"); n != 1 {
		t.Errorf("OnDisconnected() called %d times, want 1", n)
	}
}

func TestConnection_CloseReleasesSocket(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())

	waitForConnection(t, listener.connected, "OnConnected()")

	if !connection.Close() {
		t.Fatal("Close() reported the read loop did not exit")
	}

	// Closing twice must be harmless
	if !connection.Close() {
		t.Error("second Close() reported the read loop did not exit")
	}

	clientConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := clientConn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("peer read after Close() returned %v, want io.EOF", err)
	}

	if connection.Send("late") {
		t.Error("Send() after Close() reported success")
	}

	if n := listener.count("disconnected"); n != 1 {
		t.Errorf("OnDisconnected() called %d times, want 1", n)
	}
}

func TestConnection_CloseTimesOutOnStuckListenerButReleasesSocket(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	conn := &mockConn{
		mockRead: func(_ []byte) (int, error) {
			return 0, nil
		},
	}

	opts := fastOptions()
	opts.JoinTimeout = 20 * time.Millisecond

	connection := NewConnection(conn, &blockingListener{release: release}, opts)

	if connection.Close() {
		t.Error("Close() reported exit although the listener is stuck")
	}

	if conn.closes() != 1 {
		t.Errorf("socket closed %d times, want 1", conn.closes())
	}
}

// blockingListener never returns from OnConnected until release is closed.
type blockingListener struct {
	release chan struct{}
}

func (b *blockingListener) OnConnected(_ *Connection)         { <-b.release }
func (b *blockingListener) OnMessage(_ *Connection, _ string) {}
func (b *blockingListener) OnDisconnected(_ *Connection)      {}

func TestConnection_Send(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	received := make(chan string, 1)
	go func() {
		readBuffer := make([]byte, len("hello"))
		n, _ := io.ReadFull(clientConn, readBuffer)
		received <- string(readBuffer[:n])
	}()

	if !connection.Send("hello") {
		t.Fatal("Send() reported failure")
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("peer received %q, want %q", got, "hello")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("peer did not receive data")
	}
}

func TestConnection_SendFailsOnClosedPeer(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")
	clientConn.Close()

	if connection.Send("hello") {
		t.Error("Send() to a closed peer reported success")
	}
}

func TestConnection_LargeWriteIsSplitAtBufferSize(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	payload := strings.Repeat("x", 5000)
	go clientConn.Write([]byte(payload))

	var received strings.Builder
	for received.Len() < len(payload) {
		text := waitForMessage(t, listener.messages)
		if len(text) > readBufferSize-1 {
			t.Fatalf("single OnMessage() carried %d bytes, want at most %d", len(text), readBufferSize-1)
		}
		received.WriteString(text)
	}

	if received.String() != payload {
		t.Error("reassembled messages do not match the written payload")
	}
}

func TestConnection_InvalidUTF8IsReplaced(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	listener := newRecordingListener()
	connection := NewConnection(serverConn, listener, fastOptions())
	defer connection.Close()

	waitForConnection(t, listener.connected, "OnConnected()")

	go clientConn.Write([]byte{'o', 'k', 0xff})

	if got := waitForMessage(t, listener.messages); got != "ok\uFFFD" {
		t.Errorf("OnMessage() text = %q, want %q", got, "ok\uFFFD")
	}
}

func TestConnection_Description(t *testing.T) {
	conn := &mockConn{mockRead: func(_ []byte) (int, error) { return 0, nil }}

	connection := NewConnection(conn, newRecordingListener(), fastOptions())
	defer connection.Close()

	if got := connection.Description(); got != "10.0.0.1:4242" {
		t.Errorf("Description() = %q, want %q", got, "10.0.0.1:4242")
	}

	info := connection.Info()
	if info.ID != connection.ID() || info.Host != "10.0.0.1" || info.Port != 4242 {
		t.Errorf("Info() = %+v, does not match connection", info)
	}
}

// cadenceSleeper forwards every poll sleep to the returned channel until stop is closed.
func cadenceSleeper(stop <-chan struct{}) (*mockSleeper, <-chan time.Duration) {
	sleeps := make(chan time.Duration)
	sleeper := &mockSleeper{
		mockSleep: func(d time.Duration) {
			select {
			case sleeps <- d:
			case <-stop:
			}
		},
	}

	return sleeper, sleeps
}

func expectSleeps(t *testing.T, sleeps <-chan time.Duration, want []time.Duration) {
	t.Helper()

	for i, wantSleep := range want {
		select {
		case got := <-sleeps:
			if got != wantSleep {
				t.Errorf("sleep %d = %v, want %v", i, got, wantSleep)
			}
		case <-time.After(time.Second):
			t.Fatalf("sleep %d did not happen", i)
		}
	}
}

func TestConnection_ReadCadence(t *testing.T) {
	stop := make(chan struct{})
	sleeper, sleeps := cadenceSleeper(stop)

	opts := fastOptions()
	opts.ReadAttempts = 4
	opts.ReadRetryInterval = 3 * time.Millisecond
	opts.ReadIdleInterval = 7 * time.Millisecond
	opts.sleeper = sleeper

	conn := &mockConn{
		mockRead: func(_ []byte) (int, error) {
			return 0, nil
		},
	}

	listener := newRecordingListener()
	connection := NewConnection(conn, listener, opts)
	defer connection.Close()
	defer close(stop)

	waitForConnection(t, listener.connected, "OnConnected()")

	var want []time.Duration
	for range 2 {
		for range opts.ReadAttempts {
			want = append(want, opts.ReadRetryInterval)
		}
		want = append(want, opts.ReadIdleInterval)
	}

	expectSleeps(t, sleeps, want)
}
