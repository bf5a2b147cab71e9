package server

// Listener receives the lifecycle and message events of connections.
//
// All methods are called synchronously on the goroutine of the connection the event
// belongs to. Calls for different connections may arrive concurrently, so
// implementations must do their own locking. A slow implementation stalls the read
// loop of the calling connection; keep the work short and never block on it.
//
// For a single connection OnConnected is called exactly once and first, OnMessage
// once per successful read in the order the bytes arrived, and OnDisconnected
// exactly once and last.
type Listener interface {
	OnConnected(connection *Connection)
	OnMessage(connection *Connection, text string)
	OnDisconnected(connection *Connection)
}
