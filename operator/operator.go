// Package operator implements the side of the debug server a human looks at: it logs and
// journals every connection event and optionally echoes received text back to the peer.
package operator

import (
	"log/slog"
	"sync"

	"github.com/sateffen/tcpdebug/server"
)

// Operator is a server.Listener. Its echo settings may be changed while connections are
// running.
type Operator struct {
	journal *Journal

	settingsMutex sync.RWMutex
	echo          bool
	echoPrefix    string
}

func New(journal *Journal, echo bool, echoPrefix string) *Operator {
	return &Operator{
		journal:    journal,
		echo:       echo,
		echoPrefix: echoPrefix,
	}
}

// SetEcho changes whether and with which prefix received text is sent back.
func (o *Operator) SetEcho(enabled bool, prefix string) {
	o.settingsMutex.Lock()
	defer o.settingsMutex.Unlock()

	o.echo = enabled
	o.echoPrefix = prefix
}

func (o *Operator) echoSettings() (bool, string) {
	o.settingsMutex.RLock()
	defer o.settingsMutex.RUnlock()

	return o.echo, o.echoPrefix
}

// Info journals a server lifecycle line.
func (o *Operator) Info(text string) {
	slog.Info(text)
	o.journal.Add(Entry{Kind: KindInfo, Text: text})
}

// Warn journals a server lifecycle problem.
func (o *Operator) Warn(text string) {
	slog.Warn(text)
	o.journal.Add(Entry{Kind: KindWarning, Text: text})
}

// Entries returns the newest limit journal entries, oldest first.
func (o *Operator) Entries(limit int) []Entry {
	return o.journal.Entries(limit)
}

func (o *Operator) OnConnected(connection *server.Connection) {
	slog.Info(
		"client connected",
		slog.String("connectionID", connection.ID().String()),
		slog.String("remote", connection.Description()),
	)

	o.journal.Add(Entry{
		Kind:         KindConnected,
		ConnectionID: connection.ID().String(),
		Remote:       connection.Description(),
		Text:         "Client connected: " + connection.Description(),
	})
}

func (o *Operator) OnMessage(connection *server.Connection, text string) {
	slog.Info(
		"message received",
		slog.String("connectionID", connection.ID().String()),
		slog.String("remote", connection.Description()),
		slog.String("text", text),
	)

	o.journal.Add(Entry{
		Kind:         KindMessage,
		ConnectionID: connection.ID().String(),
		Remote:       connection.Description(),
		Text:         "From " + connection.Description() + ": " + text,
	})

	echo, prefix := o.echoSettings()
	if !echo {
		return
	}

	reply := prefix + text
	if connection.Send(reply) {
		o.journal.Add(Entry{
			Kind:         KindSent,
			ConnectionID: connection.ID().String(),
			Remote:       connection.Description(),
			Text:         "To " + connection.Description() + ": " + reply,
		})
		return
	}

	slog.Warn(
		"could not echo message",
		slog.String("connectionID", connection.ID().String()),
		slog.String("remote", connection.Description()),
	)

	o.journal.Add(Entry{
		Kind:         KindSendFailed,
		ConnectionID: connection.ID().String(),
		Remote:       connection.Description(),
		Text:         "Failed to send to " + connection.Description(),
	})
}

func (o *Operator) OnDisconnected(connection *server.Connection) {
	slog.Info(
		"client disconnected",
		slog.String("connectionID", connection.ID().String()),
		slog.String("remote", connection.Description()),
	)

	o.journal.Add(Entry{
		Kind:         KindDisconnected,
		ConnectionID: connection.ID().String(),
		Remote:       connection.Description(),
		Text:         "Client disconnected: " + connection.Description(),
	})
}

// RecordSendFailure journals that an operator initiated send to client did not go through.
func (o *Operator) RecordSendFailure(client server.ClientInfo) {
	slog.Warn(
		"could not send to client",
		slog.String("connectionID", client.ID.String()),
		slog.String("remote", client.Description()),
	)

	o.journal.Add(Entry{
		Kind:         KindSendFailed,
		ConnectionID: client.ID.String(),
		Remote:       client.Description(),
		Text:         "Failed to send to " + client.Description(),
	})
}

// RecordSent journals an operator initiated send.
func (o *Operator) RecordSent(client server.ClientInfo, text string) {
	o.journal.Add(Entry{
		Kind:         KindSent,
		ConnectionID: client.ID.String(),
		Remote:       client.Description(),
		Text:         "To " + client.Description() + ": " + text,
	})
}
