package server

import (
	"net"
	"time"
)

// this file provides interfaces and their default implementations to make the other structs testable.

type tcpListener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
	SetDeadline(t time.Time) error
}

type tcpListenerFactory interface {
	ListenTCP(network string, laddr *net.TCPAddr) (tcpListener, error)
}

type defaultTCPListenerFactory struct{}

func (defaultTCPListenerFactory) ListenTCP(network string, laddr *net.TCPAddr) (tcpListener, error) {
	return net.ListenTCP(network, laddr)
}

type sleeper interface {
	Sleep(d time.Duration)
}

type defaultSleeper struct{}

func (defaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}
