// Package transport provides the byte-duplex channel the protocol client
// talks over and the connection lifecycle around it.
package transport

import (
	"context"
	"io"
)

// DefaultBaudRate is used when no baud rate is configured. USB CDC ignores
// it but the host APIs still require one.
const DefaultBaudRate = 115200

// Host hands out serial channels.
type Host interface {
	RequestPort(ctx context.Context) (Port, error)
}

// Port is a channel returned by a Host. Reader and Writer return nil when
// that half is unavailable.
type Port interface {
	Open(baudRate int) error
	// Reader returns the inbound half. Closing it unblocks a pending Read.
	Reader() io.ReadCloser
	Writer() io.WriteCloser
	Close() error
	Name() string
}

// DisconnectNotifier is implemented by hosts that can report a port
// disappearing, e.g. a USB cable being pulled.
type DisconnectNotifier interface {
	SubscribeDisconnect(fn func(Port)) (unsubscribe func())
}

// Handler receives inbound bytes and connection loss from a Conn.
type Handler interface {
	HandleData(data []byte)
	// HandleClosed is called once per connection. expected is true when
	// the close came from Disconnect.
	HandleClosed(err error, expected bool)
}
