// Package channel defines a byte-oriented duplex transport abstraction used
// by the client and server, plus a couple of concrete framings: an in-memory
// pipe for tests and local wiring, and a JSON-delimited framing for byte
// streams. The WebSocket framing lives in websocket.go.
package channel

import (
	"errors"
	"io"
)

// A Channel represents a byte-oriented duplex transport that exchanges
// complete messages. Send and Recv may be called concurrently by different
// goroutines, but each must not be called concurrently with itself.
type Channel interface {
	// Send transmits a single message on the channel. It must not be called
	// concurrently with other calls to Send.
	Send([]byte) error

	// Recv receives a single message from the channel, blocking until one is
	// available or the channel fails. It returns io.EOF if the channel has
	// been closed in an orderly fashion. It must not be called concurrently
	// with other calls to Recv.
	Recv() ([]byte, error)

	// Close shuts down the channel, terminating any pending Send or Recv.
	Close() error
}

// A Framing converts a reader and a writer into a Channel with a particular
// message-framing discipline.
type Framing func(io.ReadCloser, io.WriteCloser) Channel

var errClosing = errors.New("channel is closing")

// IsErrClosing reports whether err is the sentinel error reported by a
// Channel implementation when a Send is attempted on, or is pending when,
// its sending side is closed locally.
func IsErrClosing(err error) bool { return err == errClosing }
