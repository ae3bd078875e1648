// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"
)

// A Logger records text logs from a Client or Server. A nil logger discards
// all log input.
type Logger func(text string)

// Printf writes a formatted message to the logger. If lg == nil, the message
// is discarded.
func (lg Logger) Printf(msg string, args ...any) {
	if lg != nil {
		lg(fmt.Sprintf(msg, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. If logger == nil, the returned
// function sends logs to the default logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

const (
	// defaultMaxSlots bounds the number of concurrently in-flight requests a
	// Client will allow before Request fails synchronously with
	// MaxSlotsExceeded.
	defaultMaxSlots = 1024

	// defaultSubscribeBuffer bounds the number of undelivered notifications a
	// Subscription will buffer; once it is full, the background multiplexer
	// drops the oldest buffered notification to make room for the newest.
	defaultSubscribeBuffer = 1024

	// defaultRequestTimeout is applied to Request and Subscribe calls that do
	// not already carry a deadline on their context.
	defaultRequestTimeout = 60 * time.Second
)

// ClientOptions control the behaviour of a Client created by Dial or
// NewClient. A nil *ClientOptions provides sensible defaults.
type ClientOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// MaxSlots bounds the number of concurrently in-flight requests the
	// request-id allocator will hand out. A value less than 1 uses
	// defaultMaxSlots.
	MaxSlots int

	// SubscribeBuffer bounds the number of buffered notifications a
	// Subscription holds; when it is full, the oldest buffered notification
	// is dropped to make room for a new one. A value less than 1 uses
	// defaultSubscribeBuffer.
	SubscribeBuffer int

	// RequestTimeout is applied to Request, BatchRequest and Subscribe calls
	// whose context has no deadline of its own. Zero uses
	// defaultRequestTimeout; a negative value disables the timeout.
	RequestTimeout time.Duration

	// TLSConfig configures the TLS handshake used by Dial, when the target
	// URL scheme is wss. Ignored for ws.
	TLSConfig *tls.Config

	// HTTPHeader is sent with the WebSocket upgrade request, for example to
	// carry an Authorization header.
	HTTPHeader http.Header

	// HTTPClient is used for the outbound dial. If nil, a default client
	// derived from TLSConfig is used.
	HTTPClient *http.Client
}

func (c *ClientOptions) logFunc() func(string, ...any) {
	if c == nil || c.Logger == nil {
		return func(string, ...any) {}
	}
	return c.Logger.Printf
}

func (c *ClientOptions) maxSlots() int {
	if c == nil || c.MaxSlots < 1 {
		return defaultMaxSlots
	}
	return c.MaxSlots
}

func (c *ClientOptions) subscribeBuffer() int {
	if c == nil || c.SubscribeBuffer < 1 {
		return defaultSubscribeBuffer
	}
	return c.SubscribeBuffer
}

func (c *ClientOptions) requestTimeout() time.Duration {
	if c == nil || c.RequestTimeout == 0 {
		return defaultRequestTimeout
	}
	if c.RequestTimeout < 0 {
		return 0
	}
	return c.RequestTimeout
}

func (c *ClientOptions) httpClient() *http.Client {
	if c == nil {
		return nil
	}
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	if c.TLSConfig != nil {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: c.TLSConfig}}
	}
	return nil
}

func (c *ClientOptions) httpHeader() http.Header {
	if c == nil {
		return nil
	}
	return c.HTTPHeader
}

// ServerOptions control the behaviour of a Server created by NewServer. A
// nil *ServerOptions provides sensible defaults.
type ServerOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// If not nil, the methods of this value are invoked to log each request
	// received and each response or error produced.
	RPCLog RPCLogger

	// Concurrency allows up to the specified number of goroutines to run in
	// parallel evaluating request handlers. A value less than 1 uses
	// runtime.NumCPU().
	Concurrency int

	// EnableServerInfo registers the reserved rpc.serverInfo built-in
	// method, which reports the server's method names, live metrics, and
	// start time. Off by default, since it is a non-standard extension.
	EnableServerInfo bool
}

func (s *ServerOptions) logFunc() func(string, ...any) {
	if s == nil || s.Logger == nil {
		return func(string, ...any) {}
	}
	return s.Logger.Printf
}

func (s *ServerOptions) concurrency() int64 {
	if s == nil || s.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(s.Concurrency)
}

func (s *ServerOptions) rpcLog() RPCLogger {
	if s == nil || s.RPCLog == nil {
		return nullRPCLogger{}
	}
	return s.RPCLog
}

func (s *ServerOptions) serverInfoEnabled() bool {
	return s != nil && s.EnableServerInfo
}

// An RPCLogger receives callbacks from a Server to record the receipt of
// requests and the delivery of responses. These callbacks run synchronously
// with request processing.
type RPCLogger interface {
	// LogRequest is called for each request prior to invoking its handler.
	LogRequest(connID uint64, method string)

	// LogResponse is called for each response produced by a handler,
	// immediately before it is sent back to the client.
	LogResponse(connID uint64, method string, err error)
}

type nullRPCLogger struct{}

func (nullRPCLogger) LogRequest(uint64, string)         {}
func (nullRPCLogger) LogResponse(uint64, string, error) {}
