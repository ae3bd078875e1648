// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"
	"time"

	"github.com/coremux/wsrpc/channel"
	"github.com/coremux/wsrpc/code"
	"golang.org/x/sync/semaphore"
)

// rpcServerInfo is the reserved built-in method name for server
// introspection, enabled by ServerOptions.EnableServerInfo.
const rpcServerInfo = "rpc.serverInfo"

var (
	serverMetrics = new(expvar.Map)

	rpcRequestsCount  = new(expvar.Int)
	rpcErrorsCount    = new(expvar.Int)
	rpcBatchesCount   = new(expvar.Int)
	connectionsActive = new(expvar.Int)
)

func init() {
	serverMetrics.Set("rpc_requests", rpcRequestsCount)
	serverMetrics.Set("rpc_errors", rpcErrorsCount)
	serverMetrics.Set("rpc_batches", rpcBatchesCount)
	serverMetrics.Set("connections_active", connectionsActive)
}

// ServerMetrics returns a map of exported server metrics for use with the
// expvar package. The caller is responsible for publishing it via
// expvar.Publish or similar.
func ServerMetrics() *expvar.Map { return serverMetrics }

// RawID is the raw JSON encoding of a request identifier: a JSON number, a
// JSON string, or nil for a notification. It is carried verbatim so the
// server's id is echoed byte-for-byte rather than re-derived from a
// decoded integer, preserving the number/string distinction.
type RawID = json.RawMessage

// A ResponseSender lets a Method emit exactly one reply for the request it
// was invoked for: either a successful result via Send, or a JSON-RPC error
// object via SendError. Calling either more than once, or calling both, has
// no effect beyond the first call.
type ResponseSender interface {
	Send(id RawID, result any) error
	SendError(id RawID, err *Error) error
}

// A Method handles one inbound request or notification. id is nil for a
// notification. The handler reports success by calling tx.Send (or
// returning a nil error after having already done so) and failure either
// by returning a non-nil error — wrapped as InternalError unless it is
// already a *Error — or by calling tx.SendError directly.
type Method func(ctx context.Context, id RawID, params json.RawMessage, tx ResponseSender, connID uint64) error

// An Assigner assigns a Method to handle the specified method name, or nil
// if no method is registered under that name.
type Assigner interface {
	Assign(ctx context.Context, method string) Method
}

// Namer is an optional interface an Assigner may implement to expose the
// full set of registered method names.
type Namer interface {
	Names() []string
}

// ServiceMap is the straightforward Assigner: a fixed, pre-registered table
// of method name to Method, built with NewServiceMap.
type ServiceMap map[string]Method

// Assign implements Assigner.
func (m ServiceMap) Assign(_ context.Context, method string) Method { return m[method] }

// Names implements Namer.
func (m ServiceMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// NewServiceMap builds a ServiceMap from methods. Since methods is itself a
// Go map literal, the Go compiler already rejects a literal with a
// repeated key; Register is what enforces MethodAlreadyRegistered when
// names are added incrementally, e.g. by combining method sets from more
// than one source.
func NewServiceMap(methods map[string]Method) (ServiceMap, error) {
	m := make(ServiceMap, len(methods))
	for name, h := range methods {
		m[name] = h
	}
	return m, nil
}

// Register adds name to m, failing with MethodAlreadyRegistered if name is
// already present.
func (m ServiceMap) Register(name string, h Method) error {
	if _, ok := m[name]; ok {
		return methodAlreadyRegisteredError(name)
	}
	m[name] = h
	return nil
}

// RegisterSubscription validates that sub and unsub are distinct method
// names, returning SubscriptionNameConflict if they are equal. It does not
// check whether either name is present in m.
func (m ServiceMap) RegisterSubscription(sub, unsub string) error {
	if sub == unsub {
		return subscriptionNameConflictError(sub)
	}
	return nil
}

// A Server is a JSON-RPC 2.0 dispatcher. It reads frames from a
// channel.Channel, parses each as a single request or a batch, invokes the
// Assigner's Methods with bounded concurrency, and writes back responses.
type Server struct {
	mux Assigner
	sem *semaphore.Weighted
	log func(string, ...any)
	rpcLog RPCLogger

	builtin bool
	start   time.Time

	connID uint64

	mu   sync.Mutex
	wg   sync.WaitGroup
	done chan struct{}
	ch   channel.Channel
	err  error
}

// NewServer returns a new unstarted Server dispatching to mux. It panics if
// mux == nil.
func NewServer(mux Assigner, opts *ServerOptions) *Server {
	if mux == nil {
		panic("nil assigner")
	}
	return &Server{
		mux:     mux,
		sem:     semaphore.NewWeighted(opts.concurrency()),
		log:     opts.logFunc(),
		rpcLog:  opts.rpcLog(),
		builtin: opts.serverInfoEnabled(),
		start:   time.Now(),
		done:    make(chan struct{}),
	}
}

// Start begins serving requests read from ch on its own goroutine and
// returns immediately. Call Wait to block until the connection closes.
func (s *Server) Start(ch channel.Channel) *Server {
	s.connID = nextConnID()
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	connectionsActive.Add(1)
	go s.serve(ch)
	return s
}

// Wait blocks until the server's connection is closed or encounters a
// fatal read error, and returns that error (io.EOF on a clean close).
func (s *Server) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop closes the server's connection immediately. Wait subsequently
// returns errServerStopped rather than whatever incidental error the
// in-flight Recv produces, so callers can tell a deliberate shutdown apart
// from a transport failure.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.err == nil {
		s.err = errServerStopped
	}
	ch := s.ch
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// ServerInfo is the introspection snapshot returned by Server.Info and, when
// ServerOptions.EnableServerInfo is set, by the built-in rpc.serverInfo
// method.
type ServerInfo struct {
	// Methods lists the names exposed by the server's Assigner, if it
	// implements Namer.
	Methods []string `json:"methods,omitempty"`

	// Metrics mirrors the values published via ServerMetrics.
	Metrics map[string]any `json:"metrics,omitempty"`

	// StartTime records when the Server was constructed.
	StartTime time.Time `json:"startTime,omitempty"`
}

// Info returns a snapshot of s's current introspection data.
func (s *Server) Info() *ServerInfo {
	info := &ServerInfo{Metrics: make(map[string]any), StartTime: s.start}
	if n, ok := s.mux.(Namer); ok {
		info.Methods = n.Names()
	}
	serverMetrics.Do(func(kv expvar.KeyValue) {
		info.Metrics[kv.Key] = json.RawMessage(kv.Value.String())
	})
	return info
}

func (s *Server) handleServerInfo(_ context.Context, id RawID, _ json.RawMessage, tx ResponseSender, _ uint64) error {
	return tx.Send(id, s.Info())
}

var connIDCounter struct {
	mu   sync.Mutex
	next uint64
}

func nextConnID() uint64 {
	connIDCounter.mu.Lock()
	defer connIDCounter.mu.Unlock()
	connIDCounter.next++
	return connIDCounter.next
}

func (s *Server) serve(ch channel.Channel) {
	defer func() {
		connectionsActive.Add(-1)
		ch.Close()
		close(s.done)
	}()
	for {
		data, err := ch.Recv()
		if err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ch, data)
		}()
	}
	// s.wg.Wait() is intentionally not reached on read error: in-flight
	// dispatches finish writing independently and Close tears down ch.
}

// dispatch parses one inbound frame — a single message or a batch array —
// and drives its handler(s) to completion, writing the resulting
// response(s) back to ch.
func (s *Server) dispatch(ch channel.Channel, data []byte) {
	var msgs jmessages
	if err := msgs.parseJSON(data); err != nil {
		encode(ch, jmessages{{V: Version, E: errInvalidRequest}})
		return
	}
	if len(msgs) == 0 {
		encode(ch, jmessages{{V: Version, E: errEmptyBatch}})
		return
	}

	if len(msgs) == 1 && !msgs[0].batch {
		if rsp := s.invoke(msgs[0]); rsp != nil {
			encode(ch, jmessages{rsp})
		}
		return
	}

	rpcBatchesCount.Add(1)
	out := make(chan *jmessage, len(msgs))
	var wg sync.WaitGroup
	for _, msg := range msgs {
		msg := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rsp := s.invoke(msg); rsp != nil {
				out <- rsp
			}
		}()
	}
	go func() { wg.Wait(); close(out) }()

	s.collectBatch(ch, out)
}

// collectBatch reads every response off out and writes a single bracketed
// JSON array. A batch consisting entirely of notifications yields no
// responses, which must still produce the valid empty array "[]" rather
// than the bare "]" a naive trailing-comma-strip would leave behind.
func (s *Server) collectBatch(ch channel.Channel, out chan *jmessage) {
	var rsps jmessages
	for rsp := range out {
		rsps = append(rsps, rsp)
	}
	if len(rsps) == 0 {
		ch.Send([]byte("[]"))
		return
	}
	for i := range rsps {
		rsps[i].batch = true
	}
	bits, err := rsps.toJSON()
	if err != nil {
		s.log("error encoding batch response: %v", err)
		return
	}
	ch.Send(bits)
}

// invoke runs the handler for one parsed message, if it is a valid request
// or notification, and returns its reply message, or nil for a
// notification (which produces no response) or a parse failure already
// reported by msg.err at decode time with no id to reply to. It never
// writes to the connection itself: the caller (dispatch) is responsible for
// encoding the returned message, whether alone or as one element of a
// batch array, so a batched handler's result always lands inside the
// batch's "[...]" response rather than escaping as a rogue top-level frame.
func (s *Server) invoke(msg *jmessage) *jmessage {
	if msg.err != nil {
		rpcErrorsCount.Add(1)
		if fixID(msg.ID) == nil {
			return nil
		}
		return &jmessage{V: Version, ID: msg.ID, E: msg.err}
	}
	if !msg.isRequestOrNotification() {
		return nil // a reply object sent to a server is simply ignored
	}

	id := fixID(msg.ID)
	if msg.M == "" {
		rpcErrorsCount.Add(1)
		if id == nil {
			return nil
		}
		return &jmessage{V: Version, ID: id, E: errEmptyMethod}
	}
	rpcRequestsCount.Add(1)
	if s.rpcLog != nil {
		s.rpcLog.LogRequest(s.connID, msg.M)
	}

	h := s.assign(msg.M)
	if h == nil {
		rpcErrorsCount.Add(1)
		if s.rpcLog != nil {
			s.rpcLog.LogResponse(s.connID, msg.M, errNoSuchMethod)
		}
		if id == nil {
			return nil
		}
		return &jmessage{V: Version, ID: id, E: errNoSuchMethod}
	}

	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return nil
	}
	defer s.sem.Release(1)

	tx := &responseSender{}
	err := s.runHandler(h, id, msg.P, tx, s.connID)
	if s.rpcLog != nil {
		s.rpcLog.LogResponse(s.connID, msg.M, err)
	}

	if id == nil {
		return nil // a notification produces no response, regardless of err
	}
	if tx.reply != nil {
		return tx.reply
	}
	if err != nil {
		rpcErrorsCount.Add(1)
		return &jmessage{V: Version, ID: id, E: toWireError(err)}
	}
	// A handler that returns nil without calling tx.Send has produced a
	// JSON null result, matching the JSON-RPC convention for a success
	// with no meaningful payload.
	return &jmessage{V: Version, ID: id, R: json.RawMessage("null")}
}

// assign resolves method to its Method, special-casing the reserved
// built-in rpc.serverInfo name when ServerOptions.EnableServerInfo is set.
func (s *Server) assign(method string) Method {
	if s.builtin && method == rpcServerInfo {
		return s.handleServerInfo
	}
	return s.mux.Assign(context.Background(), method)
}

// runHandler recovers panics from h so one broken method cannot tear down
// the connection; the client instead receives an InternalError response.
func (s *Server) runHandler(h Method, id RawID, params json.RawMessage, tx ResponseSender, connID uint64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			rpcErrorsCount.Add(1)
			s.log("panic in handler: %v", p)
			err = Errorf(code.InternalError, "panic in handler: %v", p)
		}
	}()
	return h(context.Background(), id, params, tx, connID)
}

// toWireError renders err as the *Error to send back to the client. A
// *ClientError wrapping Call is rendered as InternalError; any other
// *Error is passed through verbatim.
func toWireError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return Errorf(code.InternalError, "%v", err)
}

// responseSender implements ResponseSender. Rather than writing to the
// connection directly, it captures the handler's reply as a jmessage for
// invoke to return; this way a batched handler's result always lands in
// the batch collector's output set instead of racing straight onto the
// wire as a standalone frame. sent enforces that only the first of
// Send/SendError has any effect, matching the single-reply contract.
type responseSender struct {
	mu    sync.Mutex
	sent  bool
	reply *jmessage
}

func (r *responseSender) Send(id RawID, result any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent || id == nil {
		r.sent = true
		return nil
	}
	r.sent = true
	data, err := json.Marshal(result)
	if err != nil {
		r.reply = &jmessage{V: Version, ID: id, E: Errorf(code.InternalError, "marshal result: %v", err)}
		return err
	}
	r.reply = &jmessage{V: Version, ID: id, R: data}
	return nil
}

func (r *responseSender) SendError(id RawID, e *Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendErrorLocked(id, e)
}

func (r *responseSender) sendErrorLocked(id RawID, e *Error) error {
	if r.sent || id == nil {
		r.sent = true
		return nil
	}
	r.sent = true
	r.reply = &jmessage{V: Version, ID: id, E: e}
	return nil
}

