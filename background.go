// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/coremux/wsrpc/channel"
)

// cmdKind discriminates the commands the frontend hands to the background
// multiplexer over cmdCh.
type cmdKind int

const (
	cmdCall cmdKind = iota
	cmdNotify
	cmdBatch
	cmdSubscribe
	cmdUnsubscribe
	cmdCancel
)

// command is the single message type flowing from every Client and
// Subscription handle into the background goroutine. It is the only way
// any of those handles ever touches shared state; the registry and the
// id allocator are otherwise untouched outside the background goroutine.
type command struct {
	kind cmdKind

	// cmdCall / cmdSubscribe
	method string
	params json.RawMessage
	sink   chan callResult
	subSink chan subscribeResult
	subNotify chan json.RawMessage
	unsubMethod string

	// cmdBatch
	batch     []batchItem
	batchSink chan batchResult

	// cmdUnsubscribe
	subID string

	// cmdCancel identifies the pending call to release by the sink it was
	// registered under (cmdCall's sink field) — the frontend never learns
	// the id the background allocated for it, so the sink is the only
	// shared handle both sides hold.
}

type batchItem struct {
	method string
	params json.RawMessage
}

type batchResult struct {
	results []callResult // indexed in input order
	err     error        // set if the batch could not be sent at all
}

// connState is the background multiplexer's lifecycle state.
type connState int32

const (
	stateConnected connState = iota
	stateTerminating
	stateTerminated
)

// background is the single long-running goroutine that owns the transport
// connection, the request-id allocator and the pending registry. Every
// other type in this package (Client, Subscription) communicates with it
// exclusively via cmdCh; nothing here is protected by a mutex because
// exactly one goroutine ever touches it.
type background struct {
	ch   channel.Channel
	cmds chan command
	log  func(string, ...any)

	ids  *idAllocator
	reg  *registry

	subscribeBuffer int

	state   atomic.Int32 // connState, read by Client.IsConnected without synchronizing with the loop
	done    chan struct{}
	stopErr atomic.Value // stores error, the reason the loop terminated
}

func newBackground(ch channel.Channel, maxSlots, subscribeBuffer int, log func(string, ...any)) *background {
	b := &background{
		ch:              ch,
		cmds:            make(chan command, 64),
		log:             log,
		ids:             newIDAllocator(maxSlots),
		reg:             newRegistry(),
		subscribeBuffer: subscribeBuffer,
		done:            make(chan struct{}),
	}
	b.state.Store(int32(stateConnected))
	go b.run()
	return b
}

func (b *background) isConnected() bool {
	return connState(b.state.Load()) == stateConnected
}

func (b *background) terminationError() error {
	if v := b.stopErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// run is the Background Multiplexer's event loop. It selects among inbound
// frames, outbound commands, and the channel's own closure, exactly as
// specified: there is no other way data enters or leaves the registry.
func (b *background) run() {
	frames := make(chan []byte)
	frameErrs := make(chan error, 1)
	go func() {
		for {
			data, err := b.ch.Recv()
			if err != nil {
				frameErrs <- err
				return
			}
			frames <- data
		}
	}()

	var terminateReason error
	for terminateReason == nil {
		select {
		case data := <-frames:
			if err := b.handleFrame(data); err != nil {
				terminateReason = err
			}
		case err := <-frameErrs:
			if err == io.EOF {
				terminateReason = restartNeededError("transport closed")
			} else {
				terminateReason = restartNeededError(fmt.Sprintf("transport error: %v", err))
			}
		case cmd, ok := <-b.cmds:
			if !ok {
				terminateReason = restartNeededError("frontend closed")
				continue
			}
			if err := b.handleCommand(cmd); err != nil {
				terminateReason = err
			}
		}
	}

	b.state.Store(int32(stateTerminating))
	b.stopErr.Store(terminateReason)
	b.drainCommands()
	b.reg.drain(terminateReason)
	b.ch.Close()
	b.state.Store(int32(stateTerminated))
	close(b.done)
}

// drainCommands flushes any commands queued after termination began,
// answering each with the termination error rather than leaving the
// sender's goroutine blocked forever.
func (b *background) drainCommands() {
	for {
		select {
		case cmd, ok := <-b.cmds:
			if !ok {
				return
			}
			b.failCommand(cmd, b.terminationError())
		default:
			return
		}
	}
}

func (b *background) failCommand(cmd command, err error) {
	switch cmd.kind {
	case cmdCall, cmdNotify:
		if cmd.sink != nil {
			cmd.sink <- callResult{err: err}
			close(cmd.sink)
		}
	case cmdSubscribe:
		if cmd.subSink != nil {
			cmd.subSink <- subscribeResult{err: err}
			close(cmd.subSink)
		}
	case cmdBatch:
		if cmd.batchSink != nil {
			cmd.batchSink <- batchResult{err: err}
			close(cmd.batchSink)
		}
	}
}

// handleCommand executes one frontend command. It returns a non-nil error
// only when the connection must be torn down as a result.
func (b *background) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdCall:
		return b.doCall(cmd)
	case cmdNotify:
		return b.doNotify(cmd)
	case cmdBatch:
		return b.doBatch(cmd)
	case cmdSubscribe:
		return b.doSubscribe(cmd)
	case cmdUnsubscribe:
		return b.doUnsubscribe(cmd)
	case cmdCancel:
		b.cancelBySink(cmd.sink)
		return nil
	}
	return nil
}

// cancelBySink eagerly releases the pending call registered under sink, if
// any, so a cancelled or timed-out Request does not hold its slot until the
// connection terminates. It is a no-op if the call already completed (its
// entry, and sink, were already removed by completeCall) before this
// command was processed. Matching by sink rather than id mirrors
// Command::Cancel(id) from the originating design: the frontend never
// learns the id the background allocated for the call, only the sink it
// handed over when issuing it.
func (b *background) cancelBySink(sink chan callResult) {
	for id, p := range b.reg.calls {
		if p.sink == sink {
			delete(b.reg.calls, id)
			close(p.sink)
			b.ids.release(id)
			return
		}
	}
}

func (b *background) doCall(cmd command) error {
	id, ok := b.ids.acquire()
	if !ok {
		cmd.sink <- callResult{err: errMaxSlotsExceeded}
		close(cmd.sink)
		return nil
	}
	idJSON, _ := json.Marshal(id)
	if err := b.reg.insertCall(id, cmd.sink); err != nil {
		b.ids.release(id)
		cmd.sink <- callResult{err: err}
		close(cmd.sink)
		return nil
	}
	msg := &jmessage{V: Version, ID: idJSON, M: cmd.method, P: cmd.params}
	if _, err := encode(b.ch, jmessages{msg}); err != nil {
		b.reg.completeCall(id, callResult{err: transportError(err)})
		b.ids.release(id)
		return restartNeededError(fmt.Sprintf("write failed: %v", err))
	}
	return nil
}

// doUnsubscribe tears down a local subscription and, best-effort, issues
// the server's unsubscribe RPC carrying the subscription id as its single
// positional parameter. The call's response, if any, is discarded: the
// caller (Subscription.Close) has already stopped reading.
func (b *background) doUnsubscribe(cmd command) error {
	s, ok := b.reg.subs[cmd.subID]
	if !ok {
		return nil
	}
	unsubMethod := s.unsubMethod
	b.reg.closeSub(cmd.subID)

	id, ok := b.ids.acquire()
	if !ok {
		return nil
	}
	idJSON, _ := json.Marshal(id)
	params, _ := json.Marshal([]json.RawMessage{json.RawMessage(cmd.subID)})
	sink := make(chan callResult, 1)
	if err := b.reg.insertCall(id, sink); err != nil {
		b.ids.release(id)
		return nil
	}
	msg := &jmessage{V: Version, ID: idJSON, M: unsubMethod, P: params}
	if _, err := encode(b.ch, jmessages{msg}); err != nil {
		b.reg.completeCall(id, callResult{err: transportError(err)})
		b.ids.release(id)
		// A failed unsubscribe write is not itself fatal to the connection.
	}
	return nil
}

func (b *background) doNotify(cmd command) error {
	msg := &jmessage{V: Version, M: cmd.method, P: cmd.params}
	_, err := encode(b.ch, jmessages{msg})
	cmd.sink <- callResult{err: nil}
	close(cmd.sink)
	if err != nil {
		return restartNeededError(fmt.Sprintf("write failed: %v", err))
	}
	return nil
}

func (b *background) doSubscribe(cmd command) error {
	id, ok := b.ids.acquire()
	if !ok {
		cmd.subSink <- subscribeResult{err: errMaxSlotsExceeded}
		close(cmd.subSink)
		return nil
	}
	idJSON, _ := json.Marshal(id)
	if err := b.reg.insertPendingSub(id, cmd.subSink, cmd.subNotify, cmd.unsubMethod); err != nil {
		b.ids.release(id)
		cmd.subSink <- subscribeResult{err: err}
		close(cmd.subSink)
		return nil
	}
	msg := &jmessage{V: Version, ID: idJSON, M: cmd.method, P: cmd.params}
	if _, err := encode(b.ch, jmessages{msg}); err != nil {
		if p, ok := b.reg.completePendingSub(id, subscribeResult{err: transportError(err)}); ok {
			close(p.notify)
		}
		b.ids.release(id)
		return restartNeededError(fmt.Sprintf("write failed: %v", err))
	}
	return nil
}

func (b *background) doBatch(cmd command) error {
	n := len(cmd.batch)
	if n == 0 {
		cmd.batchSink <- batchResult{err: errEmptyBatch}
		close(cmd.batchSink)
		return nil
	}
	ids := make([]uint64, n)
	sinks := make([]chan callResult, n)
	msgs := make(jmessages, n)
	for i, item := range cmd.batch {
		id, ok := b.ids.acquire()
		if !ok {
			for _, prev := range ids[:i] {
				b.ids.release(prev)
			}
			cmd.batchSink <- batchResult{err: errMaxSlotsExceeded}
			close(cmd.batchSink)
			return nil
		}
		ids[i] = id
		idJSON, _ := json.Marshal(id)
		sink := make(chan callResult, 1)
		sinks[i] = sink
		b.reg.insertCall(id, sink) // ids are freshly acquired: never a duplicate
		msgs[i] = &jmessage{V: Version, ID: idJSON, M: item.method, P: item.params, batch: true}
	}
	if _, err := encode(b.ch, msgs); err != nil {
		for _, id := range ids {
			b.reg.completeCall(id, callResult{err: transportError(err)})
			b.ids.release(id)
		}
		return restartNeededError(fmt.Sprintf("write failed: %v", err))
	}
	go b.collectBatch(sinks, cmd.batchSink)
	return nil
}

// collectBatch waits for every sub-request in a batch to resolve and
// reorders the results to match input position, per the batch ordering
// guarantee. It runs on its own goroutine so the multiplexer's main loop is
// never blocked waiting for a slow peer to answer every element. Ids are
// released by routeMessage as each element completes, not here.
func (b *background) collectBatch(sinks []chan callResult, out chan batchResult) {
	results := make([]callResult, len(sinks))
	for i, sink := range sinks {
		results[i] = <-sink
	}
	out <- batchResult{results: results}
	close(out)
}

// handleFrame parses one inbound transport frame — a single message or a
// batch array — and routes each element to the pending registry.
func (b *background) handleFrame(data []byte) error {
	var msgs jmessages
	if err := msgs.parseJSON(data); err != nil {
		return restartNeededError(fmt.Sprintf("malformed frame: %v", err))
	}
	for _, msg := range msgs {
		if err := b.routeMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *background) routeMessage(msg *jmessage) error {
	if msg.err != nil {
		b.log("discarding malformed message: %v", msg.err)
		return nil
	}
	if msg.isRequestOrNotification() {
		if n, ok := b.matchSubscriptionNotification(msg); ok {
			return b.deliverNotification(n)
		}
		b.log("discarding unexpected server request/notification for method %q", msg.M)
		return nil
	}

	id := fixID(msg.ID)
	if id == nil {
		b.log("discarding response with no id")
		return nil
	}
	var numID uint64
	if err := json.Unmarshal(id, &numID); err != nil {
		return restartNeededError(fmt.Sprintf("response with non-numeric id: %s", id))
	}

	if p, ok := b.reg.completePendingSub(numID, subscribeResult{subID: msg.R, err: asClientError(msg.E)}); ok {
		if msg.E != nil {
			close(p.notify)
			return nil
		}
		if err := b.reg.promoteSub(p, msg.R); err != nil {
			close(p.notify)
			return nil
		}
		return nil
	}

	if b.reg.completeCall(numID, callResult{result: msg.R, err: asClientError(msg.E)}) {
		b.ids.release(numID)
		return nil
	}

	// The id did not match any pending call or pending subscription: per
	// the spec this is a fatal protocol violation, not a quiet drop.
	return restartNeededError(fmt.Sprintf("response with unknown id %s", id))
}

// subscriptionNotification holds a parsed server push before it is matched
// against a live subscription.
type subscriptionNotification struct {
	subID json.RawMessage
	value json.RawMessage
}

// matchSubscriptionNotification extracts {"subscription":..., "result":...}
// from a server notification's params, per the subscription wire protocol.
func (b *background) matchSubscriptionNotification(msg *jmessage) (*subscriptionNotification, bool) {
	if len(msg.P) == 0 {
		return nil, false
	}
	var body struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(msg.P, &body); err != nil || len(body.Subscription) == 0 {
		return nil, false
	}
	return &subscriptionNotification{subID: body.Subscription, value: body.Result}, true
}

func (b *background) deliverNotification(n *subscriptionNotification) error {
	if !b.reg.routeNotification(n.subID, n.value) {
		b.log("notification for unknown subscription %s; dropping", n.subID)
	}
	return nil
}

// asClientError wraps a wire error object as the Request kind of
// ClientError, preserving it verbatim for the caller to inspect.
func asClientError(e *Error) error {
	if e == nil {
		return nil
	}
	return requestError(e)
}
