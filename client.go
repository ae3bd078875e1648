// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coremux/wsrpc/channel"
)

// A Client is the frontend handle applications hold to issue calls,
// notifications, batches and subscriptions against a JSON-RPC 2.0 peer. It
// is cheap to copy and safe for concurrent use: every operation is
// mediated by sending a command to the background multiplexer and
// awaiting a reply on a private channel, so Client itself holds no state
// that needs synchronizing.
type Client struct {
	bg      *background
	log     func(string, ...any)
	timeout time.Duration
}

// NewClient constructs a Client that communicates over ch. The caller owns
// ch's lifetime indirectly: closing the returned Client closes ch.
func NewClient(ch channel.Channel, opts *ClientOptions) *Client {
	return &Client{
		bg:      newBackground(ch, opts.maxSlots(), opts.subscribeBuffer(), opts.logFunc()),
		log:     opts.logFunc(),
		timeout: opts.requestTimeout(),
	}
}

// Dial opens a WebSocket connection to url and returns a Client using it as
// its transport.
func Dial(ctx context.Context, url string, opts *ClientOptions) (*Client, error) {
	wsOpts := &channel.WebSocketOptions{
		HTTPClient: opts.httpClient(),
		HTTPHeader: opts.httpHeader(),
	}
	ch, err := channel.Dial(ctx, url, wsOpts)
	if err != nil {
		return nil, transportError(err)
	}
	return NewClient(ch, opts), nil
}

// IsConnected reports whether the background multiplexer is still in its
// Connected state. This is a best-effort, non-blocking snapshot: by the
// time the caller inspects the result, the state may already have moved on.
func (c *Client) IsConnected() bool { return c.bg.isConnected() }

// Close terminates the client's background multiplexer and closes its
// transport. It does not wait for in-flight calls; those resolve with a
// RestartNeeded error once the background loop finishes draining.
func (c *Client) Close() error {
	close(c.bg.cmds)
	<-c.bg.done
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Request issues method with the given params (which must already be valid
// JSON-RPC params encoding: a JSON array, a JSON object, or nil for none)
// and returns the decoded result field of the matching response.
//
// If the server returns a JSON-RPC error object, the returned error is a
// *ClientError with Kind == KindRequest wrapping it; inspect Wire for the
// code, message and data. Cancelling ctx releases the allocated request id
// and returns a context error.
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sink := make(chan callResult, 1)
	cmd := command{kind: cmdCall, method: method, params: params, sink: sink}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-sink:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		c.cancel(sink)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// cancel asks the background multiplexer to eagerly release the id
// allocated to sink's call, then drains sink in the background so the
// multiplexer's buffered send into it (capacity one) never blocks.
// Enqueuing the cancel command is itself best-effort: if the background
// has already terminated, draining is all that's needed since drain has
// already resolved (and thus released) every pending call.
func (c *Client) cancel(sink chan callResult) {
	c.send(command{kind: cmdCancel, sink: sink})
	go func() { <-sink }()
}

// abandon drains sink in the background without issuing a cancel: used by
// operations that never allocate a request id (Notification) and so have
// nothing for the background multiplexer to release.
func (c *Client) abandon(sink chan callResult) {
	go func() { <-sink }()
}

// Notification sends method as a fire-and-forget JSON-RPC notification: no
// id is attached and no response is expected. It resolves as soon as the
// frame has been handed to the background multiplexer's write path.
func (c *Client) Notification(ctx context.Context, method string, params json.RawMessage) error {
	sink := make(chan callResult, 1)
	cmd := command{kind: cmdNotify, method: method, params: params, sink: sink}
	if err := c.send(cmd); err != nil {
		return err
	}
	select {
	case res := <-sink:
		return res.err
	case <-ctx.Done():
		c.abandon(sink)
		return ctx.Err()
	}
}

// BatchMethod is one element of a BatchRequest call.
type BatchMethod struct {
	Method string
	Params json.RawMessage
}

// BatchRequest issues every method in batch as a single JSON-RPC batch
// array and returns their results in the same order as the input slice,
// regardless of the order in which the server's responses appear in its
// reply array.
func (c *Client) BatchRequest(ctx context.Context, batch []BatchMethod) ([]json.RawMessage, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	items := make([]batchItem, len(batch))
	for i, m := range batch {
		items[i] = batchItem{method: m.Method, params: m.Params}
	}
	out := make(chan batchResult, 1)
	cmd := command{kind: cmdBatch, batch: items, batchSink: out}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-out:
		if res.err != nil {
			return nil, res.err
		}
		results := make([]json.RawMessage, len(res.results))
		for i, r := range res.results {
			if r.err != nil {
				return nil, r.err
			}
			results[i] = r.result
		}
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe issues subMethod with params and, on success, returns a
// Subscription that yields the server's subsequent push notifications for
// it. unsubMethod is invoked automatically when the Subscription is
// closed. subMethod and unsubMethod must differ.
func (c *Client) Subscribe(ctx context.Context, subMethod string, params json.RawMessage, unsubMethod string) (*Subscription, error) {
	if subMethod == unsubMethod {
		return nil, subscriptionNameConflictError(subMethod)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	subSink := make(chan subscribeResult, 1)
	notify := make(chan json.RawMessage, c.bg.subscribeBuffer)
	cmd := command{
		kind:        cmdSubscribe,
		method:      subMethod,
		params:      params,
		subSink:     subSink,
		subNotify:   notify,
		unsubMethod: unsubMethod,
	}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-subSink:
		if res.err != nil {
			return nil, res.err
		}
		return &Subscription{
			bg:          c.bg,
			subID:       string(res.subID),
			notify:      notify,
			unsubMethod: unsubMethod,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send hands cmd to the background multiplexer, reporting KindInternal if
// the background has already closed its command channel.
func (c *Client) send(cmd command) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = internalError(errClientStopped)
		}
	}()
	c.bg.cmds <- cmd
	return nil
}
