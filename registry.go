// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import "encoding/json"

// callResult is what a completed pending call resolves with: either a
// decoded JSON result or a structured error.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is a single in-flight request awaiting its matching response.
// sink is one-shot: at most one value is ever sent on it, by whichever of
// completeCall or drain reaches it first; background.cancelBySink instead
// closes it without sending a value.
type pendingCall struct {
	sink chan callResult
}

// pendingSub is the first phase of a subscription: the caller is waiting
// for the subscription id itself, which arrives as an ordinary response to
// the initial subscribe request.
type pendingSub struct {
	sink        chan subscribeResult
	unsubMethod string
	notify      chan json.RawMessage
}

// subscribeResult is what a pending subscription resolves with once the
// server assigns a subscription id.
type subscribeResult struct {
	subID json.RawMessage
	err   error
}

// activeSub is the second phase: a live subscription keyed by the server's
// subscription id, receiving notifications until it is closed.
type activeSub struct {
	notify      chan json.RawMessage
	unsubMethod string
}

// registry is the pending-call and pending/active-subscription table. It is
// owned exclusively by the background multiplexer goroutine: every method
// below must only ever be called from that goroutine, so none of them take
// a lock.
type registry struct {
	calls       map[uint64]*pendingCall
	pendingSubs map[uint64]*pendingSub
	subs        map[string]*activeSub
}

func newRegistry() *registry {
	return &registry{
		calls:       make(map[uint64]*pendingCall),
		pendingSubs: make(map[uint64]*pendingSub),
		subs:        make(map[string]*activeSub),
	}
}

// insertCall registers a one-shot sink for id. It fails with
// errDuplicateRequestID if id is already pending.
func (r *registry) insertCall(id uint64, sink chan callResult) error {
	if _, ok := r.calls[id]; ok {
		return errDuplicateRequestID
	}
	r.calls[id] = &pendingCall{sink: sink}
	return nil
}

// insertPendingSub registers the first phase of a subscription under id.
func (r *registry) insertPendingSub(id uint64, sink chan subscribeResult, notify chan json.RawMessage, unsubMethod string) error {
	if _, ok := r.pendingSubs[id]; ok {
		return errDuplicateRequestID
	}
	r.pendingSubs[id] = &pendingSub{sink: sink, unsubMethod: unsubMethod, notify: notify}
	return nil
}

// completeCall resolves and removes the pending call for id, if any. A
// missing id is not an error here: it is reported to the caller (the
// background loop) so it can decide whether that is fatal. sink is always
// created with a buffer of one slot, so this send never blocks even if the
// original caller has already abandoned the wait.
func (r *registry) completeCall(id uint64, res callResult) bool {
	p, ok := r.calls[id]
	if !ok {
		return false
	}
	delete(r.calls, id)
	p.sink <- res
	close(p.sink)
	return true
}

// completePendingSub resolves the subscription-id phase for id. If res.err
// is nil, the caller is expected to follow up with promoteSub.
func (r *registry) completePendingSub(id uint64, res subscribeResult) (*pendingSub, bool) {
	p, ok := r.pendingSubs[id]
	if !ok {
		return nil, false
	}
	delete(r.pendingSubs, id)
	p.sink <- res
	close(p.sink)
	return p, true
}

// promoteSub rekeys a resolved pending subscription under its server-issued
// subscription id, making it a live target for routeNotification. It fails
// with errInvalidSubscriptionID if subID is already in use.
func (r *registry) promoteSub(p *pendingSub, subID json.RawMessage) error {
	key := string(subID)
	if _, ok := r.subs[key]; ok {
		return errInvalidSubscriptionID
	}
	r.subs[key] = &activeSub{notify: p.notify, unsubMethod: p.unsubMethod}
	return nil
}

// routeNotification delivers value to the live subscription keyed by subID.
// It reports whether a receiver was found. The notify channel is buffered
// (see ClientOptions.SubscribeBuffer); if a slow consumer lets it fill, the
// oldest undelivered notification is dropped to make room rather than
// blocking the background loop, which would stall every other pending call
// and subscription on the connection.
func (r *registry) routeNotification(subID json.RawMessage, value json.RawMessage) bool {
	s, ok := r.subs[string(subID)]
	if !ok {
		return false
	}
	select {
	case s.notify <- value:
	default:
		select {
		case <-s.notify:
		default:
		}
		select {
		case s.notify <- value:
		default:
		}
	}
	return true
}

// closeSub removes and closes the live subscription keyed by subID, if any.
func (r *registry) closeSub(subID string) {
	if s, ok := r.subs[subID]; ok {
		delete(r.subs, subID)
		close(s.notify)
	}
}

// drain closes every pending sink with err, used when the background
// multiplexer terminates. It leaves the registry empty.
func (r *registry) drain(err error) {
	for id, p := range r.calls {
		p.sink <- callResult{err: err}
		close(p.sink)
		delete(r.calls, id)
	}
	for id, p := range r.pendingSubs {
		p.sink <- subscribeResult{err: err}
		close(p.sink)
		delete(r.pendingSubs, id)
	}
	for key, s := range r.subs {
		close(s.notify)
		delete(r.subs, key)
	}
}
