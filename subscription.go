// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"sync"
)

// A Subscription is the caller-visible handle for a live server-push
// stream established by Client.Subscribe. Call Next repeatedly to read
// each notification payload in arrival order; Next returns ok == false
// once the server ends the subscription or the background multiplexer
// terminates.
type Subscription struct {
	bg          *background
	subID       string
	notify      chan json.RawMessage
	unsubMethod string

	closeOnce sync.Once
	lastErr   error
}

// Next blocks until the next notification payload arrives, decodes it into
// v, and returns true. It returns false once the subscription's channel is
// closed, either by the server ending the stream, by Close, or by the
// background multiplexer terminating, or once a notification payload fails
// to decode into v; callers should check Err to distinguish the two.
func (s *Subscription) Next(v any) (ok bool) {
	raw, open := <-s.notify
	if !open {
		return false
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			s.lastErr = parseError(err)
			return false
		}
	}
	return true
}

// Err returns the decode error, if any, that caused the most recent call to
// Next to return false. It returns nil if Next returned false because the
// stream ended normally.
func (s *Subscription) Err() error { return s.lastErr }

// ID returns the server-assigned subscription identifier.
func (s *Subscription) ID() string { return s.subID }

// Close unsubscribes from the stream. It enqueues the unsubscribe command
// best-effort and does not wait for the server's acknowledgment; it never
// blocks on a full command queue for longer than it takes to enqueue.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.bg.cmds <- command{kind: cmdUnsubscribe, subID: s.subID}:
		default:
			go func() {
				defer func() { recover() }()
				s.bg.cmds <- command{kind: cmdUnsubscribe, subID: s.subID}
			}()
		}
	})
	return nil
}
