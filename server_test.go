// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coremux/wsrpc"
	"github.com/coremux/wsrpc/channel"
)

func echoMethod(_ context.Context, id wsrpc.RawID, params json.RawMessage, tx wsrpc.ResponseSender, _ uint64) error {
	return tx.Send(id, json.RawMessage(params))
}

// Registry duplicates: registering the same method name twice fails.
func TestServiceMap_RegisterDuplicateMethod(t *testing.T) {
	m, err := wsrpc.NewServiceMap(map[string]wsrpc.Method{"dup": echoMethod})
	if err != nil {
		t.Fatalf("NewServiceMap: %v", err)
	}
	var cerr *wsrpc.ClientError
	err = m.Register("dup", echoMethod)
	if !asClientError(err, &cerr) || cerr.Kind != wsrpc.KindMethodAlreadyRegistered {
		t.Fatalf("Register: got %v, want MethodAlreadyRegistered", err)
	}
}

func TestServiceMap_RegisterSubscriptionNameConflict(t *testing.T) {
	m, err := wsrpc.NewServiceMap(map[string]wsrpc.Method{"sub": echoMethod})
	if err != nil {
		t.Fatalf("NewServiceMap: %v", err)
	}
	if err := m.RegisterSubscription("sub", "sub"); err == nil {
		t.Fatal("RegisterSubscription: got nil error for identical names, want SubscriptionNameConflict")
	}
	var cerr *wsrpc.ClientError
	if err := m.RegisterSubscription("sub", "sub"); !asClientError(err, &cerr) || cerr.Kind != wsrpc.KindSubscriptionNameConflict {
		t.Fatalf("RegisterSubscription: got %v, want SubscriptionNameConflict", err)
	}
}

// A batch made entirely of notifications must round-trip to the valid
// empty array "[]", not a malformed "]" from a naive trailing-comma strip.
func TestServer_EmptyBatchOfNotifications(t *testing.T) {
	mux, err := wsrpc.NewServiceMap(map[string]wsrpc.Method{
		"notify_only": func(context.Context, wsrpc.RawID, json.RawMessage, wsrpc.ResponseSender, uint64) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewServiceMap: %v", err)
	}
	cch, sch := channel.Direct()
	srv := wsrpc.NewServer(mux, nil).Start(sch)
	defer func() {
		cch.Close()
		srv.Wait()
	}()

	if err := cch.Send([]byte(`[{"jsonrpc":"2.0","method":"notify_only"},{"jsonrpc":"2.0","method":"notify_only"}]`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := recvWithTimeout(t, cch)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("batch response: got %s, want []", data)
	}
}

func TestServer_BatchOfRequests(t *testing.T) {
	mux, err := wsrpc.NewServiceMap(map[string]wsrpc.Method{"echo": echoMethod})
	if err != nil {
		t.Fatalf("NewServiceMap: %v", err)
	}
	cch, sch := channel.Direct()
	srv := wsrpc.NewServer(mux, nil).Start(sch)
	defer func() {
		cch.Close()
		srv.Wait()
	}()

	if err := cch.Send([]byte(`[{"jsonrpc":"2.0","id":1,"method":"echo","params":"a"},{"jsonrpc":"2.0","id":2,"method":"echo","params":"b"}]`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	data, err := recvWithTimeout(t, cch)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var got []map[string]json.RawMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode batch response: %v (%s)", err, data)
	}
	if len(got) != 2 {
		t.Fatalf("batch response length: got %d, want 2", len(got))
	}
}

func recvWithTimeout(t *testing.T, ch channel.Channel) ([]byte, error) {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	out := make(chan result, 1)
	go func() {
		data, err := ch.Recv()
		out <- result{data, err}
	}()
	select {
	case r := <-out:
		return r.data, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Recv timed out")
		return nil, nil
	}
}
