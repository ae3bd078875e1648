// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/coremux/wsrpc"
	"github.com/coremux/wsrpc/internal/wstest"
)

// TestDial_RoundTripOverWebSocket exercises the real transport path: a
// Client dialing an actual WebSocket upgrade served by net/http/httptest,
// rather than the in-memory Direct channel used by the other client tests.
func TestDial_RoundTripOverWebSocket(t *testing.T) {
	peer := wstest.NewPeer()
	defer peer.Close()

	go func() {
		ch := peer.Accept()
		data, err := ch.Recv()
		if err != nil {
			return
		}
		var req map[string]json.RawMessage
		json.Unmarshal(data, &req)
		ch.Send([]byte(`{"jsonrpc":"2.0","id":` + string(req["id"]) + `,"result":"hello"}`))
	}()

	cli, err := wsrpc.Dial(context.Background(), peer.URL(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	got, err := cli.Request(context.Background(), "say_hello", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(got) != `"hello"` {
		t.Errorf("Request: got %s, want %q", got, "hello")
	}
}
