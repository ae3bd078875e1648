// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/coremux/wsrpc"
	"github.com/coremux/wsrpc/channel"
)

// fakeServer is the peer-side half of an in-memory channel pair, giving a
// test direct control over what frames the client receives and a way to
// observe what it sent, mirroring the server stub used in the teacher's
// own internal test helpers.
type fakeServer struct {
	ch channel.Channel
}

func newFakeServer(t *testing.T) (*wsrpc.Client, *fakeServer) {
	t.Helper()
	cch, sch := channel.Direct()
	cli := wsrpc.NewClient(cch, nil)
	t.Cleanup(func() { cli.Close() })
	return cli, &fakeServer{ch: sch}
}

// recvRequest reads and decodes the next single request frame the client
// wrote, returning its fields so the test can script a reply matching its id.
func (f *fakeServer) recvRequest(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	data, err := f.ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return obj
}

func (f *fakeServer) sendRaw(t *testing.T, raw string) {
	t.Helper()
	if err := f.ch.Send([]byte(raw)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// S1 — happy call: the server replies with a plain result and Request
// returns its decoded value.
func TestRequest_HappyPath(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := newFakeServer(t)
	go func() {
		req := srv.recvRequest(t)
		srv.sendRaw(t, `{"jsonrpc":"2.0","id":`+string(req["id"])+`,"result":"hello"}`)
	}()

	got, err := cli.Request(context.Background(), "say_hello", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if diff := cmp.Diff(`"hello"`, string(got)); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
}

// S2 — wrong id is fatal: a response naming an id with no pending call
// terminates the connection with RestartNeeded, and IsConnected goes false.
func TestRequest_WrongIDIsFatal(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := newFakeServer(t)
	go func() {
		srv.recvRequest(t)
		srv.sendRaw(t, `{"jsonrpc":"2.0","id":99,"result":"nope"}`)
	}()

	_, err := cli.Request(context.Background(), "say_hello", nil)
	var cerr *wsrpc.ClientError
	if !asClientError(err, &cerr) || cerr.Kind != wsrpc.KindRestartNeeded {
		t.Fatalf("Request: got %v, want RestartNeeded", err)
	}

	deadline := time.After(time.Second)
	for cli.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("IsConnected did not become false in time")
		case <-time.After(time.Millisecond):
		}
	}
}

// S3 — method-not-found passthrough: a well-formed JSON-RPC error response
// resolves the call with a Request-kind ClientError, and the connection
// stays up.
func TestRequest_MethodNotFoundPassthrough(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := newFakeServer(t)
	go func() {
		req := srv.recvRequest(t)
		srv.sendRaw(t, `{"jsonrpc":"2.0","id":`+string(req["id"])+`,"error":{"code":-32601,"message":"method not found"}}`)
	}()

	_, err := cli.Request(context.Background(), "nope", nil)
	var cerr *wsrpc.ClientError
	if !asClientError(err, &cerr) || cerr.Kind != wsrpc.KindRequest || cerr.Wire == nil || cerr.Wire.Code != -32601 {
		t.Fatalf("Request: got %v, want Request{code:-32601}", err)
	}
	if !cli.IsConnected() {
		t.Error("IsConnected: got false, want true after a request error")
	}
}

// S4 — notification is fire-and-forget: it resolves even though the peer
// never writes anything back.
func TestNotification_FireAndForget(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := newFakeServer(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.recvRequest(t) // drain the frame so the test goroutine exits cleanly
	}()

	if err := cli.Notification(context.Background(), "notif", nil); err != nil {
		t.Fatalf("Notification: %v", err)
	}
	<-done
}

// S5 — subscription stream: after a successful subscribe, a server push
// is delivered by Subscription.Next.
func TestSubscribe_DeliversNotification(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := newFakeServer(t)
	go func() {
		req := srv.recvRequest(t)
		srv.sendRaw(t, `{"jsonrpc":"2.0","id":`+string(req["id"])+`,"result":"sub-1"}`)
		srv.sendRaw(t, `{"jsonrpc":"2.0","method":"logs","params":{"subscription":"sub-1","result":"hello my friend"}}`)
	}()

	sub, err := cli.Subscribe(context.Background(), "logs_subscribe", nil, "logs_unsubscribe")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var got string
	if !sub.Next(&got) {
		t.Fatal("Next: got false, want a delivered notification")
	}
	if got != "hello my friend" {
		t.Errorf("Next: got %q, want %q", got, "hello my friend")
	}
}

// S6 — batch out of order: responses arriving in a different order than
// the requests were issued are still returned in input order.
func TestBatchRequest_OutOfOrder(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := newFakeServer(t)
	go func() {
		data, err := srv.ch.Recv()
		if err != nil {
			t.Errorf("Recv: %v", err)
			return
		}
		var msgs []map[string]json.RawMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			t.Errorf("decode batch: %v", err)
			return
		}
		if len(msgs) != 3 {
			t.Errorf("batch size: got %d, want 3", len(msgs))
			return
		}
		// Reply with get_swag's result first, then say_hello's, then
		// say_goodbye's, deliberately scrambled relative to input position.
		ids := []json.RawMessage{msgs[0]["id"], msgs[1]["id"], msgs[2]["id"]}
		srv.sendRaw(t, `[`+
			`{"jsonrpc":"2.0","id":`+string(ids[2])+`,"result":"here's your swag"},`+
			`{"jsonrpc":"2.0","id":`+string(ids[0])+`,"result":"hello"},`+
			`{"jsonrpc":"2.0","id":`+string(ids[1])+`,"result":"goodbye"}`+
			`]`)
	}()

	got, err := cli.BatchRequest(context.Background(), []wsrpc.BatchMethod{
		{Method: "say_hello"},
		{Method: "say_goodbye"},
		{Method: "get_swag"},
	})
	if err != nil {
		t.Fatalf("BatchRequest: %v", err)
	}
	want := []string{`"hello"`, `"goodbye"`, `"here's your swag"`}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("result[%d]: got %s, want %s", i, got[i], w)
		}
	}
}

func asClientError(err error, out **wsrpc.ClientError) bool {
	ce, ok := err.(*wsrpc.ClientError)
	if ok {
		*out = ce
	}
	return ok
}
