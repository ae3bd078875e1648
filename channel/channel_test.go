package channel_test

import (
	"testing"

	"github.com/coremux/wsrpc/channel"
)

func TestDirect_RoundTrip(t *testing.T) {
	c, s := channel.Direct()
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("Recv: %v", err)
			return
		}
		if string(msg) != "ping" {
			t.Errorf("Recv: got %q, want %q", msg, "ping")
		}
		s.Send([]byte("pong"))
	}()

	if err := c.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := c.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("Recv: got %q, want %q", reply, "pong")
	}
	<-done
	c.Close()
}

func TestPipe_JSONFraming(t *testing.T) {
	client, server := channel.Pipe(channel.JSON)
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := server.Recv()
		if err != nil {
			t.Errorf("Recv: %v", err)
			return
		}
		if string(msg) != `{"a":1}` {
			t.Errorf("Recv: got %s, want {\"a\":1}", msg)
		}
		server.Close()
	}()

	if err := client.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-done
	client.Close()
}
