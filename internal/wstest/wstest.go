// Package wstest provides an in-process WebSocket peer, served by
// net/http/httptest on a loopback listener, that tests in this module use
// to exercise the client over the real WebSocket dial path. The test
// itself scripts which frames the peer reads and writes.
package wstest

import (
	"net/http"
	"net/http/httptest"

	"github.com/coremux/wsrpc/channel"
)

// Peer is a single-connection WebSocket test server: it accepts exactly one
// client and lets the test script read frames the client sent and write
// frames for the client to receive, in whatever order the test demands.
type Peer struct {
	srv *httptest.Server
	ch  chan channel.Channel
}

// NewPeer starts an HTTP test server that upgrades its one connection to a
// WebSocket and hands the resulting channel.Channel to the test via Accept.
func NewPeer() *Peer {
	p := &Peer{ch: make(chan channel.Channel, 1)}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := channel.Accept(w, r)
		if err != nil {
			return
		}
		p.ch <- ch
	}))
	return p
}

// URL returns the ws:// URL a Client should Dial to reach this peer.
func (p *Peer) URL() string {
	return "ws" + p.srv.URL[len("http"):]
}

// Accept blocks until the client side has completed its WebSocket upgrade
// and returns the server's end of the connection.
func (p *Peer) Accept() channel.Channel { return <-p.ch }

// Close shuts down the underlying HTTP test server.
func (p *Peer) Close() { p.srv.Close() }
