package channel

import (
	"context"
	"errors"
	"io"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocketOptions control the behaviour of a channel constructed by Dial or
// Accept.
type WebSocketOptions struct {
	// HTTPClient is used for the outbound dial. If nil, the default client is
	// used.
	HTTPClient *http.Client

	// HTTPHeader specifies the HTTP headers included in the handshake
	// request, for example an Authorization header.
	HTTPHeader http.Header
}

// Dial opens a WebSocket connection to url and returns a Channel that reads
// and writes complete JSON-RPC text frames on it.
//
// Per-message framing is provided by the underlying library: every call to
// Recv returns exactly one frame written by the peer with a single Send, so
// no additional length- or delimiter-based framing is required (unlike the
// byte-stream transports handled by the JSON Framing).
func Dial(ctx context.Context, url string, opts *WebSocketOptions) (Channel, error) {
	var hc *http.Client
	var hdr http.Header
	if opts != nil {
		hc = opts.HTTPClient
		hdr = opts.HTTPHeader
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: hc,
		HTTPHeader: hdr,
	})
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// Accept upgrades an inbound HTTP request to a WebSocket connection and
// returns a Channel for it. The caller is responsible for the lifetime of
// the request context; Accept does not itself enforce same-origin checks
// beyond what nhooyr.io/websocket does by default.
func Accept(w http.ResponseWriter, r *http.Request) (Channel, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an already-established *websocket.Conn as a Channel.
func NewWebSocket(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn}
}

// wsChannel adapts a *websocket.Conn, which exchanges whole messages, to the
// Channel interface used by the client and server.
type wsChannel struct {
	conn *websocket.Conn
}

// Send implements part of the Channel interface.
func (c *wsChannel) Send(msg []byte) error {
	return c.conn.Write(context.Background(), websocket.MessageText, msg)
}

// Recv implements part of the Channel interface. Each call returns exactly
// one frame received from the peer.
func (c *wsChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.Read(context.Background())
	if err != nil {
		if isNormalClosure(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Close implements part of the Channel interface.
func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func isNormalClosure(err error) bool {
	var cerr websocket.CloseError
	if errors.As(err, &cerr) {
		return cerr.Code == websocket.StatusNormalClosure || cerr.Code == websocket.StatusGoingAway
	}
	return errors.Is(err, io.EOF)
}
