package channel

import (
	"encoding/json"
	"io"
)

// JSON constructs a Channel that transmits and receives records on r and wc,
// in which each record is defined by being a complete JSON value. No padding
// or other separation is added. This framing is useful for byte-stream
// transports (pipes, unix sockets) that are not already message-oriented;
// the WebSocket transport in websocket.go does not use it, since the
// underlying library already delivers whole frames.
func JSON(r io.ReadCloser, wc io.WriteCloser) Channel {
	return jsonc{r: r, wc: wc, dec: json.NewDecoder(r)}
}

// A jsonc implements Channel. Messages sent on a jsonc channel are not
// explicitly framed, and messages received are framed by JSON syntax.
type jsonc struct {
	r   io.ReadCloser
	wc  io.WriteCloser
	dec *json.Decoder
}

// Send implements part of the Channel interface.
func (c jsonc) Send(msg []byte) error { _, err := c.wc.Write(msg); return err }

// Recv implements part of the Channel interface.
func (c jsonc) Recv() ([]byte, error) {
	var msg json.RawMessage
	err := c.dec.Decode(&msg)
	if err == io.ErrClosedPipe {
		err = io.EOF
	}
	return msg, err
}

// Close implements part of the Channel interface.
func (c jsonc) Close() error {
	c.r.Close()
	return c.wc.Close()
}
