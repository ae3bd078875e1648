// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"bytes"
	"encoding/json"

	"github.com/coremux/wsrpc/code"
)

// Version is the JSON-RPC protocol version string this package implements.
const Version = "2.0"

// fixID filters id, treating "null" as a synonym for an unset ID. Some
// servers emit "null" as an ID for notifications.
func fixID(id json.RawMessage) json.RawMessage {
	if !isNull(id) {
		return id
	}
	return nil
}

// isNull reports whether msg is exactly the JSON "null" value.
func isNull(msg json.RawMessage) bool {
	return len(msg) == 4 && msg[0] == 'n' && msg[1] == 'u' && msg[2] == 'l' && msg[3] == 'l'
}

// firstByte returns the first non-whitespace byte of data, or 0 if there is none.
func firstByte(data []byte) byte {
	clean := bytes.TrimSpace(data)
	if len(clean) == 0 {
		return 0
	}
	return clean[0]
}

// isValidID reports whether v is a valid JSON encoding of a request ID.
// Precondition: v is a valid JSON value, or empty.
func isValidID(v json.RawMessage) bool {
	if len(v) == 0 || isNull(v) {
		return true // nil or empty is OK, as is "null"
	} else if v[0] == '"' || v[0] == '-' || (v[0] >= '0' && v[0] <= '9') {
		return true // strings and numbers are OK
	}
	return false
}

// isValidVersion reports whether v is a valid JSON-RPC version string.
func isValidVersion(v string) bool { return v == Version }

// jmessage is the wire transmission format of a single protocol message: a
// request, a notification, a response, or an error object. The raw ID is
// carried as json.RawMessage so that the server's encoding (number vs
// string) is echoed back byte-for-byte rather than re-derived.
type jmessage struct {
	V  string          `json:"jsonrpc"`
	ID json.RawMessage `json:"id,omitempty"`

	// Fields belonging to request or notification objects.
	M string          `json:"method,omitempty"`
	P json.RawMessage `json:"params,omitempty"`

	// Fields belonging to response or error objects.
	E *Error          `json:"error,omitempty"`
	R json.RawMessage `json:"result,omitempty"`

	batch bool   // this message was part of a batch
	err   *Error // if not nil, this message is invalid and err is why
}

func (j *jmessage) fail(c code.Code, msg string) {
	if j.err == nil {
		j.err = &Error{Code: c, Message: msg}
	}
}

func (j *jmessage) toJSON() ([]byte, error) {
	var sb bytes.Buffer
	sb.WriteString(`{"jsonrpc":"2.0"`)
	if len(j.ID) != 0 {
		sb.WriteString(`,"id":`)
		sb.Write(j.ID)
	}
	switch {
	case j.M != "":
		m, err := json.Marshal(j.M)
		if err != nil {
			return nil, err
		}
		sb.WriteString(`,"method":`)
		sb.Write(m)
		if len(j.P) != 0 {
			sb.WriteString(`,"params":`)
			sb.Write(j.P)
		}
	case j.E != nil:
		e, err := json.Marshal(j.E)
		if err != nil {
			return nil, err
		}
		sb.WriteString(`,"error":`)
		sb.Write(e)
	case len(j.R) != 0:
		sb.WriteString(`,"result":`)
		sb.Write(j.R)
	}
	sb.WriteByte('}')
	return sb.Bytes(), nil
}

// parseJSON decodes data into j, validating the envelope but deferring
// deeper validation (method lookup, params shape) to the caller.
func (j *jmessage) parseJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		j.fail(code.ParseError, "request is not a JSON object")
		return j.err
	}
	*j = jmessage{}
	var extra []string
	for key, val := range obj {
		switch key {
		case "jsonrpc":
			if json.Unmarshal(val, &j.V) != nil {
				j.fail(code.ParseError, "invalid version key")
			}
		case "id":
			if isValidID(val) {
				j.ID = val
			} else {
				j.fail(code.InvalidRequest, "invalid request ID")
			}
		case "method":
			if json.Unmarshal(val, &j.M) != nil {
				j.fail(code.ParseError, "invalid method name")
			}
		case "params":
			if !isNull(val) {
				j.P = val
			}
			if fb := firstByte(j.P); fb != 0 && fb != '[' && fb != '{' {
				j.fail(code.InvalidRequest, "parameters must be array or object")
			}
		case "error":
			if json.Unmarshal(val, &j.E) != nil {
				j.fail(code.ParseError, "invalid error value")
			}
		case "result":
			j.R = val
		default:
			extra = append(extra, key)
		}
	}
	if !isValidVersion(j.V) {
		j.fail(code.InvalidRequest, "invalid version marker")
	}
	if j.M != "" && (j.E != nil || j.R != nil) {
		j.fail(code.InvalidRequest, "mixed request and reply fields")
	}
	if j.err == nil && len(extra) != 0 {
		j.err = Errorf(code.InvalidRequest, "extra fields in request").WithData(extra)
	}
	return nil
}

// isRequestOrNotification reports whether j is a request or notification.
func (j *jmessage) isRequestOrNotification() bool { return j.M != "" && j.E == nil && j.R == nil }

// isNotification reports whether j is a notification.
func (j *jmessage) isNotification() bool { return j.isRequestOrNotification() && fixID(j.ID) == nil }

// isResponseOrError reports whether j carries a result or an error object,
// i.e. it is a reply rather than a request.
func (j *jmessage) isResponseOrError() bool { return j.M == "" && (j.E != nil || len(j.R) != 0 || len(j.ID) != 0) }

// jmessages is either a single protocol message or an array of protocol
// messages; it mirrors the batch framing of JSON-RPC 2.0.
type jmessages []*jmessage

func (j jmessages) toJSON() ([]byte, error) {
	if len(j) == 1 && !j[0].batch {
		return j[0].toJSON()
	}
	var sb bytes.Buffer
	sb.WriteByte('[')
	for i, msg := range j {
		if i > 0 {
			sb.WriteByte(',')
		}
		bits, err := msg.toJSON()
		if err != nil {
			return nil, err
		}
		sb.Write(bits)
	}
	sb.WriteByte(']')
	return sb.Bytes(), nil
}

// parseJSON decodes either a single message or a batch array, deferring
// validity checks on the individual elements to the caller. It fails only
// when data is not a syntactically valid JSON value or array.
func (j *jmessages) parseJSON(data []byte) error {
	*j = (*j)[:0]

	var msgs []json.RawMessage
	var batch bool
	if firstByte(data) != '[' {
		msgs = append(msgs, nil)
		if err := json.Unmarshal(data, &msgs[0]); err != nil {
			return errInvalidRequest
		}
	} else if err := json.Unmarshal(data, &msgs); err != nil {
		return errInvalidRequest
	} else {
		batch = true
	}

	for _, raw := range msgs {
		req := new(jmessage)
		req.parseJSON(raw)
		req.batch = batch
		*j = append(*j, req)
	}
	return nil
}

// sender is the subset of channel.Channel needed to send messages.
type sender interface{ Send([]byte) error }

// encode marshals msgs as JSON and forwards it to the channel.
func encode(ch sender, msgs jmessages) (int, error) {
	bits, err := msgs.toJSON()
	if err != nil {
		return 0, err
	}
	return len(bits), ch.Send(bits)
}
