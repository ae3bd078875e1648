// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coremux/wsrpc/code"
)

// Error is the concrete type of a JSON-RPC error object, used both on the
// wire and as the Go error value returned for a failed call.
type Error struct {
	Code    code.Code       `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error returns a human-readable description of e.
func (e *Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// ErrCode reports the error code carried by e.
func (e *Error) ErrCode() code.Code { return e.Code }

// WithData marshals v as JSON and returns a copy of e with its Data field
// set to the result. If v == nil or marshaling fails, e is returned as-is.
func (e *Error) WithData(v any) *Error {
	if v == nil {
		return e
	} else if data, err := json.Marshal(v); err == nil {
		return &Error{Code: e.Code, Message: e.Message, Data: data}
	}
	return e
}

// Errorf returns an *Error with the given code and a formatted message.
func Errorf(c code.Code, msg string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(msg, args...)}
}

// errClientStopped is the panic-recovery sentinel reported when a command
// is sent to a background multiplexer whose command channel is already
// closed, i.e. after Client.Close.
var errClientStopped = errors.New("the client has been stopped")

// errServerStopped is the sentinel Server.Wait reports after a deliberate
// Server.Stop.
var errServerStopped = errors.New("the server has been stopped")

var (
	errEmptyMethod    = &Error{Code: code.InvalidRequest, Message: "empty method name"}
	errNoSuchMethod   = &Error{Code: code.MethodNotFound, Message: code.MethodNotFound.Error()}
	errInvalidRequest = &Error{Code: code.ParseError, Message: "invalid request value"}
	errEmptyBatch     = &Error{Code: code.InvalidRequest, Message: "empty request batch"}
	errInvalidParams  = &Error{Code: code.InvalidParams, Message: code.InvalidParams.Error()}
)

// InvalidParamsError reports err, the failure to decode a method's params,
// as an InvalidParams wire error carrying err's message as its Data.
func InvalidParamsError(err error) *Error {
	return errInvalidParams.WithData(err.Error())
}

// A Kind classifies the way a Client-level operation failed, mirroring the
// taxonomy a caller needs to dispatch on with errors.As.
type Kind int

const (
	// KindCall reports that the remote method itself failed, e.g. it
	// rejected its parameters or returned a generic application error.
	KindCall Kind = iota
	// KindTransport reports that the underlying byte stream faulted.
	KindTransport
	// KindRequest reports that the server returned a well-formed JSON-RPC
	// error object, preserved verbatim in ClientError.Wire.
	KindRequest
	// KindInternal reports that the frontend could not hand a command to
	// the background multiplexer, because it has already shut down.
	KindInternal
	// KindInvalidResponse reports that a response violated the shape the
	// frontend expected of it.
	KindInvalidResponse
	// KindRestartNeeded reports that the background multiplexer has
	// terminated; the client must be rebuilt to issue further calls.
	KindRestartNeeded
	// KindParseError reports that a payload could not be decoded as JSON.
	KindParseError
	// KindInvalidSubscriptionID reports a duplicate or unrecognized
	// subscription identifier.
	KindInvalidSubscriptionID
	// KindInvalidRequestID reports an id that could not be allocated.
	KindInvalidRequestID
	// KindDuplicateRequestID reports that an id was already pending when
	// insertion into the registry was attempted.
	KindDuplicateRequestID
	// KindMethodAlreadyRegistered reports a server-side registry conflict.
	KindMethodAlreadyRegistered
	// KindSubscriptionNameConflict reports that a subscribe/unsubscribe
	// method pair shared the same name.
	KindSubscriptionNameConflict
	// KindRequestTimeout reports that a configured request deadline elapsed
	// before a reply arrived.
	KindRequestTimeout
	// KindMaxSlotsExceeded reports that the request-id allocator's pool was
	// exhausted when a call tried to acquire a slot.
	KindMaxSlotsExceeded
	// KindCustom reports an application-defined failure carrying only a
	// message string.
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "Call"
	case KindTransport:
		return "Transport"
	case KindRequest:
		return "Request"
	case KindInternal:
		return "Internal"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindRestartNeeded:
		return "RestartNeeded"
	case KindParseError:
		return "ParseError"
	case KindInvalidSubscriptionID:
		return "InvalidSubscriptionID"
	case KindInvalidRequestID:
		return "InvalidRequestID"
	case KindDuplicateRequestID:
		return "DuplicateRequestID"
	case KindMethodAlreadyRegistered:
		return "MethodAlreadyRegistered"
	case KindSubscriptionNameConflict:
		return "SubscriptionNameConflict"
	case KindRequestTimeout:
		return "RequestTimeout"
	case KindMaxSlotsExceeded:
		return "MaxSlotsExceeded"
	case KindCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// ClientError is the error type returned by Client and Subscription
// operations. A well-formed remote error object is reported with Kind
// KindRequest and preserved verbatim in Wire.
//
// Callers distinguish kinds with errors.As and inspect ClientError.Kind, or
// use errors.Is with a *ClientError of the wanted Kind (see Is below).
type ClientError struct {
	Kind Kind

	// Wire holds the server's error object when Kind == KindRequest.
	Wire *Error

	// Mismatch describes an expected/actual pair when Kind ==
	// KindInvalidResponse.
	Expected, Got string

	// Method names an offending server-side registration when Kind is
	// KindMethodAlreadyRegistered or KindSubscriptionNameConflict.
	Method string

	// Reason carries a free-form description, used by KindRestartNeeded and
	// KindCustom.
	Reason string

	// Err is the underlying cause, when one exists (KindCall, KindTransport,
	// KindInternal, KindParseError).
	Err error
}

func (e *ClientError) Error() string {
	switch e.Kind {
	case KindCall:
		return fmt.Sprintf("call failed: %v", e.Err)
	case KindTransport:
		return fmt.Sprintf("transport error: %v", e.Err)
	case KindRequest:
		return fmt.Sprintf("request error: %v", e.Wire)
	case KindInternal:
		return fmt.Sprintf("internal error: %v", e.Err)
	case KindInvalidResponse:
		return fmt.Sprintf("invalid response: expected %s, got %s", e.Expected, e.Got)
	case KindRestartNeeded:
		return fmt.Sprintf("background task terminated (%s); restart required", e.Reason)
	case KindParseError:
		return fmt.Sprintf("parse error: %v", e.Err)
	case KindInvalidSubscriptionID:
		return "invalid subscription ID"
	case KindInvalidRequestID:
		return "invalid request ID"
	case KindDuplicateRequestID:
		return "a request with the same request ID has already been registered"
	case KindMethodAlreadyRegistered:
		return fmt.Sprintf("method %q was already registered", e.Method)
	case KindSubscriptionNameConflict:
		return fmt.Sprintf("cannot use the same method name for subscribe and unsubscribe: %q", e.Method)
	case KindRequestTimeout:
		return "request timeout"
	case KindMaxSlotsExceeded:
		return "configured max number of request slots exceeded"
	case KindCustom:
		return fmt.Sprintf("custom error: %s", e.Reason)
	default:
		return "unknown client error"
	}
}

// Unwrap exposes the underlying cause, if any, so errors.Is/As can reach a
// wrapped transport or parse error.
func (e *ClientError) Unwrap() error { return e.Err }

// Is reports whether target is a *ClientError with the same Kind. This lets
// callers write errors.Is(err, &ClientError{Kind: KindRestartNeeded}).
func (e *ClientError) Is(target error) bool {
	var o *ClientError
	if errors.As(target, &o) {
		return o.Kind == e.Kind
	}
	return false
}

func callError(err error) *ClientError      { return &ClientError{Kind: KindCall, Err: err} }
func transportError(err error) *ClientError { return &ClientError{Kind: KindTransport, Err: err} }
func internalError(err error) *ClientError  { return &ClientError{Kind: KindInternal, Err: err} }
func parseError(err error) *ClientError     { return &ClientError{Kind: KindParseError, Err: err} }

func requestError(wire *Error) *ClientError {
	return &ClientError{Kind: KindRequest, Wire: wire}
}

func restartNeededError(reason string) *ClientError {
	return &ClientError{Kind: KindRestartNeeded, Reason: reason}
}

func invalidResponseError(expected, got string) *ClientError {
	return &ClientError{Kind: KindInvalidResponse, Expected: expected, Got: got}
}

var (
	errInvalidSubscriptionID = &ClientError{Kind: KindInvalidSubscriptionID}
	errDuplicateRequestID    = &ClientError{Kind: KindDuplicateRequestID}
	errRequestTimeout        = &ClientError{Kind: KindRequestTimeout}
	errMaxSlotsExceeded      = &ClientError{Kind: KindMaxSlotsExceeded}
)

func methodAlreadyRegisteredError(method string) *ClientError {
	return &ClientError{Kind: KindMethodAlreadyRegistered, Method: method}
}

func subscriptionNameConflictError(method string) *ClientError {
	return &ClientError{Kind: KindSubscriptionNameConflict, Method: method}
}
