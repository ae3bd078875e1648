// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"encoding/json"
	"reflect"
)

// Call is a convenience wrapper around Client.Request that marshals params
// and unmarshals the result into result, following the same contract as
// encoding/json: result must be a pointer, or nil to discard the result.
func Call(ctx context.Context, cli *Client, method string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		enc, err := json.Marshal(params)
		if err != nil {
			return callError(err)
		}
		raw = enc
	}
	rsp, err := cli.Request(ctx, method, raw)
	if err != nil {
		return err
	}
	if result == nil || len(rsp) == 0 {
		return nil
	}
	if err := json.Unmarshal(rsp, result); err != nil {
		return invalidResponseError("json matching result type", err.Error())
	}
	return nil
}

// NewCaller reflectively constructs a function of type:
//
//	func(context.Context, *Client, X) (Y, error)
//
// that invokes method via the given client, marshaling the request value
// and unmarshaling the response automatically. This lets callers build
// typed client wrappers with a natural function signature rather than
// writing the json.Marshal/Request/json.Unmarshal sequence by hand for
// every method. The result must be asserted to the expected function type.
//
// Example:
//
//	type AddParams struct{ X, Y int }
//
//	add := wsrpc.NewCaller("Math.Add", (*AddParams)(nil), int(0)).(func(context.Context, *wsrpc.Client, *AddParams) (int, error))
//	sum, err := add(ctx, cli, &AddParams{X: 2, Y: 3})
func NewCaller(method string, X, Y any) any {
	ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()
	cliType := reflect.TypeOf((*Client)(nil))
	reqType := reflect.TypeOf(X)
	rspType := reflect.TypeOf(Y)
	errType := reflect.TypeOf((*error)(nil)).Elem()

	funType := reflect.FuncOf(
		[]reflect.Type{ctxType, cliType, reqType},
		[]reflect.Type{rspType, errType},
		false,
	)

	wantPtr := rspType.Kind() == reflect.Ptr
	if wantPtr {
		rspType = rspType.Elem()
	}

	// Slice-typed arguments should accept nil the way an empty slice would,
	// since the JSON encoder otherwise renders a nil slice as "null".
	param := func(v reflect.Value) any { return v.Interface() }
	if reqType.Kind() == reflect.Slice {
		param = func(v reflect.Value) any {
			if v.IsNil() {
				return reflect.MakeSlice(reqType, 0, 0).Interface()
			}
			return v.Interface()
		}
	}

	return reflect.MakeFunc(funType, func(args []reflect.Value) []reflect.Value {
		ctx := args[0].Interface().(context.Context)
		cli := args[1].Interface().(*Client)
		rsp := reflect.New(rspType)
		rerr := reflect.Zero(errType)

		if err := Call(ctx, cli, method, param(args[2]), rsp.Interface()); err != nil {
			rerr = reflect.ValueOf(err).Convert(errType)
		}
		if wantPtr {
			return []reflect.Value{rsp, rerr}
		}
		return []reflect.Value{rsp.Elem(), rerr}
	}).Interface()
}
