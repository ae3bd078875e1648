// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package handler adapts plain Go functions to wsrpc.Method, so a server
// need not hand-decode json.RawMessage for every method it exports.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/coremux/wsrpc"
)

// FromFunc adapts fn to a wsrpc.Method. The concrete value of fn must be a
// function with one of the following signatures:
//
//	func(context.Context) (Y, error)
//	func(context.Context, X) (Y, error)
//
// for JSON-marshalable types X and Y. FromFunc panics if fn's type does not
// have one of these forms.
func FromFunc(fn any) wsrpc.Method {
	m, err := newMethod(fn)
	if err != nil {
		panic(err)
	}
	return m
}

// NewService adapts the exported methods of obj to a map from method name to
// wsrpc.Method, using FromFunc for each. It panics if obj has no exported
// methods with a suitable signature.
func NewService(obj any) map[string]wsrpc.Method {
	out := make(map[string]wsrpc.Method)
	val := reflect.ValueOf(obj)
	typ := val.Type()
	for i, n := 0, val.NumMethod(); i < n; i++ {
		if m, err := newMethod(val.Method(i).Interface()); err == nil {
			out[typ.Method(i).Name] = m
		}
	}
	if len(out) == 0 {
		panic("handler: no matching exported methods")
	}
	return out
}

// ServiceMapper combines multiple Assigners into one, splitting an inbound
// method name as "Service.Method" and dispatching the Method portion to the
// Assigner registered under Service. It lets a server export several
// logical services under distinct prefixes from a single wsrpc.Assigner.
type ServiceMapper map[string]wsrpc.Assigner

// Assign implements wsrpc.Assigner.
func (m ServiceMapper) Assign(ctx context.Context, method string) wsrpc.Method {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) != 2 {
		return nil
	}
	if a, ok := m[parts[0]]; ok {
		return a.Assign(ctx, parts[1])
	}
	return nil
}

// Names implements wsrpc.Namer, composing "Service.Method" names from every
// component Assigner that itself implements wsrpc.Namer.
func (m ServiceMapper) Names() []string {
	var all []string
	for svc, a := range m {
		if n, ok := a.(wsrpc.Namer); ok {
			for _, name := range n.Names() {
				all = append(all, svc+"."+name)
			}
		}
	}
	sort.Strings(all)
	return all
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// newMethod builds the wsrpc.Method adapter for fn, validating its shape
// first. The returned Method decodes params into fn's one non-context
// argument (if any), calls fn, and reports the result via tx.Send or an
// error via tx.SendError/a returned error.
func newMethod(fn any) (wsrpc.Method, error) {
	typ := reflect.TypeOf(fn)
	if typ == nil || typ.Kind() != reflect.Func {
		return nil, errors.New("handler: not a function")
	}
	if np := typ.NumIn(); np == 0 || np > 2 {
		return nil, errors.New("handler: wrong number of parameters")
	}
	if typ.NumOut() != 2 {
		return nil, errors.New("handler: wrong number of results")
	}
	if typ.In(0) != ctxType {
		return nil, errors.New("handler: first parameter is not context.Context")
	}
	if typ.Out(1) != errType {
		return nil, errors.New("handler: second result is not error")
	}

	var argType reflect.Type
	wantPtr := false
	if typ.NumIn() == 2 {
		argType = typ.In(1)
		if argType.Kind() == reflect.Ptr {
			wantPtr = true
			argType = argType.Elem()
		}
	}
	f := reflect.ValueOf(fn)

	return wsrpc.Method(func(ctx context.Context, id wsrpc.RawID, params json.RawMessage, tx wsrpc.ResponseSender, connID uint64) error {
		args := []reflect.Value{reflect.ValueOf(ctx)}
		if argType != nil {
			in := reflect.New(argType)
			if len(params) > 0 {
				if err := json.Unmarshal(params, in.Interface()); err != nil {
					return tx.SendError(id, wsrpc.InvalidParamsError(err))
				}
			}
			if wantPtr {
				args = append(args, in)
			} else {
				args = append(args, in.Elem())
			}
		}
		out := f.Call(args)
		if oerr, _ := out[1].Interface().(error); oerr != nil {
			if werr, ok := oerr.(*wsrpc.Error); ok {
				return tx.SendError(id, werr)
			}
			return oerr
		}
		return tx.Send(id, out[0].Interface())
	}), nil
}
