// Package apps holds the example applications shipped with hydra.
package apps

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/protocol"
)

const (
	HelloRaw  = "examples/hello:app"
	HelloWSGI = "examples/hello:wsgi_app"
	HelloASGI = "examples/hello:asgi_app"
	Echo      = "examples/echo:app"
	Fail      = "examples/fail:app"
)

// ErrAlwaysFails is returned by the Fail application.
var ErrAlwaysFails = errors.New("examples/fail: intentional failure")

func helloHeaders() []protocol.Header {
	return []protocol.Header{protocol.NewHeader("hello", "world")}
}

// Hello answers every request with "hello world".
func Hello(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	return protocol.NewResponse(req.RequestID, 200, helloHeaders(), "hello world"), nil
}

// HelloBlocking is Hello in the call-with-callback convention.
func HelloBlocking(_ adapter.Environ, start adapter.StartResponse) ([][]byte, error) {
	if err := start("200 OK", helloHeaders()); err != nil {
		return nil, err
	}
	return [][]byte{[]byte("hello world")}, nil
}

// HelloEvents is Hello in the event convention.
func HelloEvents(ctx context.Context, _ adapter.Scope, receive adapter.Receive, send adapter.Send) error {
	if _, err := receive(ctx); err != nil {
		return err
	}
	if err := send(ctx, adapter.Event{Type: adapter.EventResponseStart, Status: 200, Headers: helloHeaders()}); err != nil {
		return err
	}
	return send(ctx, adapter.Event{Type: adapter.EventResponseBody, Body: []byte("hello world")})
}

// EchoRequest reflects the method, path and body back to the caller.
func EchoRequest(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	headers := []protocol.Header{
		protocol.NewHeader("x-echo-method", req.Method),
		protocol.NewHeader("x-echo-path", req.Path),
	}
	return protocol.NewResponse(req.RequestID, 200, headers, fmt.Sprintf("%s %s\n%s", req.Method, req.Path, req.Body)), nil
}

// AlwaysFail returns an error for every request.
func AlwaysFail(_ context.Context, _ *protocol.Request) (*protocol.Response, error) {
	return nil, ErrAlwaysFails
}

// Register adds every example application to r.
func Register(r *adapter.Registry) error {
	regs := []struct {
		target string
		kind   adapter.Kind
		app    any
	}{
		{HelloRaw, adapter.KindRaw, adapter.RawApp(Hello)},
		{HelloWSGI, adapter.KindWSGI, adapter.WSGIApp(HelloBlocking)},
		{HelloASGI, adapter.KindASGI, adapter.ASGIApp(HelloEvents)},
		{Echo, adapter.KindRaw, adapter.RawApp(EchoRequest)},
		{Fail, adapter.KindRaw, adapter.RawApp(AlwaysFail)},
	}
	for _, reg := range regs {
		if err := r.Register(reg.target, reg.kind, reg.app); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with the example applications registered.
func NewRegistry(wsgiSlots int) (*adapter.Registry, error) {
	r := adapter.NewRegistry(wsgiSlots)
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
