package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/hydra/internal/protocol"
)

// ASGI event types.
const (
	EventRequest       = "http.request"
	EventDisconnect    = "http.disconnect"
	EventResponseStart = "http.response.start"
	EventResponseBody  = "http.response.body"
)

var (
	ErrNoResponseStart = errors.New("application did not send http.response.start")
	ErrResponseStarted = errors.New("http.response.start sent twice")
	ErrResponseClosed  = errors.New("response body sent after completion")
)

// Scope describes one HTTP request to an event-style application.
type Scope struct {
	Type        string
	HTTPVersion string
	Method      string
	Path        string
	QueryString string
	Headers     []protocol.Header
	Client      string
	Meta        map[string]any
}

// Event is one message exchanged with an event-style application.
type Event struct {
	Type     string
	Status   int
	Headers  []protocol.Header
	Body     []byte
	MoreBody bool
}

type (
	Receive func(ctx context.Context) (Event, error)
	Send    func(ctx context.Context, ev Event) error
)

// ASGIApp is an event-style application: it pulls request events with
// receive and pushes response events with send.
type ASGIApp func(ctx context.Context, scope Scope, receive Receive, send Send) error

func newScope(req *protocol.Request) Scope {
	version := "1.1"
	if req.Version != "" {
		version = trimHTTPPrefix(req.Version)
	}
	return Scope{
		Type:        "http",
		HTTPVersion: version,
		Method:      req.Method,
		Path:        req.Path,
		QueryString: req.Query,
		Headers:     req.Headers,
		Client:      req.Remote,
		Meta:        req.Meta,
	}
}

func trimHTTPPrefix(v string) string {
	if len(v) > 5 && v[:5] == "HTTP/" {
		return v[5:]
	}
	return v
}

// collector folds response events into a single complete envelope.
type collector struct {
	started bool
	done    bool
	status  int
	headers []protocol.Header
	body    []byte
}

func (c *collector) send(_ context.Context, ev Event) error {
	switch ev.Type {
	case EventResponseStart:
		if c.started {
			return ErrResponseStarted
		}
		if !ValidStatus(ev.Status) {
			return fmt.Errorf("%w: %d", ErrBadStatus, ev.Status)
		}
		c.started = true
		c.status = ev.Status
		c.headers = append([]protocol.Header(nil), ev.Headers...)
	case EventResponseBody:
		if !c.started {
			return ErrNoResponseStart
		}
		if c.done {
			return ErrResponseClosed
		}
		c.body = append(c.body, ev.Body...)
		c.done = !ev.MoreBody
	default:
		return fmt.Errorf("unsupported send event %q", ev.Type)
	}
	return nil
}

func adaptASGI(app ASGIApp) Handler {
	return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		delivered := false
		receive := func(ctx context.Context) (Event, error) {
			if delivered {
				return Event{Type: EventDisconnect}, nil
			}
			delivered = true
			return Event{Type: EventRequest, Body: []byte(req.Body)}, nil
		}

		var c collector
		if err := app(ctx, newScope(req), receive, c.send); err != nil {
			return nil, err
		}
		if !c.started {
			return nil, ErrNoResponseStart
		}
		return protocol.NewResponse(req.RequestID, c.status, c.headers, string(c.body)), nil
	}
}
