package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/hydra/internal/protocol"
)

// DefaultWSGISlots bounds how many blocking applications run at once.
const DefaultWSGISlots = 64

var ErrNoStartResponse = errors.New("application did not call start_response")

// Environ is the per-request environment handed to a blocking application.
type Environ map[string]any

// StartResponse records the status line ("200 OK") and headers.
type StartResponse func(status string, headers []protocol.Header) error

// WSGIApp is a blocking call-with-callback application. It returns the body
// as a sequence of chunks.
type WSGIApp func(environ Environ, startResponse StartResponse) ([][]byte, error)

// ServerInfo carries what the environment reports about the public listener.
type ServerInfo struct {
	port atomic.Int64
}

func (s *ServerInfo) SetPort(port int) { s.port.Store(int64(port)) }
func (s *ServerInfo) Port() int        { return int(s.port.Load()) }

func newEnviron(req *protocol.Request, info *ServerInfo) Environ {
	proto := req.Version
	if proto == "" {
		proto = "HTTP/1.1"
	}
	env := Environ{
		"REQUEST_METHOD":    req.Method,
		"SCRIPT_NAME":       "",
		"PATH_INFO":         req.Path,
		"QUERY_STRING":      req.Query,
		"SERVER_PROTOCOL":   proto,
		"SERVER_NAME":       "hydra",
		"SERVER_PORT":       strconv.Itoa(info.Port()),
		"REMOTE_ADDR":       req.Remote,
		"wsgi.input":        strings.NewReader(req.Body),
		"wsgi.url_scheme":   "http",
		"wsgi.multithread":  true,
		"wsgi.multiprocess": true,
	}
	for _, h := range req.Headers {
		key := strings.ToUpper(strings.ReplaceAll(h.Name(), "-", "_"))
		switch key {
		case "CONTENT_TYPE", "CONTENT_LENGTH":
		default:
			key = "HTTP_" + key
		}
		if prev, ok := env[key].(string); ok {
			env[key] = prev + "," + h.Value()
			continue
		}
		env[key] = h.Value()
	}
	return env
}

func parseStatus(status string) (int, error) {
	code, _, _ := strings.Cut(strings.TrimSpace(status), " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 999 {
		return 0, fmt.Errorf("invalid status line %q", status)
	}
	return n, nil
}

func adaptWSGI(app WSGIApp, slots *semaphore.Weighted, info *ServerInfo) Handler {
	return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		if err := slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer slots.Release(1)

		var (
			started bool
			status  int
			headers []protocol.Header
		)
		start := func(s string, h []protocol.Header) error {
			code, err := parseStatus(s)
			if err != nil {
				return err
			}
			started = true
			status = code
			headers = append([]protocol.Header(nil), h...)
			return nil
		}

		chunks, err := app(newEnviron(req, info), start)
		if err != nil {
			return nil, err
		}
		if !started {
			return nil, ErrNoStartResponse
		}

		var body strings.Builder
		for _, c := range chunks {
			body.Write(c)
		}
		return protocol.NewResponse(req.RequestID, status, headers, body.String()), nil
	}
}
