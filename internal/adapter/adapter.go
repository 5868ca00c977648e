package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/mattjoyce/hydra/internal/protocol"
)

// Kind names an application calling convention.
type Kind string

const (
	KindASGI Kind = "asgi"
	KindWSGI Kind = "wsgi"
	KindRaw  Kind = "raw"
)

var (
	ErrApplication  = errors.New("application handler error")
	ErrUnknownKind  = errors.New("unknown adapter kind")
	ErrNoResponse   = errors.New("handler returned no response")
	ErrKindMismatch = errors.New("adapter kind mismatch")
	ErrBadStatus    = errors.New("handler returned an invalid status")
)

// ValidStatus reports whether status fits the three-digit wire range.
func ValidStatus(status int) bool { return status >= 100 && status <= 999 }

// ParseKind parses an adapter name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindASGI, KindWSGI, KindRaw:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q (want asgi, wsgi or raw)", ErrUnknownKind, s)
	}
}

// Handler is the single signature every application is adapted to.
type Handler func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Dispatch invokes h for req and always returns an envelope to send.
// On success the handler's envelope is returned with the request id echoed
// and more_body cleared. On failure (error, panic or no envelope) the
// standardized 503 envelope is returned together with an error wrapping
// ErrApplication. A status outside 100-999 counts as a failure. Nothing is retried.
func Dispatch(ctx context.Context, req *protocol.Request, h Handler) (*protocol.Response, error) {
	var (
		resp *protocol.Response
		err  error
		pc   panics.Catcher
	)
	pc.Try(func() {
		resp, err = h(ctx, req)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	if err == nil && resp == nil {
		err = ErrNoResponse
	}
	if err == nil && !ValidStatus(resp.Status) {
		err = fmt.Errorf("%w: %d", ErrBadStatus, resp.Status)
	}
	if err != nil {
		return protocol.ErrorResponse(req.RequestID), fmt.Errorf("%w: request %d: %w", ErrApplication, req.RequestID, err)
	}

	out := *resp
	out.Op = protocol.OpHTTPRequest
	out.RequestID = req.RequestID
	out.MoreBody = false
	if out.Headers == nil {
		out.Headers = []protocol.Header{}
	}
	if out.Meta == nil {
		out.Meta = map[string]any{protocol.MetaResponseType: protocol.ResponseTypeComplete}
	}
	return &out, nil
}
