package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/hydra/internal/protocol"
)

var (
	ErrInvalidTarget = errors.New("invalid application target")
	ErrUnknownTarget = errors.New("unknown application target")
	ErrDuplicate     = errors.New("application target already registered")
)

// ValidateTarget checks the module_path:callable_name form.
func ValidateTarget(target string) error {
	if strings.Count(target, ":") != 1 {
		return fmt.Errorf("%w: %q (want module_path:callable_name)", ErrInvalidTarget, target)
	}
	module, callable, _ := strings.Cut(target, ":")
	if strings.TrimSpace(module) == "" || strings.TrimSpace(callable) == "" {
		return fmt.Errorf("%w: %q (empty module or callable)", ErrInvalidTarget, target)
	}
	return nil
}

type entry struct {
	kind    Kind
	handler Handler
}

// Registry maps application targets to adapted handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	slots  *semaphore.Weighted
	server *ServerInfo
}

// NewRegistry creates an empty registry. wsgiSlots bounds concurrently
// running blocking applications; <= 0 means DefaultWSGISlots.
func NewRegistry(wsgiSlots int) *Registry {
	if wsgiSlots <= 0 {
		wsgiSlots = DefaultWSGISlots
	}
	return &Registry{
		entries: make(map[string]entry),
		slots:   semaphore.NewWeighted(int64(wsgiSlots)),
		server:  &ServerInfo{},
	}
}

// Server returns the listener info reported to blocking applications.
func (r *Registry) Server() *ServerInfo {
	return r.server
}

// Register adapts app to the uniform Handler once and stores it under target.
func (r *Registry) Register(target string, kind Kind, app any) error {
	if err := ValidateTarget(target); err != nil {
		return err
	}
	h, err := r.adapt(kind, app)
	if err != nil {
		return fmt.Errorf("register %s: %w", target, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[target]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, target)
	}
	r.entries[target] = entry{kind: kind, handler: h}
	return nil
}

func (r *Registry) adapt(kind Kind, app any) (Handler, error) {
	switch kind {
	case KindRaw:
		switch fn := app.(type) {
		case RawApp:
			return adaptRaw(fn), nil
		case func(context.Context, *protocol.Request) (*protocol.Response, error):
			return adaptRaw(fn), nil
		}
	case KindASGI:
		switch fn := app.(type) {
		case ASGIApp:
			return adaptASGI(fn), nil
		case func(context.Context, Scope, Receive, Send) error:
			return adaptASGI(fn), nil
		}
	case KindWSGI:
		switch fn := app.(type) {
		case WSGIApp:
			return adaptWSGI(fn, r.slots, r.server), nil
		case func(Environ, StartResponse) ([][]byte, error):
			return adaptWSGI(fn, r.slots, r.server), nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil, fmt.Errorf("%w: %T is not a %s application", ErrKindMismatch, app, kind)
}

// Lookup returns the handler registered under target and its kind.
func (r *Registry) Lookup(target string) (Handler, Kind, error) {
	if err := ValidateTarget(target); err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	e, ok := r.entries[target]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return e.handler, e.kind, nil
}

// Resolve is Lookup plus a check that target was registered as kind.
func (r *Registry) Resolve(target string, kind Kind) (Handler, error) {
	h, got, err := r.Lookup(target)
	if err != nil {
		return nil, err
	}
	if got != kind {
		return nil, fmt.Errorf("%w: %s is registered as %s, not %s", ErrKindMismatch, target, got, kind)
	}
	return h, nil
}

// Targets lists registered targets in sorted order.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Kind reports the kind target was registered as.
func (r *Registry) Kind(target string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[target]
	return e.kind, ok
}
