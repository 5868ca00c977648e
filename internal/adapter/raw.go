package adapter

import (
	"context"

	"github.com/mattjoyce/hydra/internal/protocol"
)

// RawApp receives the decoded request and returns the full response envelope.
type RawApp func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

func adaptRaw(app RawApp) Handler {
	return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		return app(ctx, req)
	}
}
