//go:build !unix

package frontend

import (
	"context"
	"net"
)

func listenShared(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
