package apps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/protocol"
)

func TestHelloInEveryConvention(t *testing.T) {
	r, err := NewRegistry(4)
	require.NoError(t, err)

	for _, target := range []string{HelloRaw, HelloWSGI, HelloASGI} {
		t.Run(target, func(t *testing.T) {
			h, _, err := r.Lookup(target)
			require.NoError(t, err)

			resp, err := adapter.Dispatch(context.Background(), &protocol.Request{Op: protocol.OpHTTPRequest, RequestID: 42}, h)
			require.NoError(t, err)
			assert.Equal(t, uint64(42), resp.RequestID)
			assert.Equal(t, 200, resp.Status)
			assert.Equal(t, "hello world", resp.Body)
			assert.Equal(t, []protocol.Header{protocol.NewHeader("hello", "world")}, resp.Headers)
			assert.False(t, resp.MoreBody)
		})
	}
}

func TestEcho(t *testing.T) {
	resp, err := EchoRequest(context.Background(), &protocol.Request{RequestID: 1, Method: "PUT", Path: "/x", Body: "data"})
	require.NoError(t, err)
	assert.Equal(t, "PUT /x\ndata", resp.Body)
}

func TestFailProducesErrorEnvelope(t *testing.T) {
	r, err := NewRegistry(0)
	require.NoError(t, err)

	h, err := r.Resolve(Fail, adapter.KindRaw)
	require.NoError(t, err)

	resp, err := adapter.Dispatch(context.Background(), &protocol.Request{Op: protocol.OpHTTPRequest, RequestID: 7}, h)
	assert.ErrorIs(t, err, ErrAlwaysFails)
	assert.Equal(t, 503, resp.Status)
	assert.Equal(t, uint64(7), resp.RequestID)
}

func TestTargets(t *testing.T) {
	r, err := NewRegistry(0)
	require.NoError(t, err)
	assert.Equal(t, []string{Echo, Fail, HelloRaw, HelloASGI, HelloWSGI}, r.Targets())
}
