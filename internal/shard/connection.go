package shard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/transport"
)

// MessageHandler receives payloads that are not request envelopes.
type MessageHandler func(ctx context.Context, id ID, payload []byte)

// ErrorReporter is told about every failed handler invocation after the
// fallback envelope has been sent.
type ErrorReporter func(id ID, requestID uint64, err error)

// ConnectionConfig wires a single shard connection.
type ConnectionConfig struct {
	ID        ID
	Address   string
	Dialer    transport.Dialer
	Codec     protocol.Codec
	Handler   adapter.Handler
	OnMessage MessageHandler
	OnError   ErrorReporter
	Logger    *slog.Logger
}

// Connection is one session to the front-end. Run it once.
type Connection struct {
	cfg    ConnectionConfig
	logger *slog.Logger

	writeMu sync.Mutex
	conn    transport.Conn
}

func NewConnection(cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithShard(int(cfg.ID))
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.StdCodec()
	}
	return &Connection{cfg: cfg, logger: logger}
}

func (c *Connection) ID() ID { return c.cfg.ID }

// Run dials the front-end, serves until the session ends and reports how it
// ended. Cancelling ctx closes the session; in-flight handlers are cancelled
// and awaited before Run returns.
func (c *Connection) Run(ctx context.Context) Outcome {
	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.Address)
	if err != nil {
		c.logger.Warn("shard failed to connect", "address", c.cfg.Address, "error", err)
		return ConnectFailed
	}
	c.conn = conn
	c.logger.Debug("shard connected", "address", c.cfg.Address)

	hctx, cancel := context.WithCancel(ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		_ = conn.Close()
	}()

	var closing atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		closing.Store(true)
		c.writeMu.Lock()
		_ = transport.SendClose(conn, transport.CodeGoingAway, "worker shutting down")
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if closing.Load() {
				c.logger.Debug("shard closed by worker")
				return ClosedNaturally
			}
			if transport.Classify(err) == transport.CloseNatural {
				c.logger.Info("shard closed by front-end", "reason", err.Error())
				return ClosedNaturally
			}
			c.logger.Warn("shard closed abnormally", "error", err)
			return ClosedAbnormally
		}
		c.route(hctx, &inflight, payload)
	}
}

func (c *Connection) route(ctx context.Context, inflight *sync.WaitGroup, payload []byte) {
	req, err := protocol.DecodeRequest(c.cfg.Codec, payload)
	if err != nil {
		c.logger.Debug("non-protocol payload", "error", err, "bytes", len(payload))
		c.deliver(ctx, inflight, payload)
		return
	}

	switch req.Op {
	case protocol.OpIdentify:
		data, err := protocol.EncodeIdentify(c.cfg.Codec, int(c.cfg.ID))
		if err != nil {
			c.logger.Error("failed to encode identify", "error", err)
			return
		}
		if err := c.write(data); err != nil {
			c.logger.Debug("identify write failed", "error", err)
		}
	case protocol.OpMessage:
		c.deliver(ctx, inflight, payload)
	case protocol.OpHTTPRequest:
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			c.serve(ctx, req)
		}()
	}
}

func (c *Connection) deliver(ctx context.Context, inflight *sync.WaitGroup, payload []byte) {
	if c.cfg.OnMessage == nil {
		return
	}
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		c.cfg.OnMessage(ctx, c.cfg.ID, payload)
	}()
}

func (c *Connection) serve(ctx context.Context, req *protocol.Request) {
	resp, herr := adapter.Dispatch(ctx, req, c.cfg.Handler)

	data, err := protocol.EncodeResponse(c.cfg.Codec, resp)
	if err != nil {
		if herr == nil {
			herr = err
		}
		data, err = protocol.EncodeResponse(c.cfg.Codec, protocol.ErrorResponse(req.RequestID))
		if err != nil {
			c.logger.Error("failed to encode fallback response", "request_id", req.RequestID, "error", err)
			return
		}
	}
	if err := c.write(data); err != nil {
		log.WithRequest(c.logger, req.RequestID).Debug("response write failed", "error", err)
	}

	if herr != nil && c.cfg.OnError != nil {
		c.cfg.OnError(c.cfg.ID, req.RequestID, herr)
	}
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(transport.TextMessage, data)
}
