// Package frontend is a small Go stand-in for the native front-end. It
// accepts worker shards on /workers and forwards public HTTP requests to them.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/protocol"
)

const (
	WorkersPath           = "/workers"
	DefaultRequestTimeout = 30 * time.Second
	handshakeTimeout      = 5 * time.Second
)

var (
	ErrNoShards = errors.New("no worker shards connected")
	ErrTimeout  = errors.New("worker did not answer in time")
	errGone     = errors.New("shard disconnected")
)

// Options configures a Server.
type Options struct {
	WorkerPort     int
	BindAddr       string
	BindPort       int
	Codec          protocol.Codec
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server pairs the worker endpoint with the public listener.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	shards []*peer

	rr    atomic.Uint64
	reqID atomic.Uint64

	changed chan struct{}
}

func New(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = protocol.Fallback(protocol.FastCodec(), protocol.StdCodec())
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.BindAddr == "" {
		opts.BindAddr = "127.0.0.1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("frontend")
	}
	return &Server{
		opts:    opts,
		logger:  logger,
		changed: make(chan struct{}),
	}
}

type peer struct {
	shardID int
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Response
	gone    bool
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) await(id uint64) (chan *protocol.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return nil, errGone
	}
	ch := make(chan *protocol.Response, 1)
	p.pending[id] = ch
	return ch, nil
}

func (p *peer) forget(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *peer) deliver(resp *protocol.Response) bool {
	p.mu.Lock()
	ch, ok := p.pending[resp.RequestID]
	delete(p.pending, resp.RequestID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// drop fails every waiter by closing its channel.
func (p *peer) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// WorkersHandler accepts shard sessions.
func (s *Server) WorkersHandler() http.Handler {
	return http.HandlerFunc(s.serveWorker)
}

func (s *Server) serveWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("worker upgrade failed", "error", err)
		return
	}

	p, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("worker handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	s.register(p)
	s.logger.Info("shard connected", "shard_id", p.shardID, "remote", r.RemoteAddr)

	defer func() {
		s.unregister(p)
		p.drop()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("shard disconnected", "shard_id", p.shardID, "error", err)
			return
		}
		resp, err := protocol.DecodeResponse(s.opts.Codec, payload)
		if err != nil {
			s.logger.Warn("bad envelope from shard", "shard_id", p.shardID, "error", err)
			continue
		}
		if !p.deliver(resp) {
			s.logger.Debug("response for unknown request", "shard_id", p.shardID, "request_id", resp.RequestID)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*peer, error) {
	hello, err := s.opts.Codec.Marshal(map[string]int{"op": int(protocol.OpIdentify)})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return nil, fmt.Errorf("send identify: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read identify: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	id, err := protocol.DecodeIdentify(s.opts.Codec, payload)
	if err != nil {
		return nil, err
	}
	return &peer{shardID: id.ShardID, conn: conn, pending: make(map[uint64]chan *protocol.Response)}, nil
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	s.shards = append(s.shards, p)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	for i, q := range s.shards {
		if q == p {
			s.shards = append(s.shards[:i], s.shards[i+1:]...)
			break
		}
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Shards lists connected shard ids.
func (s *Server) Shards() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.shards))
	for _, p := range s.shards {
		ids = append(ids, p.shardID)
	}
	sort.Ints(ids)
	return ids
}

// WaitForShards blocks until at least n shards are connected or ctx ends.
func (s *Server) WaitForShards(ctx context.Context, n int) error {
	for {
		s.mu.RLock()
		have := len(s.shards)
		changed := s.changed
		s.mu.RUnlock()
		if have >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) pick() (*peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.shards) == 0 {
		return nil, ErrNoShards
	}
	return s.shards[s.rr.Add(1)%uint64(len(s.shards))], nil
}

// Forward sends req to the next shard and waits for its response.
func (s *Server) Forward(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	p, err := s.pick()
	if err != nil {
		return nil, err
	}
	if req.RequestID == 0 {
		req.RequestID = s.reqID.Add(1)
	}
	req.Op = protocol.OpHTTPRequest

	ch, err := p.await(req.RequestID)
	if err != nil {
		return nil, err
	}
	defer p.forget(req.RequestID)

	data, err := protocol.EncodeRequest(s.opts.Codec, req)
	if err != nil {
		return nil, err
	}
	if err := p.write(data); err != nil {
		return nil, fmt.Errorf("send to shard %d: %w", p.shardID, err)
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errGone
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublicHandler forwards every public request to a shard.
func (s *Server) PublicHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", s.servePublic)
	return r
}

func (s *Server) servePublic(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	resp, err := s.Forward(r.Context(), &protocol.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Version: r.Proto,
		Remote:  r.RemoteAddr,
		Headers: headerPairs(r),
		Body:    string(body),
	})
	switch {
	case errors.Is(err, ErrTimeout):
		http.Error(w, "Automated Timeout", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Warn("forward failed", "path", r.URL.Path, "error", err)
		http.Error(w, "No worker available", http.StatusServiceUnavailable)
		return
	}

	for _, h := range resp.Headers {
		w.Header().Add(h.Name(), h.Value())
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

func headerPairs(r *http.Request) []protocol.Header {
	names := make([]string, 0, len(r.Header)+1)
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]protocol.Header, 0, len(names)+1)
	if r.Host != "" {
		out = append(out, protocol.NewHeader("Host", r.Host))
	}
	for _, name := range names {
		for _, v := range r.Header[name] {
			out = append(out, protocol.NewHeader(name, v))
		}
	}
	return out
}

// CloseShards sends a normal-closure frame to every shard.
func (s *Server) CloseShards() {
	s.mu.RLock()
	peers := append([]*peer(nil), s.shards...)
	s.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "front-end shutting down")
	for _, p := range peers {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
	}
}

// Run serves both listeners until ctx is cancelled, then closes every shard
// naturally and shuts the listeners down.
func (s *Server) Run(ctx context.Context) error {
	workerLn, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.opts.WorkerPort)))
	if err != nil {
		return fmt.Errorf("listen for workers: %w", err)
	}
	publicLn, err := listenShared(ctx, net.JoinHostPort(s.opts.BindAddr, strconv.Itoa(s.opts.BindPort)))
	if err != nil {
		_ = workerLn.Close()
		return fmt.Errorf("listen for public traffic: %w", err)
	}
	return s.Serve(ctx, workerLn, publicLn)
}

// Serve is Run over listeners the caller already opened.
func (s *Server) Serve(ctx context.Context, workerLn, publicLn net.Listener) error {
	workerMux := http.NewServeMux()
	workerMux.Handle(WorkersPath, s.WorkersHandler())

	workerSrv := &http.Server{Handler: workerMux, ReadHeaderTimeout: 5 * time.Second}
	publicSrv := &http.Server{Handler: s.PublicHandler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() { errCh <- workerSrv.Serve(workerLn) }()
	go func() { errCh <- publicSrv.Serve(publicLn) }()

	s.logger.Info("front-end listening", "workers", workerLn.Addr().String(), "public", publicLn.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = workerSrv.Close()
			_ = publicSrv.Close()
			return err
		}
	}

	s.logger.Info("front-end shutting down")
	s.CloseShards()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = workerSrv.Shutdown(shutdownCtx)
	return nil
}
