package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/mattjoyce/hydra/internal/transport Conn,Dialer

// Message types, re-exported so callers do not import the websocket package.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
	CloseMessage  = websocket.CloseMessage
)

// Conn is one message-oriented session with the front-end. ReadMessage must
// only be called from one goroutine at a time, and the same holds for
// WriteMessage. Close may be called concurrently with both.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// WebSocketDialer dials the front-end's worker endpoint over WebSocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// NewWebSocketDialer returns a dialer with the given handshake timeout.
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{HandshakeTimeout: handshakeTimeout}
}

func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, address, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

// CloseKind is how a session ended from the reader's point of view.
type CloseKind int

const (
	CloseAbnormal CloseKind = iota
	CloseNatural
)

func (k CloseKind) String() string {
	if k == CloseNatural {
		return "natural"
	}
	return "abnormal"
}

// Classify maps a read error to a CloseKind. Only a peer close frame with
// code 1000 (normal closure) or 1001 (going away) is natural.
func Classify(err error) CloseKind {
	code, ok := CloseCode(err)
	if ok && (code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway) {
		return CloseNatural
	}
	return CloseAbnormal
}

// CloseCode extracts the close frame code from err, if it carries one.
func CloseCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// SendClose writes a close frame with code and reason. The session still
// needs to be closed afterwards.
func SendClose(c Conn, code int, reason string) error {
	return c.WriteMessage(CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// Close codes used by this package's callers.
const (
	CodeNormalClosure = websocket.CloseNormalClosure
	CodeGoingAway     = websocket.CloseGoingAway
	CodeInternalError = websocket.CloseInternalServerErr
)
