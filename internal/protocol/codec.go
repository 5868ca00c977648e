package protocol

import (
	stdjson "encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

var (
	ErrMissingOp        = errors.New("envelope missing required field: op")
	ErrUnknownOp        = errors.New("envelope has unknown op")
	ErrMissingRequestID = errors.New("http request envelope missing required field: request_id")
	ErrEmptyPayload     = errors.New("empty payload")
)

// Codec is a serialization strategy for envelopes. One is chosen at startup
// and passed to whoever needs it.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	CodecFast = "fast"
	CodecStd  = "std"
)

// NewCodec returns the named codec. "fast" is goccy/go-json with an
// encoding/json fallback; "std" is encoding/json alone.
func NewCodec(name string) (Codec, error) {
	switch name {
	case CodecFast, "":
		return Fallback(FastCodec(), StdCodec()), nil
	case CodecStd:
		return StdCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want %q or %q)", name, CodecFast, CodecStd)
	}
}

type stdCodec struct{}

// StdCodec returns the encoding/json codec.
func StdCodec() Codec { return stdCodec{} }

func (stdCodec) Name() string                       { return CodecStd }
func (stdCodec) Marshal(v any) ([]byte, error)      { return stdjson.Marshal(v) }
func (stdCodec) Unmarshal(data []byte, v any) error { return stdjson.Unmarshal(data, v) }

type fastCodec struct{}

// FastCodec returns the goccy/go-json codec.
func FastCodec() Codec { return fastCodec{} }

func (fastCodec) Name() string                       { return CodecFast }
func (fastCodec) Marshal(v any) ([]byte, error)      { return gojson.Marshal(v) }
func (fastCodec) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }

type fallbackCodec struct {
	primary   Codec
	secondary Codec
}

// Fallback composes two codecs: operations run on primary and are retried on
// secondary when primary fails.
func Fallback(primary, secondary Codec) Codec {
	return fallbackCodec{primary: primary, secondary: secondary}
}

func (c fallbackCodec) Name() string { return c.primary.Name() }

func (c fallbackCodec) Marshal(v any) ([]byte, error) {
	data, err := c.primary.Marshal(v)
	if err == nil {
		return data, nil
	}
	return c.secondary.Marshal(v)
}

func (c fallbackCodec) Unmarshal(data []byte, v any) error {
	if err := c.primary.Unmarshal(data, v); err == nil {
		return nil
	}
	return c.secondary.Unmarshal(data, v)
}

// wireRequest mirrors Request with pointers for the fields that must be present.
type wireRequest struct {
	Op        *OpCode        `json:"op"`
	RequestID *uint64        `json:"request_id"`
	Meta      map[string]any `json:"meta"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Headers   []Header       `json:"headers"`
	Body      string         `json:"body"`
	Remote    string         `json:"remote"`
	Version   string         `json:"version"`
	Query     string         `json:"query"`
}

// DecodeRequest parses an inbound envelope. Any error means the payload is not
// protocol traffic and should be handed to the message handler as-is.
func DecodeRequest(c Codec, payload []byte) (*Request, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var w wireRequest
	if err := c.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if w.Op == nil {
		return nil, ErrMissingOp
	}
	if !w.Op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, int(*w.Op))
	}
	if *w.Op == OpHTTPRequest && w.RequestID == nil {
		return nil, ErrMissingRequestID
	}

	req := &Request{
		Op:      *w.Op,
		Meta:    w.Meta,
		Method:  w.Method,
		Path:    w.Path,
		Headers: w.Headers,
		Body:    w.Body,
		Remote:  w.Remote,
		Version: w.Version,
		Query:   w.Query,
	}
	if w.RequestID != nil {
		req.RequestID = *w.RequestID
	}
	if req.Headers == nil {
		req.Headers = []Header{}
	}
	return req, nil
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(c Codec, req *Request) ([]byte, error) {
	if !req.Op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, int(req.Op))
	}
	out := *req
	if out.Headers == nil {
		out.Headers = []Header{}
	}
	data, err := c.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// EncodeResponse serializes a response envelope. The op is always HttpRequest.
func EncodeResponse(c Codec, resp *Response) ([]byte, error) {
	out := *resp
	out.Op = OpHTTPRequest
	if out.Headers == nil {
		out.Headers = []Header{}
	}
	data, err := c.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// EncodeIdentify serializes the handshake reply for shardID.
func EncodeIdentify(c Codec, shardID int) ([]byte, error) {
	data, err := c.Marshal(&Identify{Op: OpIdentify, ShardID: shardID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode identify: %w", err)
	}
	return data, nil
}

type wireInbound struct {
	Op        *OpCode        `json:"op"`
	ShardID   *int           `json:"shard_id"`
	RequestID *uint64        `json:"request_id"`
	Meta      map[string]any `json:"meta"`
	Status    int            `json:"status"`
	Headers   []Header       `json:"headers"`
	Body      string         `json:"body"`
	MoreBody  bool           `json:"more_body"`
	ErrorKind string         `json:"error_kind"`
}

// DecodeIdentify parses a shard's handshake reply.
func DecodeIdentify(c Codec, payload []byte) (*Identify, error) {
	var w wireInbound
	if err := c.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("failed to decode identify: %w", err)
	}
	if w.Op == nil {
		return nil, ErrMissingOp
	}
	if *w.Op != OpIdentify {
		return nil, fmt.Errorf("expected identify, got %s", *w.Op)
	}
	if w.ShardID == nil {
		return nil, errors.New("identify missing required field: shard_id")
	}
	return &Identify{Op: OpIdentify, ShardID: *w.ShardID}, nil
}

// DecodeResponse parses a response envelope sent by a shard.
func DecodeResponse(c Codec, payload []byte) (*Response, error) {
	var w wireInbound
	if err := c.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if w.Op == nil {
		return nil, ErrMissingOp
	}
	if *w.Op != OpHTTPRequest {
		return nil, fmt.Errorf("expected http response, got %s", *w.Op)
	}
	if w.RequestID == nil {
		return nil, errors.New("response missing required field: request_id")
	}
	if w.Status < 100 || w.Status > 999 {
		return nil, fmt.Errorf("invalid status value: %d", w.Status)
	}
	if w.Headers == nil {
		w.Headers = []Header{}
	}
	return &Response{
		Op:        OpHTTPRequest,
		RequestID: *w.RequestID,
		Meta:      w.Meta,
		Status:    w.Status,
		Headers:   w.Headers,
		Body:      w.Body,
		MoreBody:  w.MoreBody,
		ErrorKind: w.ErrorKind,
	}, nil
}
