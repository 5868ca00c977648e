package protocol

import "fmt"

// OpCode identifies the kind of envelope exchanged with the front-end.
type OpCode int

const (
	OpIdentify    OpCode = 0
	OpHTTPRequest OpCode = 1
	OpMessage     OpCode = 2
)

func (o OpCode) String() string {
	switch o {
	case OpIdentify:
		return "identify"
	case OpHTTPRequest:
		return "http_request"
	case OpMessage:
		return "message"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Valid reports whether o is one of the known opcodes.
func (o OpCode) Valid() bool {
	return o == OpIdentify || o == OpHTTPRequest || o == OpMessage
}

// Header is a single (name, value) pair. On the wire it is a two element array.
type Header [2]string

// NewHeader builds a header pair.
func NewHeader(name, value string) Header {
	return Header{name, value}
}

func (h Header) Name() string  { return h[0] }
func (h Header) Value() string { return h[1] }

const (
	// MetaResponseType is the meta key hinting how complete a response is.
	MetaResponseType = "response_type"
	// ResponseTypeComplete marks a single-envelope response.
	ResponseTypeComplete = "complete"

	// ErrorKindApplication marks the fallback envelope sent when a handler fails.
	ErrorKindApplication = "application_error"

	// ErrorBody is the fixed body of the fallback envelope.
	ErrorBody = "A internal server error has occurred."
	// ErrorStatus is the fixed status of the fallback envelope.
	ErrorStatus = 503
)

// Request is the envelope the front-end sends to a shard.
type Request struct {
	Op        OpCode         `json:"op"`
	RequestID uint64         `json:"request_id"`
	Meta      map[string]any `json:"meta,omitempty"`
	Method    string         `json:"method,omitempty"`
	Path      string         `json:"path,omitempty"`
	Headers   []Header       `json:"headers"`
	Body      string         `json:"body"`

	// Populated by front-ends that forward connection details.
	Remote  string `json:"remote,omitempty"`
	Version string `json:"version,omitempty"`
	Query   string `json:"query,omitempty"`
}

// HeaderValue returns the first value for name (exact match) and whether it was present.
func (r *Request) HeaderValue(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name() == name {
			return h.Value(), true
		}
	}
	return "", false
}

// Response is the envelope a shard sends back for a Request.
type Response struct {
	Op        OpCode         `json:"op"`
	RequestID uint64         `json:"request_id"`
	Meta      map[string]any `json:"meta,omitempty"`
	Status    int            `json:"status"`
	Headers   []Header       `json:"headers"`
	Body      string         `json:"body"`
	MoreBody  bool           `json:"more_body"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// Identify is the handshake reply a shard sends when the front-end asks who it is.
type Identify struct {
	Op      OpCode `json:"op"`
	ShardID int    `json:"shard_id"`
}

// NewResponse builds a complete (single envelope) response for requestID.
func NewResponse(requestID uint64, status int, headers []Header, body string) *Response {
	if headers == nil {
		headers = []Header{}
	}
	return &Response{
		Op:        OpHTTPRequest,
		RequestID: requestID,
		Meta:      map[string]any{MetaResponseType: ResponseTypeComplete},
		Status:    status,
		Headers:   headers,
		Body:      body,
		MoreBody:  false,
	}
}

// ErrorResponse builds the standardized failure envelope for requestID.
func ErrorResponse(requestID uint64) *Response {
	resp := NewResponse(requestID, ErrorStatus, []Header{NewHeader("hello", "world")}, ErrorBody)
	resp.ErrorKind = ErrorKindApplication
	return resp
}
