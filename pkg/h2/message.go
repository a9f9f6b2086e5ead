package h2

import (
	"strconv"
)

// Message is the application-level view of one direction of a stream: a
// header block plus an optional lazily-consumed body. Request and Response
// are its two shapes.
type Message interface {
	// Headers returns the header block in wire order.
	Headers() Headers
	// Body returns the body Stream, or nil when the body is already fully
	// observed (the wire carries a lone headers frame with end-of-stream set
	// and no Stream is ever allocated).
	Body() *Stream

	isMessage()
}

// Request is the client-to-server Message shape.
type Request struct {
	headers Headers
	body    *Stream
}

// NewRequest assembles a request from its pseudo-header components. body may
// be nil for a request with no body.
func NewRequest(scheme, method, authority, path string, body *Stream) *Request {
	hs := Headers{
		{Name: _pseudoMethod, Value: method},
		{Name: _pseudoScheme, Value: scheme},
		{Name: _pseudoAuthority, Value: authority},
		{Name: _pseudoPath, Value: path},
	}
	return &Request{headers: hs, body: body}
}

// RequestFromHeaders wraps an already-built header block, preserving its
// wire order.
func RequestFromHeaders(hs Headers, body *Stream) *Request {
	return &Request{headers: hs, body: body}
}

// Headers implements Message.
func (r *Request) Headers() Headers { return r.headers }

// Body implements Message.
func (r *Request) Body() *Stream { return r.body }

// AddHeader appends a regular header field after the existing fields.
func (r *Request) AddHeader(name, value string) {
	r.headers.Add(name, value)
}

// Method returns the :method pseudo-header.
func (r *Request) Method() string { return r.headers.Method() }

// Scheme returns the :scheme pseudo-header.
func (r *Request) Scheme() string { return r.headers.Scheme() }

// Authority returns the :authority pseudo-header.
func (r *Request) Authority() string { return r.headers.Authority() }

// Path returns the :path pseudo-header.
func (r *Request) Path() string { return r.headers.Path() }

func (*Request) isMessage() {}

// Response is the server-to-client Message shape.
type Response struct {
	headers Headers
	body    *Stream
}

// NewResponse assembles a response with the given status code. body may be
// nil for a response with no body.
func NewResponse(status int, body *Stream) *Response {
	hs := Headers{{Name: _pseudoStatus, Value: strconv.Itoa(status)}}
	return &Response{headers: hs, body: body}
}

// ResponseFromHeaders wraps an already-built header block, preserving its
// wire order.
func ResponseFromHeaders(hs Headers, body *Stream) *Response {
	return &Response{headers: hs, body: body}
}

// Headers implements Message.
func (r *Response) Headers() Headers { return r.headers }

// Body implements Message.
func (r *Response) Body() *Stream { return r.body }

// AddHeader appends a regular header field after the existing fields.
func (r *Response) AddHeader(name, value string) {
	r.headers.Add(name, value)
}

// Status returns the :status pseudo-header as an integer, 0 when absent.
func (r *Response) Status() int { return r.headers.Status() }

func (*Response) isMessage() {}
