package vnet

//
// Outgoing HTTP responses
//

import (
	"bytes"
	"fmt"
	"net/http"
)

// HTTPRequest is a request routed to a virtual server.
type HTTPRequest struct {
	// Method is the OPTIONAL method. Default: GET.
	Method string

	// Path is the OPTIONAL request target. Default: /.
	Path string

	// Header contains the OPTIONAL request headers.
	Header *Header

	// Body is the OPTIONAL request body.
	Body []byte
}

// HTTPResponse is the outcome of an exchange with a virtual server.
type HTTPResponse struct {
	StatusCode    int
	StatusMessage string
	Header        *Header
	Body          []byte
}

// HTTPHandler serves requests routed to a virtual server.
type HTTPHandler interface {
	ServeVirtualHTTP(res *OutgoingResponse, req *IncomingMessage)
}

// HTTPHandlerFunc adapts a func to [HTTPHandler].
type HTTPHandlerFunc func(res *OutgoingResponse, req *IncomingMessage)

// ServeVirtualHTTP implements HTTPHandler
func (fn HTTPHandlerFunc) ServeVirtualHTTP(res *OutgoingResponse, req *IncomingMessage) {
	fn(res, req)
}

// OutgoingResponse is the response a handler writes. Headers and status are
// mutable until the first [OutgoingResponse.Write] or [OutgoingResponse.End].
type OutgoingResponse struct {
	chunks        [][]byte
	done          func(resp *HTTPResponse)
	finished      bool
	header        *Header
	headersSent   bool
	onFinish      []func()
	stack         *Stack
	statusCode    int
	statusMessage string
}

// newOutgoingResponse creates a response calling done once ended.
func newOutgoingResponse(stack *Stack, done func(resp *HTTPResponse)) *OutgoingResponse {
	return &OutgoingResponse{
		done:       done,
		header:     &Header{},
		stack:      stack,
		statusCode: http.StatusOK,
	}
}

// StatusCode returns the status code.
func (r *OutgoingResponse) StatusCode() int {
	return r.statusCode
}

// StatusMessage returns the reason phrase, defaulting to the standard one.
func (r *OutgoingResponse) StatusMessage() string {
	if r.statusMessage != "" {
		return r.statusMessage
	}
	return http.StatusText(r.statusCode)
}

// HeadersSent returns whether headers can no longer change.
func (r *OutgoingResponse) HeadersSent() bool {
	return r.headersSent
}

// Finished returns whether [OutgoingResponse.End] has been called.
func (r *OutgoingResponse) Finished() bool {
	return r.finished
}

// SetStatusCode sets the status code.
func (r *OutgoingResponse) SetStatusCode(code int) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	r.statusCode = code
	return nil
}

// WriteHead sets status and headers and freezes them. An empty message
// selects the standard reason phrase.
func (r *OutgoingResponse) WriteHead(code int, message string, fields ...HeaderField) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	r.statusCode, r.statusMessage = code, message
	for _, f := range fields {
		r.header.Set(f.Name, f.Value)
	}
	r.headersSent = true
	return nil
}

// SetHeader sets a header.
func (r *OutgoingResponse) SetHeader(name, value string) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	r.header.Set(name, value)
	return nil
}

// AddHeader appends a header.
func (r *OutgoingResponse) AddHeader(name, value string) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	r.header.Add(name, value)
	return nil
}

// GetHeader returns the first value of a header.
func (r *OutgoingResponse) GetHeader(name string) string {
	return r.header.Get(name)
}

// HasHeader returns whether a header is set.
func (r *OutgoingResponse) HasHeader(name string) bool {
	return r.header.Has(name)
}

// HeaderNames returns the lower-cased names of the headers.
func (r *OutgoingResponse) HeaderNames() []string {
	return r.header.Names()
}

// RemoveHeader removes a header.
func (r *OutgoingResponse) RemoveHeader(name string) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	r.header.Del(name)
	return nil
}

// OnFinish registers a callback invoked once the exchange has been resolved.
func (r *OutgoingResponse) OnFinish(fn func()) {
	r.onFinish = append(r.onFinish, fn)
}

// Write appends a body chunk. After [OutgoingResponse.End], Write has no
// effect and returns [ErrWriteAfterEnd].
func (r *OutgoingResponse) Write(p []byte) (int, error) {
	if r.finished {
		return 0, ErrWriteAfterEnd
	}
	r.headersSent = true
	r.chunks = append(r.chunks, append([]byte{}, p...))
	return len(p), nil
}

// End appends the optional final chunk, freezes the response and resolves
// the exchange on a later turn. Calling End again has no effect.
func (r *OutgoingResponse) End(p []byte) error {
	if r.finished {
		return nil
	}
	if len(p) > 0 {
		r.Write(p)
	}
	r.headersSent = true
	r.finished = true
	resp := &HTTPResponse{
		StatusCode:    r.statusCode,
		StatusMessage: r.StatusMessage(),
		Header:        r.header.Clone(),
		Body:          bytes.Join(r.chunks, nil),
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	r.stack.Loop.Post(func() {
		r.done(resp)
		for _, fn := range r.onFinish {
			fn()
		}
	})
	return nil
}

// Head serializes the HTTP/1.1 status line and headers.
func (r *OutgoingResponse) Head() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", r.statusCode, r.StatusMessage())
	for _, f := range r.header.Fields() {
		fmt.Fprintf(&buf, "%s: %s\r\n", f.Name, f.Value)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
