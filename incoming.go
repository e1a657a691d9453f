package vnet

//
// Incoming HTTP messages
//

// IncomingMessage is a received HTTP request (server side) or response
// (client side). It is populated once when created; the body is then
// delivered as a data notification followed by an end notification, after
// which the message is complete and immutable.
type IncomingMessage struct {
	body          []byte
	complete      bool
	header        *Header
	httpVersion   string
	method        string
	socket        *Socket
	stack         *Stack
	statusCode    int
	statusMessage string
	url           string

	onData []func(p []byte)
	onEnd  []func()
}

// newRequestMessage creates the server-side view of a request.
func newRequestMessage(stack *Stack, sk *Socket, req *HTTPRequest) *IncomingMessage {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	return &IncomingMessage{
		header:      req.Header.Clone(),
		httpVersion: "1.1",
		method:      method,
		socket:      sk,
		stack:       stack,
		url:         path,
	}
}

// newResponseMessage creates the client-side view of a response.
func newResponseMessage(stack *Stack, sk *Socket, code int, message string, header *Header) *IncomingMessage {
	return &IncomingMessage{
		header:        header.Clone(),
		httpVersion:   "1.1",
		socket:        sk,
		stack:         stack,
		statusCode:    code,
		statusMessage: message,
	}
}

// Method returns the request method (server side only).
func (m *IncomingMessage) Method() string {
	return m.method
}

// URL returns the request target (server side only).
func (m *IncomingMessage) URL() string {
	return m.url
}

// StatusCode returns the status code (client side only).
func (m *IncomingMessage) StatusCode() int {
	return m.statusCode
}

// StatusMessage returns the reason phrase (client side only).
func (m *IncomingMessage) StatusMessage() string {
	return m.statusMessage
}

// HTTPVersion returns the HTTP version.
func (m *IncomingMessage) HTTPVersion() string {
	return m.httpVersion
}

// Header returns a copy of the headers.
func (m *IncomingMessage) Header() *Header {
	return m.header.Clone()
}

// Headers returns the lower-cased header map.
func (m *IncomingMessage) Headers() map[string]string {
	return m.header.Map()
}

// RawHeaders returns the flat name/value sequence with the original casing.
func (m *IncomingMessage) RawHeaders() []string {
	return m.header.Raw()
}

// Socket returns the socket carrying this message.
func (m *IncomingMessage) Socket() *Socket {
	return m.socket
}

// Body returns the body bytes delivered so far.
func (m *IncomingMessage) Body() []byte {
	return append([]byte{}, m.body...)
}

// Complete returns whether the end of the body has been observed.
func (m *IncomingMessage) Complete() bool {
	return m.complete
}

// OnData registers a callback receiving body chunks.
func (m *IncomingMessage) OnData(fn func(p []byte)) {
	m.onData = append(m.onData, fn)
}

// OnEnd registers a callback for the end of the body. When the message is
// already complete the callback runs on a later turn.
func (m *IncomingMessage) OnEnd(fn func()) {
	if m.complete {
		m.stack.Loop.Post(fn)
		return
	}
	m.onEnd = append(m.onEnd, fn)
}

// deliver pushes the body on a later turn and signals the end on the next one.
func (m *IncomingMessage) deliver(body []byte) {
	data := append([]byte{}, body...)
	m.stack.Loop.Post(func() {
		if len(data) > 0 {
			m.body = data
			for _, fn := range m.onData {
				fn(data)
			}
		}
		m.stack.Loop.Post(func() {
			m.complete = true
			onEnd := m.onEnd
			m.onEnd = nil
			for _, fn := range onEnd {
				fn()
			}
		})
	})
}
