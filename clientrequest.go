package vnet

//
// Outgoing HTTP requests
//

import (
	"bytes"
	"context"
	"net"
	"net/url"
	"strconv"
	"syscall"
	"time"
)

// RequestOptions contains config for [Stack.Request].
type RequestOptions struct {
	// Protocol is the OPTIONAL scheme, either "http:" or "https:". Default: "http:".
	Protocol string

	// Host is the OPTIONAL target host. Default: localhost.
	Host string

	// Port is the OPTIONAL target port. Default: 80 for http and 443 for https.
	Port int

	// Method is the OPTIONAL method. Default: GET.
	Method string

	// Path is the OPTIONAL request target. Default: /.
	Path string

	// Header contains the OPTIONAL request headers.
	Header *Header

	// Timeout is the OPTIONAL timeout. Zero means using the stack default.
	Timeout time.Duration
}

// ClientRequest is a pending outbound request. It has exactly one terminal
// outcome: a response, an upgrade, an error (including timeouts) or an abort.
// The zero value is invalid; please, use [Stack.Request] to construct.
type ClientRequest struct {
	aborted bool
	bridge  *bridgeSession
	cancel  context.CancelFunc
	chunks  [][]byte
	ended   bool
	header  *Header
	host    string
	method  string
	outcome *Future[*IncomingMessage]
	path    string
	port    int
	scheme  string
	stack   *Stack
	timeout time.Duration
	timer   *Timer

	onAbort    []func()
	onError    []func(err error)
	onResponse []func(res *IncomingMessage)
	onTimeout  []func()
	onUpgrade  []func(res *IncomingMessage, sk *Socket)
}

// Request creates a new [ClientRequest]. Nothing is sent before [ClientRequest.End].
func (s *Stack) Request(opts *RequestOptions) *ClientRequest {
	cr := &ClientRequest{
		header:  opts.Header.Clone(),
		host:    opts.Host,
		method:  opts.Method,
		outcome: newFuture[*IncomingMessage](s.Loop),
		path:    opts.Path,
		port:    opts.Port,
		scheme:  "http",
		stack:   s,
		timeout: opts.Timeout,
	}
	if opts.Protocol == "https:" {
		cr.scheme = "https"
	}
	if cr.host == "" {
		cr.host = "localhost"
	}
	if cr.port <= 0 {
		cr.port = 80
		if cr.scheme == "https" {
			cr.port = 443
		}
	}
	if cr.method == "" {
		cr.method = "GET"
	}
	if cr.path == "" {
		cr.path = "/"
	}
	if cr.timeout <= 0 {
		cr.timeout = s.cfg.RequestTimeout
	}
	return cr
}

// OnResponse registers the response callback.
func (cr *ClientRequest) OnResponse(fn func(res *IncomingMessage)) {
	cr.onResponse = append(cr.onResponse, fn)
}

// OnUpgrade registers the callback receiving the 101 response and the socket
// carrying WebSocket frames.
func (cr *ClientRequest) OnUpgrade(fn func(res *IncomingMessage, sk *Socket)) {
	cr.onUpgrade = append(cr.onUpgrade, fn)
}

// OnError registers the error callback.
func (cr *ClientRequest) OnError(fn func(err error)) {
	cr.onError = append(cr.onError, fn)
}

// OnTimeout registers a callback invoked when the timeout expires, right
// before the request fails with [ErrRequestTimeout].
func (cr *ClientRequest) OnTimeout(fn func()) {
	cr.onTimeout = append(cr.onTimeout, fn)
}

// OnAbort registers the abort callback.
func (cr *ClientRequest) OnAbort(fn func()) {
	cr.onAbort = append(cr.onAbort, fn)
}

// Outcome returns the terminal outcome as a [Future]. Aborts and errors
// reject it; responses and upgrades resolve it.
func (cr *ClientRequest) Outcome() *Future[*IncomingMessage] {
	return cr.outcome
}

// URL returns the target URL.
func (cr *ClientRequest) URL() string {
	return cr.urlWithScheme(cr.scheme)
}

func (cr *ClientRequest) urlWithScheme(scheme string) string {
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(cr.host, strconv.Itoa(cr.port)),
	}
	target, err := url.Parse(cr.path)
	if err != nil {
		u.Path = cr.path
		return u.String()
	}
	u.Path, u.RawPath, u.RawQuery = target.Path, target.RawPath, target.RawQuery
	return u.String()
}

// SetHeader sets a request header.
func (cr *ClientRequest) SetHeader(name, value string) error {
	if cr.ended {
		return ErrRequestEnded
	}
	cr.header.Set(name, value)
	return nil
}

// GetHeader returns the first value of a request header.
func (cr *ClientRequest) GetHeader(name string) string {
	return cr.header.Get(name)
}

// RemoveHeader removes a request header.
func (cr *ClientRequest) RemoveHeader(name string) error {
	if cr.ended {
		return ErrRequestEnded
	}
	cr.header.Del(name)
	return nil
}

// Write appends a body chunk.
func (cr *ClientRequest) Write(p []byte) (int, error) {
	if cr.ended {
		return 0, ErrRequestEnded
	}
	cr.chunks = append(cr.chunks, append([]byte{}, p...))
	return len(p), nil
}

// End appends the optional final chunk and dispatches the request on a
// later turn. A request is dispatched at most once.
func (cr *ClientRequest) End(p []byte) error {
	if cr.ended {
		return ErrRequestEnded
	}
	if len(p) > 0 {
		cr.Write(p)
	}
	cr.ended = true
	cr.stack.Loop.Post(cr.dispatch)
	return nil
}

// Abort settles the request as aborted unless it already has an outcome.
func (cr *ClientRequest) Abort() {
	if cr.aborted || !cr.outcome.reject(ErrRequestAborted) {
		return
	}
	cr.aborted = true
	cr.release(false)
	cr.stack.logger.Debugf("vnet: request %s %s: aborted", cr.method, cr.URL())
	for _, fn := range cr.onAbort {
		fn()
	}
}

// Aborted returns whether the request has been aborted.
func (cr *ClientRequest) Aborted() bool {
	return cr.aborted
}

// dispatch selects among the bridge, a local server and the host primitive.
func (cr *ClientRequest) dispatch() {
	if cr.outcome.Settled() {
		return
	}
	if cr.timeout > 0 {
		cr.timer = cr.stack.Loop.AfterFunc(cr.timeout, cr.expire)
	}
	body := bytes.Join(cr.chunks, nil)

	if IsWebSocketUpgrade(cr.header) {
		cr.startBridge()
		return
	}

	if cr.stack.IsLocalHost(cr.host) {
		cr.dispatchLocal(body)
		return
	}

	cr.dispatchHost(body)
}

// dispatchLocal routes the request to the virtual server bound to the port.
func (cr *ClientRequest) dispatchLocal(body []byte) {
	if _, found := cr.stack.Registry.Lookup(cr.port); !found {
		cr.fail(&ConnectionError{Op: "request", Err: syscall.ECONNREFUSED})
		return
	}
	future := cr.stack.Dispatch(cr.port, &HTTPRequest{
		Method: cr.method,
		Path:   cr.path,
		Header: cr.header,
		Body:   body,
	})
	future.Then(func(resp *HTTPResponse, err error) {
		if err != nil {
			cr.fail(err)
			return
		}
		msg := newResponseMessage(cr.stack, nil, resp.StatusCode, resp.StatusMessage, resp.Header)
		cr.succeed(msg, resp.Body)
	})
}

// dispatchHost sends the request using the host HTTP primitive.
func (cr *ClientRequest) dispatchHost(body []byte) {
	txp := cr.stack.cfg.HTTP
	if txp == nil {
		cr.fail(ErrNoHostTransport)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cr.cancel = cancel
	hreq := &HostRequest{
		URL:    cr.URL(),
		Method: cr.method,
		Header: cr.header.Clone(),
		Body:   body,
	}
	cr.stack.logger.Debugf("vnet: request %s %s", hreq.Method, hreq.URL)
	go func() {
		resp, err := txp.RoundTrip(ctx, hreq)
		cr.stack.Loop.Post(func() {
			if err != nil {
				cr.fail(&ConnectionError{Op: "request", Err: err})
				return
			}
			msg := newResponseMessage(cr.stack, nil, resp.Status, resp.StatusText, resp.Header)
			cr.succeed(msg, resp.Body)
		})
	}()
}

// expire handles the expiration of the timeout.
func (cr *ClientRequest) expire() {
	if cr.outcome.Settled() {
		return
	}
	cr.stack.logger.Debugf("vnet: request %s %s: timeout", cr.method, cr.URL())
	for _, fn := range cr.onTimeout {
		fn()
	}
	cr.fail(ErrRequestTimeout)
}

// release stops the timer and cancels the pending work.
func (cr *ClientRequest) release(success bool) {
	if cr.timer != nil {
		cr.timer.Stop()
	}
	if cr.cancel != nil {
		cr.cancel()
	}
	if !success && cr.bridge != nil {
		cr.bridge.abort()
	}
}

// fail settles the request with an error.
func (cr *ClientRequest) fail(err error) {
	if !cr.outcome.reject(err) {
		return
	}
	cr.release(false)
	for _, fn := range cr.onError {
		fn(err)
	}
}

// succeed settles the request with a response and delivers its body.
func (cr *ClientRequest) succeed(msg *IncomingMessage, body []byte) {
	if !cr.outcome.resolve(msg) {
		return
	}
	cr.release(true)
	for _, fn := range cr.onResponse {
		fn(msg)
	}
	msg.deliver(body)
}

// upgrade settles the request with a 101 response and the frame socket.
func (cr *ClientRequest) upgrade(msg *IncomingMessage, sk *Socket) bool {
	if !cr.outcome.resolve(msg) {
		return false
	}
	cr.release(true)
	for _, fn := range cr.onUpgrade {
		fn(msg, sk)
	}
	msg.deliver(nil)
	return true
}
