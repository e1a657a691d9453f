package vnet

//
// Virtual stream socket
//

import (
	"math/rand"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// SocketState is the state of a [Socket].
type SocketState int

const (
	// SocketClosed is both the initial and the final state.
	SocketClosed = SocketState(iota)

	// SocketConnecting means that [Socket.Connect] has been called.
	SocketConnecting

	// SocketOpen means that the socket can read and write.
	SocketOpen

	// SocketClosing means that the socket has ended its writable side
	// and is waiting for the peer to end its own.
	SocketClosing
)

// String implements fmt.Stringer
func (st SocketState) String() string {
	switch st {
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	case SocketClosing:
		return "closing"
	default:
		return "closed"
	}
}

// socketPeer is the endpoint receiving what a [Socket] writes. It is either
// another [Socket] or a bridge session. All methods run as loop tasks.
type socketPeer interface {
	peerData(p []byte)
	peerEnd()
	peerClosed()
}

// ConnectOptions contains config for [Socket.Connect].
type ConnectOptions struct {
	// Host is the OPTIONAL host to connect to. Default: localhost.
	Host string

	// Port is the MANDATORY port to connect to.
	Port int
}

// Socket is a virtual, duplex, ordered byte stream. The zero value is
// invalid; please, use [Stack.NewSocket] to construct.
//
// Notifications run on the stack's [Loop] in this order: connect, then
// data, then end, then error, then close. Close is emitted at most once.
type Socket struct {
	id     string
	stack  *Stack
	state  SocketState
	local  Addr
	remote Addr
	peer   socketPeer
	server *Server

	// inbound contains data received but not yet emitted.
	inbound      [][]byte
	inboundEnded bool
	readEnded    bool
	writeEnded   bool
	endOnConnect bool
	paused       bool
	destroyed    bool

	bytesRead    int64
	bytesWritten int64

	// bookkeeping only
	timeout   time.Duration
	refed     bool
	noDelay   bool
	keepAlive bool

	onConnect []func()
	onData    []func(p []byte)
	onEnd     []func()
	onError   []func(err error)
	onClose   []func(hadError bool)
}

var _ socketPeer = &Socket{}

// NewSocket creates a new, unconnected [Socket].
func (s *Stack) NewSocket() *Socket {
	return &Socket{
		id:    uuid.NewString(),
		stack: s,
		state: SocketClosed,
		refed: true,
	}
}

// ID returns the socket identity.
func (sk *Socket) ID() string {
	return sk.id
}

// State returns the socket state.
func (sk *Socket) State() SocketState {
	return sk.state
}

// Destroyed returns whether [Socket.Destroy] has been called.
func (sk *Socket) Destroyed() bool {
	return sk.destroyed
}

// LocalAddr returns the local address.
func (sk *Socket) LocalAddr() Addr {
	return sk.local
}

// RemoteAddr returns the remote address.
func (sk *Socket) RemoteAddr() Addr {
	return sk.remote
}

// Server returns the server that accepted this socket, if any.
func (sk *Socket) Server() *Server {
	return sk.server
}

// BytesRead returns the number of bytes emitted as data notifications.
func (sk *Socket) BytesRead() int64 {
	return sk.bytesRead
}

// BytesWritten returns the number of bytes accepted by [Socket.Write].
func (sk *Socket) BytesWritten() int64 {
	return sk.bytesWritten
}

// OnConnect registers a connect callback.
func (sk *Socket) OnConnect(fn func()) {
	sk.onConnect = append(sk.onConnect, fn)
}

// OnData registers a data callback.
func (sk *Socket) OnData(fn func(p []byte)) {
	sk.onData = append(sk.onData, fn)
}

// OnEnd registers a callback for when the peer ends its writable side.
func (sk *Socket) OnEnd(fn func()) {
	sk.onEnd = append(sk.onEnd, fn)
}

// OnError registers an error callback.
func (sk *Socket) OnError(fn func(err error)) {
	sk.onError = append(sk.onError, fn)
}

// OnClose registers a close callback.
func (sk *Socket) OnClose(fn func(hadError bool)) {
	sk.onClose = append(sk.onClose, fn)
}

// Connect starts connecting to the server bound to the given port. The socket is
// [SocketConnecting] when Connect returns and becomes [SocketOpen] on a later
// turn. Failures are reported as error notifications.
func (sk *Socket) Connect(opts *ConnectOptions) error {
	if sk.destroyed || sk.state != SocketClosed {
		return ErrSocketInUse
	}
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	sk.state = SocketConnecting
	sk.remote = newAddr(host, opts.Port)
	sk.stack.logger.Debugf("vnet: socket %s: connect %s", sk.id, sk.remote.String())
	sk.stack.resolve(host, func(addrs []string, err error) {
		sk.dial(addrs, opts.Port, err)
	})
	return nil
}

// dial completes [Socket.Connect] once the host has been resolved.
func (sk *Socket) dial(addrs []string, port int, err error) {
	if sk.destroyed {
		return
	}
	if err != nil {
		sk.Destroy(&ConnectionError{Op: "connect", Err: err})
		return
	}
	if len(addrs) > 0 {
		sk.remote = newAddr(canonicalHost(addrs[0]), port)
	}
	srv, found := sk.stack.Registry.Lookup(port)
	if !found || srv.State() != ServerListening {
		sk.Destroy(&ConnectionError{Op: "connect", Err: syscall.ECONNREFUSED})
		return
	}
	sk.local = newAddr(sk.remote.Host, sk.stack.randomEphemeralPort())
	other := sk.stack.NewSocket()
	other.local, other.remote = sk.remote, sk.local
	sk.peer, other.peer = other, sk
	other.setOpen()
	if !srv.accept(other) {
		sk.Destroy(&ConnectionError{Op: "connect", Err: syscall.ECONNREFUSED})
		return
	}
	sk.setOpen()
	sk.stack.logger.Debugf("vnet: socket %s: connected %s", sk.id, sk.remote.String())
	for _, fn := range sk.onConnect {
		fn()
	}
}

// canonicalHost maps the localhost name to its address.
func canonicalHost(host string) string {
	if host == "localhost" {
		return "127.0.0.1"
	}
	return host
}

// randomEphemeralPort returns an ephemeral port for the client side of a connection.
func (s *Stack) randomEphemeralPort() int {
	return s.cfg.EphemeralPortMin + rand.Intn(s.cfg.EphemeralPortMax-s.cfg.EphemeralPortMin+1)
}

// setOpen moves the socket to the open state.
func (sk *Socket) setOpen() {
	sk.state = SocketOpen
	if sk.endOnConnect {
		sk.End()
	}
}

// Write queues p for delivery to the peer. When the socket is not open (or
// has already ended its writable side) Write has no effect and returns
// [ErrSocketClosed].
func (sk *Socket) Write(p []byte) (int, error) {
	if sk.destroyed || sk.state != SocketOpen || sk.writeEnded || sk.peer == nil {
		return 0, ErrSocketClosed
	}
	data := append([]byte{}, p...)
	sk.bytesWritten += int64(len(data))
	peer := sk.peer
	sk.stack.Loop.Post(func() {
		peer.peerData(data)
	})
	return len(p), nil
}

// End ends the writable side. The peer observes end-of-stream after the data
// written so far. Calling End while connecting ends once connected.
func (sk *Socket) End() error {
	switch {
	case sk.destroyed:
		return ErrSocketClosed
	case sk.state == SocketConnecting:
		sk.endOnConnect = true
		return nil
	case sk.writeEnded:
		return nil
	case sk.state != SocketOpen:
		return ErrSocketClosed
	}
	sk.writeEnded = true
	sk.state = SocketClosing
	if peer := sk.peer; peer != nil {
		sk.stack.Loop.Post(peer.peerEnd)
	}
	sk.maybeFinish()
	return nil
}

// Destroy closes the socket. When err is not nil, an error notification
// precedes the close notification. Calling Destroy again has no effect.
func (sk *Socket) Destroy(err error) {
	if sk.destroyed {
		return
	}
	sk.destroyed = true
	sk.state = SocketClosed
	sk.inbound = nil
	if peer := sk.peer; peer != nil {
		sk.stack.Loop.Post(peer.peerClosed)
	}
	if srv := sk.server; srv != nil {
		srv.forget(sk)
	}
	if err != nil {
		sk.stack.logger.Debugf("vnet: socket %s: destroy: %s", sk.id, err.Error())
	}
	sk.stack.Loop.Post(func() {
		if err != nil {
			for _, fn := range sk.onError {
				fn(err)
			}
		}
		sk.stack.Loop.Post(func() {
			for _, fn := range sk.onClose {
				fn(err != nil)
			}
		})
	})
}

// Pause stops emitting data notifications; data accumulates in the inbound queue.
func (sk *Socket) Pause() {
	sk.paused = true
}

// Resume restarts emitting data notifications on a later turn.
func (sk *Socket) Resume() {
	if !sk.paused {
		return
	}
	sk.paused = false
	sk.stack.Loop.Post(sk.flush)
}

// SetTimeout records the idle timeout.
func (sk *Socket) SetTimeout(d time.Duration) {
	sk.timeout = d
}

// Timeout returns the idle timeout set with [Socket.SetTimeout].
func (sk *Socket) Timeout() time.Duration {
	return sk.timeout
}

// Ref marks the socket as keeping the process alive.
func (sk *Socket) Ref() {
	sk.refed = true
}

// Unref marks the socket as not keeping the process alive.
func (sk *Socket) Unref() {
	sk.refed = false
}

// Refed returns whether the socket is referenced.
func (sk *Socket) Refed() bool {
	return sk.refed
}

// SetNoDelay records the no-delay option.
func (sk *Socket) SetNoDelay(value bool) {
	sk.noDelay = value
}

// SetKeepAlive records the keep-alive option.
func (sk *Socket) SetKeepAlive(value bool) {
	sk.keepAlive = value
}

// peerData implements socketPeer
func (sk *Socket) peerData(p []byte) {
	if sk.destroyed || sk.inboundEnded {
		return
	}
	sk.inbound = append(sk.inbound, p)
	sk.flush()
}

// peerEnd implements socketPeer
func (sk *Socket) peerEnd() {
	if sk.destroyed {
		return
	}
	sk.inboundEnded = true
	sk.flush()
}

// peerClosed implements socketPeer
func (sk *Socket) peerClosed() {
	if sk.destroyed {
		return
	}
	sk.inboundEnded = true
	sk.flush()
	sk.Destroy(nil)
}

// flush emits the queued data and then, if the peer has ended, end-of-stream.
func (sk *Socket) flush() {
	for len(sk.inbound) > 0 && !sk.paused && !sk.destroyed {
		chunk := sk.inbound[0]
		sk.inbound = sk.inbound[1:]
		sk.bytesRead += int64(len(chunk))
		for _, fn := range sk.onData {
			fn(chunk)
		}
	}
	if len(sk.inbound) > 0 || sk.paused || sk.destroyed || !sk.inboundEnded || sk.readEnded {
		return
	}
	sk.readEnded = true
	for _, fn := range sk.onEnd {
		fn()
	}
	if !sk.destroyed {
		sk.End()
		sk.maybeFinish()
	}
}

// maybeFinish destroys the socket once both sides have ended.
func (sk *Socket) maybeFinish() {
	if sk.readEnded && sk.writeEnded {
		sk.Destroy(nil)
	}
}
