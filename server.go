package vnet

//
// Virtual listening server
//

import (
	"syscall"

	"github.com/google/uuid"
)

// ServerState is the state of a [Server].
type ServerState int

const (
	// ServerClosed means that the server is not bound to any port.
	ServerClosed = ServerState(iota)

	// ServerListening means that the server is bound and accepts connections.
	ServerListening
)

// String implements fmt.Stringer
func (st ServerState) String() string {
	if st == ServerListening {
		return "listening"
	}
	return "closed"
}

// ListenOptions contains config for [Server.Listen].
type ListenOptions struct {
	// Host is the OPTIONAL host to bind. Default: 0.0.0.0.
	Host string

	// Port is the OPTIONAL port to bind. Zero means allocating an unused port.
	// Ports outside 0..65535 fail with syscall.EINVAL.
	Port int
}

// Server owns the [Socket]s accepted on a port. The zero value is invalid;
// please, use [Stack.NewServer] or [Stack.CreateHTTPServer] to construct.
type Server struct {
	addr    Addr
	conns   []*Socket
	handler HTTPHandler
	id      string
	stack   *Stack
	state   ServerState

	onClose      []func()
	onConnection []func(sk *Socket)
	onListening  []func()
}

// NewServer creates a new, closed [Server].
func (s *Stack) NewServer() *Server {
	return &Server{
		id:    uuid.NewString(),
		stack: s,
		state: ServerClosed,
	}
}

// CreateHTTPServer creates a new, closed [Server] that serves the requests
// routed to it by [Stack.Dispatch] using the given handler.
func (s *Stack) CreateHTTPServer(handler HTTPHandler) *Server {
	srv := s.NewServer()
	srv.handler = handler
	return srv
}

// ID returns the server identity.
func (srv *Server) ID() string {
	return srv.id
}

// State returns the server state.
func (srv *Server) State() ServerState {
	return srv.state
}

// Addr returns the bound address.
func (srv *Server) Addr() Addr {
	return srv.addr
}

// Connections returns the number of owned connections.
func (srv *Server) Connections() int {
	return len(srv.conns)
}

// SetHTTPHandler sets the handler used by [Stack.Dispatch].
func (srv *Server) SetHTTPHandler(handler HTTPHandler) {
	srv.handler = handler
}

// OnConnection registers a callback invoked for every accepted socket.
func (srv *Server) OnConnection(fn func(sk *Socket)) {
	srv.onConnection = append(srv.onConnection, fn)
}

// OnListening registers a callback invoked once listening.
func (srv *Server) OnListening(fn func()) {
	srv.onListening = append(srv.onListening, fn)
}

// OnClose registers a callback invoked once closed.
func (srv *Server) OnClose(fn func()) {
	srv.onClose = append(srv.onClose, fn)
}

// Listen binds the server and registers it in the stack's registry. The
// listening notification runs on a later turn.
func (srv *Server) Listen(opts *ListenOptions) error {
	if srv.state == ServerListening {
		return ErrServerListening
	}
	host, port := opts.Host, opts.Port
	if port < 0 || port > 65535 {
		return syscall.EINVAL
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if port == 0 {
		var err error
		if port, err = srv.stack.Registry.AllocatePort(); err != nil {
			return err
		}
	}
	if err := srv.stack.Registry.Register(port, srv); err != nil {
		return err
	}
	srv.addr = newAddr(host, port)
	srv.state = ServerListening
	srv.stack.logger.Debugf("vnet: server %s: listening on %s", srv.id, srv.addr.String())
	srv.stack.Loop.Post(func() {
		for _, fn := range srv.onListening {
			fn()
		}
	})
	return nil
}

// Close deregisters the server and then destroys every owned connection. The
// close notification runs after the connections' close notifications. Calling
// Close on a closed server has no effect.
func (srv *Server) Close() error {
	if srv.state != ServerListening {
		return nil
	}
	srv.stack.Registry.Deregister(srv.addr.Port, srv)
	srv.state = ServerClosed
	conns := srv.conns
	srv.conns = nil
	for _, sk := range conns {
		sk.Destroy(nil)
	}
	srv.stack.logger.Debugf("vnet: server %s: closed %s", srv.id, srv.addr.String())
	srv.stack.Loop.Post(func() {
		srv.stack.Loop.Post(func() {
			for _, fn := range srv.onClose {
				fn()
			}
		})
	})
	return nil
}

// accept takes ownership of sk when listening and otherwise destroys it.
func (srv *Server) accept(sk *Socket) bool {
	if srv.state != ServerListening {
		sk.Destroy(nil)
		return false
	}
	sk.server = srv
	srv.conns = append(srv.conns, sk)
	for _, fn := range srv.onConnection {
		fn(sk)
	}
	return true
}

// forget removes a destroyed socket from the owned connections.
func (srv *Server) forget(sk *Socket) {
	for idx, entry := range srv.conns {
		if entry == sk {
			srv.conns = append(srv.conns[:idx], srv.conns[idx+1:]...)
			return
		}
	}
}
