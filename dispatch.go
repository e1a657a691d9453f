package vnet

//
// Routing requests to virtual servers
//

import (
	"syscall"
)

// Dispatch routes a synthesized request to the [HTTPHandler] of the server
// listening on port and returns the eventual response. The exchange runs
// over a pair of connected sockets whose server side is owned by the server
// until the response ends. When no HTTP server listens on port, the future
// fails with a [*ConnectionError] wrapping syscall.ECONNREFUSED.
func (s *Stack) Dispatch(port int, req *HTTPRequest) *Future[*HTTPResponse] {
	future := newFuture[*HTTPResponse](s.Loop)
	srv, found := s.Registry.Lookup(port)
	if !found || srv.State() != ServerListening || srv.handler == nil {
		s.Loop.Post(func() {
			future.reject(&ConnectionError{Op: "dispatch", Err: syscall.ECONNREFUSED})
		})
		return future
	}

	serverSide, ok := s.pipe(srv)
	if !ok {
		s.Loop.Post(func() {
			future.reject(&ConnectionError{Op: "dispatch", Err: syscall.ECONNREFUSED})
		})
		return future
	}

	msg := newRequestMessage(s, serverSide, req)
	res := newOutgoingResponse(s, func(resp *HTTPResponse) {
		future.resolve(resp)
		serverSide.Destroy(nil)
	})
	handler := srv.handler
	s.logger.Debugf("vnet: dispatch %s %s to port %d", msg.Method(), msg.URL(), port)
	s.Loop.Post(func() {
		handler.ServeVirtualHTTP(res, msg)
		msg.deliver(req.Body)
	})
	return future
}

// pipe creates a pair of open sockets, hands the server side to srv and
// returns it along with whether srv accepted it.
func (s *Stack) pipe(srv *Server) (*Socket, bool) {
	client, server := s.NewSocket(), s.NewSocket()
	client.local = newAddr("127.0.0.1", s.randomEphemeralPort())
	client.remote = newAddr("127.0.0.1", srv.Addr().Port)
	server.local, server.remote = client.remote, client.local
	client.peer, server.peer = server, client
	client.setOpen()
	server.setOpen()
	if !srv.accept(server) {
		return nil, false
	}
	return server, true
}
