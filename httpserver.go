package vnet

//
// HTTP server
//

import (
	"net"
	"net/http"
)

// HTTPListenAndServe creates a new virtual listener bound to the given port and
// serves the given handler using an [http.Server]. The stack's loop MUST be
// running on another goroutine. This function returns when the listener is
// closed, e.g., because of [Stack.Close].
func HTTPListenAndServe(stack *Stack, port int, mux http.Handler) error {
	ns := &Net{stack}
	addr := &net.TCPAddr{
		IP:   net.IPv4zero,
		Port: port,
	}
	listener, err := ns.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	return HTTPServe(stack, listener, mux)
}

// HTTPServe serves the given handler on an existing virtual listener.
func HTTPServe(stack *Stack, listener net.Listener, mux http.Handler) error {
	stack.Logger().Debugf("vnet: http: start %s/tcp", listener.Addr().String())
	server := &http.Server{
		Handler: mux,
	}
	err := server.Serve(listener)
	stack.Logger().Debugf("vnet: http: stop %s/tcp", listener.Addr().String())
	return err
}
