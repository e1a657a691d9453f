package vnet

//
// Replacement for [net] on top of a virtual stack
//

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// UnderlyingNetwork is the subset of the [net] package that [Net] emulates.
type UnderlyingNetwork interface {
	// DialContext dials a TCP connection. Unlike [net.DialContext], this
	// function does not implement dialing when address contains a domain.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)

	// LookupHost is like [net.Resolver.LookupHost].
	LookupHost(ctx context.Context, domain string) ([]string, error)

	// ListenTCP creates a new listening TCP socket.
	ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error)
}

// Net is a drop-in replacement for the [net] package using virtual sockets.
// The stack's loop MUST be running on another goroutine. The zero value is
// invalid; please init all the MANDATORY fields.
type Net struct {
	// Stack is the MANDATORY underlying stack.
	Stack *Stack
}

// ErrDial contains all the errors occurred during a [DialContext] operation.
type ErrDial struct {
	// Errors contains the list of errors.
	Errors []error
}

var _ error = &ErrDial{}

// Error implements error
func (e *ErrDial) Error() string {
	var b strings.Builder
	b.WriteString("dial failed: ")
	for index, err := range e.Errors {
		b.WriteString(err.Error())
		if index < len(e.Errors)-1 {
			b.WriteString("; ")
		}
	}
	return b.String()
}

// Unwrap returns the individual dial errors.
func (e *ErrDial) Unwrap() []error {
	return e.Errors
}

// DialContext is a drop-in replacement for [net.Dialer.DialContext].
func (n *Net) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, syscall.EPROTOTYPE
	}

	// determine the domain or IP address we're connecting to
	domain, portString, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portString)
	if err != nil {
		return nil, err
	}

	// make sure we have addresses to try
	var addresses []string
	switch {
	case n.Stack.IsLocalHost(domain) || net.ParseIP(domain) != nil:
		addresses = append(addresses, domain)
	default:
		addresses, err = n.LookupHost(ctx, domain)
		if err != nil {
			return nil, err
		}
	}

	// try each available address
	errlist := &ErrDial{}
	for _, ip := range addresses {
		conn, err := n.dial(ctx, ip, port)
		if err != nil {
			endpoint := net.JoinHostPort(ip, portString)
			errlist.Errors = append(errlist.Errors, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		return conn, nil
	}

	return nil, errlist
}

// dial connects a single virtual socket and waits for the outcome.
func (n *Net) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	var (
		loop = n.Stack.Loop
		sk   = n.Stack.NewSocket()
		ch   = make(chan result, 1)
	)
	loop.Post(func() {
		conn := newConn(loop, sk)
		done := false
		sk.OnConnect(func() {
			done = true
			ch <- result{conn, nil}
		})
		sk.OnError(func(err error) {
			if !done {
				done = true
				ch <- result{nil, err}
			}
		})
		if err := sk.Connect(&ConnectOptions{Host: host, Port: port}); err != nil {
			done = true
			ch <- result{nil, err}
		}
	})
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		loop.Post(func() {
			sk.Destroy(nil)
		})
		return nil, ctx.Err()
	}
}

// LookupHost is a drop-in replacement for [net.Resolver.LookupHost].
func (n *Net) LookupHost(ctx context.Context, domain string) ([]string, error) {
	if n.Stack.IsLocalHost(domain) || net.ParseIP(domain) != nil {
		return []string{domain}, nil
	}
	resolver := n.Stack.cfg.Resolver
	if resolver == nil {
		return nil, &net.DNSError{Err: "no resolver configured", Name: domain, IsNotFound: true}
	}
	return resolver.LookupHost(ctx, domain)
}

// ListenTCP is a drop-in replacement for [net.ListenTCP].
func (n *Net) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, syscall.EPROTOTYPE
	}
	type result struct {
		ln  *Listener
		err error
	}
	var (
		loop = n.Stack.Loop
		ch   = make(chan result, 1)
	)
	loop.Post(func() {
		srv := n.Stack.NewServer()
		ln := newListener(loop, srv)
		opts := &ListenOptions{}
		if addr != nil {
			opts.Port = addr.Port
			if addr.IP != nil {
				opts.Host = addr.IP.String()
			}
		}
		if err := srv.Listen(opts); err != nil {
			ch <- result{nil, err}
			return
		}
		ln.addr = srv.Addr()
		ch <- result{ln, nil}
	})
	r := <-ch
	if r.err != nil {
		return nil, r.err
	}
	return r.ln, nil
}

var _ UnderlyingNetwork = &Net{}
