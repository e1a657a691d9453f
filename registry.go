package vnet

//
// Port to server registry
//

import (
	"math/rand"
	"sort"
	"sync"
	"syscall"
)

// RegistryEvent describes a change of the [ServerRegistry].
type RegistryEvent struct {
	// Port is the affected port.
	Port int

	// Server is the server that has been registered or deregistered.
	Server *Server

	// Registered is true on registration and false on deregistration.
	Registered bool
}

// ServerRegistry maps ports to the [Server] listening on them. Servers
// register themselves on [Server.Listen] and deregister on [Server.Close].
// The zero value is invalid; please, use [NewServerRegistry].
type ServerRegistry struct {
	listeners []func(ev RegistryEvent)
	maxPort   int
	minPort   int
	mu        sync.Mutex
	servers   map[int]*Server
}

// NewServerRegistry creates a registry allocating ephemeral ports in [minPort, maxPort].
func NewServerRegistry(minPort, maxPort int) *ServerRegistry {
	return &ServerRegistry{
		maxPort: maxPort,
		minPort: minPort,
		mu:      sync.Mutex{},
		servers: map[int]*Server{},
	}
}

// OnChange registers a callback invoked on every registration and deregistration.
func (r *ServerRegistry) OnChange(fn func(ev RegistryEvent)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Register binds srv to port or returns syscall.EADDRINUSE.
func (r *ServerRegistry) Register(port int, srv *Server) error {
	r.mu.Lock()
	if _, found := r.servers[port]; found {
		r.mu.Unlock()
		return syscall.EADDRINUSE
	}
	r.servers[port] = srv
	listeners := append([]func(RegistryEvent){}, r.listeners...)
	r.mu.Unlock()
	r.notify(listeners, RegistryEvent{Port: port, Server: srv, Registered: true})
	return nil
}

// Deregister unbinds srv from port and returns whether srv was bound there.
func (r *ServerRegistry) Deregister(port int, srv *Server) bool {
	r.mu.Lock()
	if r.servers[port] != srv {
		r.mu.Unlock()
		return false
	}
	delete(r.servers, port)
	listeners := append([]func(RegistryEvent){}, r.listeners...)
	r.mu.Unlock()
	r.notify(listeners, RegistryEvent{Port: port, Server: srv, Registered: false})
	return true
}

func (r *ServerRegistry) notify(listeners []func(RegistryEvent), ev RegistryEvent) {
	for _, fn := range listeners {
		fn(ev)
	}
}

// Lookup returns the server bound to port.
func (r *ServerRegistry) Lookup(port int) (*Server, bool) {
	defer r.mu.Unlock()
	r.mu.Lock()
	srv, found := r.servers[port]
	return srv, found
}

// Ports returns the bound ports in ascending order.
func (r *ServerRegistry) Ports() []int {
	r.mu.Lock()
	ports := make([]int, 0, len(r.servers))
	for port := range r.servers {
		ports = append(ports, port)
	}
	r.mu.Unlock()
	sort.Ints(ports)
	return ports
}

// Len returns the number of bound ports.
func (r *ServerRegistry) Len() int {
	defer r.mu.Unlock()
	r.mu.Lock()
	return len(r.servers)
}

// AllocatePort returns a random unbound port in the ephemeral range or
// syscall.EADDRNOTAVAIL when the range is exhausted.
func (r *ServerRegistry) AllocatePort() (int, error) {
	defer r.mu.Unlock()
	r.mu.Lock()
	span := r.maxPort - r.minPort + 1
	start := rand.Intn(span)
	for offset := 0; offset < span; offset++ {
		port := r.minPort + (start+offset)%span
		if _, found := r.servers[port]; !found {
			return port, nil
		}
	}
	return 0, syscall.EADDRNOTAVAIL
}
