package vnet

//
// Stack: the process-wide context
//

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// StackConfig contains config for creating a [Stack]. Fields with
// a yaml tag can be loaded using [LoadStackConfigFile].
type StackConfig struct {
	// Logger is the MANDATORY logger to use.
	Logger Logger `yaml:"-"`

	// HTTP is the OPTIONAL host HTTP primitive used for requests not
	// directed to a local virtual server.
	HTTP HostHTTP `yaml:"-"`

	// Realtime is the OPTIONAL host real-time transport used by the
	// WebSocket bridge.
	Realtime HostRealtime `yaml:"-"`

	// Resolver is the OPTIONAL resolver used for non-local hostnames.
	Resolver Resolver `yaml:"-"`

	// EphemeralPortMin is the OPTIONAL lowest port the registry allocates
	// when listening on port zero. Default: 49152.
	EphemeralPortMin int `yaml:"ephemeral_port_min"`

	// EphemeralPortMax is the OPTIONAL highest port the registry allocates
	// when listening on port zero. Default: 65535.
	EphemeralPortMax int `yaml:"ephemeral_port_max"`

	// RequestTimeout is the OPTIONAL timeout applied to client requests that
	// do not specify one. Zero means no timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LocalHosts contains the OPTIONAL hostnames and addresses that refer
	// to the virtual address space. Default: localhost, 127.0.0.1, ::1, 0.0.0.0.
	LocalHosts []string `yaml:"local_hosts"`
}

// ErrInvalidConfig indicates an invalid [StackConfig].
var ErrInvalidConfig = errors.New("vnet: invalid stack config")

// ErrNoHostTransport indicates that a host transport is required but missing.
var ErrNoHostTransport = errors.New("vnet: no host transport configured")

// defaultLocalHosts are the default values for StackConfig.LocalHosts.
var defaultLocalHosts = []string{"localhost", "127.0.0.1", "::1", "0.0.0.0"}

// withDefaults returns a copy of the config with the defaults applied.
func (c *StackConfig) withDefaults() *StackConfig {
	out := *c
	if out.EphemeralPortMin <= 0 {
		out.EphemeralPortMin = 49152
	}
	if out.EphemeralPortMax <= 0 {
		out.EphemeralPortMax = 65535
	}
	if len(out.LocalHosts) <= 0 {
		out.LocalHosts = defaultLocalHosts
	}
	return &out
}

// Stack is the virtual networking context: it owns the [Loop], the
// [ServerRegistry] and the host transports. The zero value is invalid;
// please, use [NewStack] to construct.
type Stack struct {
	// Loop is the loop running all the stack's deferred turns.
	Loop *Loop

	// Registry maps ports to listening servers.
	Registry *ServerRegistry

	cfg       *StackConfig
	closeOnce sync.Once
	logger    Logger
}

// NewStack creates a new [Stack] instance.
func NewStack(config *StackConfig) (*Stack, error) {
	if config == nil || config.Logger == nil {
		return nil, ErrInvalidConfig
	}
	cfg := config.withDefaults()
	if cfg.EphemeralPortMin > cfg.EphemeralPortMax || cfg.EphemeralPortMax > 65535 {
		return nil, ErrInvalidConfig
	}
	s := &Stack{
		Loop:      NewLoop(),
		Registry:  NewServerRegistry(cfg.EphemeralPortMin, cfg.EphemeralPortMax),
		cfg:       cfg,
		closeOnce: sync.Once{},
		logger:    cfg.Logger,
	}
	return s, nil
}

// Logger returns the stack's logger.
func (s *Stack) Logger() Logger {
	return s.logger
}

// Close closes every listening server and empties the registry. You MUST
// call Close from a loop task or while the loop is not running.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		for _, port := range s.Registry.Ports() {
			if srv, found := s.Registry.Lookup(port); found {
				srv.Close()
			}
		}
		s.logger.Debug("vnet: stack closed")
	})
	return nil
}

// IsLocalHost returns whether host refers to the virtual address space.
func (s *Stack) IsLocalHost(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	for _, entry := range s.cfg.LocalHosts {
		if strings.EqualFold(entry, host) {
			return true
		}
	}
	return false
}

// resolve resolves host and calls cb with the result on a later turn.
func (s *Stack) resolve(host string, cb func(addrs []string, err error)) {
	if s.IsLocalHost(host) || net.ParseIP(host) != nil {
		s.Loop.Post(func() {
			cb([]string{host}, nil)
		})
		return
	}
	if s.cfg.Resolver == nil {
		s.Loop.Post(func() {
			cb(nil, &net.DNSError{Err: "no resolver configured", Name: host, IsNotFound: true})
		})
		return
	}
	go func() {
		addrs, err := s.cfg.Resolver.LookupHost(context.Background(), host)
		s.Loop.Post(func() {
			cb(addrs, err)
		})
	}()
}
