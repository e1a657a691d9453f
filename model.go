package vnet

//
// Data model
//

import (
	"context"
	"net"
	"strconv"
)

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// Addr is the address of a virtual endpoint.
type Addr struct {
	// Host is the IP address or the hostname.
	Host string

	// Port is the port number.
	Port int

	// Family is either "IPv4" or "IPv6".
	Family string
}

var _ net.Addr = Addr{}

// Network implements net.Addr
func (a Addr) Network() string {
	return "tcp"
}

// String implements net.Addr
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// newAddr constructs an [Addr] guessing the family from the host.
func newAddr(host string, port int) Addr {
	family := "IPv4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		family = "IPv6"
	}
	return Addr{Host: host, Port: port, Family: family}
}

// Resolver resolves a hostname to a list of addresses.
type Resolver interface {
	// LookupHost is like [net.Resolver.LookupHost].
	LookupHost(ctx context.Context, domain string) ([]string, error)
}

// HostRequest is the request given to the [HostHTTP] primitive.
type HostRequest struct {
	// URL is the absolute target URL.
	URL string

	// Method is the HTTP method.
	Method string

	// Header contains the request headers.
	Header *Header

	// Body is the OPTIONAL request body.
	Body []byte
}

// HostResponse is the response returned by the [HostHTTP] primitive.
type HostResponse struct {
	// Status is the status code.
	Status int

	// StatusText is the reason phrase.
	StatusText string

	// Header contains the response headers.
	Header *Header

	// Body is the whole response body.
	Body []byte
}

// HostHTTP is the host's HTTP request primitive. The context is the
// cooperative abort signal: implementations MUST return soon after it
// has been canceled. RoundTrip is called on a background goroutine.
type HostHTTP interface {
	RoundTrip(ctx context.Context, req *HostRequest) (*HostResponse, error)
}

// RealtimeMessage is a discrete message on the host real-time transport.
type RealtimeMessage struct {
	// Binary is true for binary payloads and false for text payloads.
	Binary bool

	// Data is the message payload.
	Data []byte
}

// RealtimeEvents contains the notifications emitted by a [RealtimeConn]. The
// host may invoke them from any goroutine.
type RealtimeEvents struct {
	// OnOpen is called once when the connection is ready.
	OnOpen func()

	// OnMessage is called for every incoming message.
	OnMessage func(msg RealtimeMessage)

	// OnClose is called once when the connection is closed.
	OnClose func(code int, reason string)

	// OnError is called when the connection fails.
	OnError func(err error)
}

// RealtimeConn is a connection opened through [HostRealtime].
type RealtimeConn interface {
	// Send sends a message.
	Send(msg RealtimeMessage) error

	// Close starts closing the connection with the given code and reason.
	Close(code int, reason string) error

	// Protocol returns the negotiated subprotocol, if any.
	Protocol() string
}

// HostRealtime is the host's message-oriented real-time transport.
type HostRealtime interface {
	// Open starts connecting to the given URL. It MUST NOT block waiting
	// for the connection to be established; events report progress.
	Open(url string, protocols []string, events *RealtimeEvents) (RealtimeConn, error)
}
