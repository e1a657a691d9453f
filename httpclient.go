package vnet

//
// HTTP client
//

import (
	"net/http"
)

// NewHTTPTransport creates a new [http.Transport] dialing virtual sockets
// through a [Net] wrapping the given [Stack]. The stack's loop MUST be
// running on another goroutine.
//
// We fill the following fields of the transport:
//
// - DialContext to call [Net.DialContext];
//
// - ForceAttemptHTTP2 to false, since we only speak HTTP/1.1.
func NewHTTPTransport(stack *Stack) *http.Transport {
	ns := &Net{stack}
	return &http.Transport{
		DialContext:       ns.DialContext,
		ForceAttemptHTTP2: false,
	}
}
