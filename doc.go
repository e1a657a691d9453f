// Package vnet is a virtual, in-process network for code written against
// stream sockets, HTTP and WebSocket APIs that must run inside a sandbox
// whose only real transports are an HTTP request primitive ([HostHTTP])
// and a message-oriented real-time socket ([HostRealtime]).
//
// Everything runs on the [Loop] owned by a [Stack]. Operations return
// quickly and report their outcome through callbacks invoked on later
// turns of the loop. Host transports run on their own goroutines and
// only ever post their results back to the loop.
//
// A [Server] listening on a port registers itself into the stack's
// [ServerRegistry]. A [Socket] connecting to a local host and port is
// paired with a socket accepted by the registered server, so that the
// two sockets exchange bytes in order.
//
// The HTTP layer builds on top of this. A [ClientRequest] directed to a
// local host is routed to the [HTTPHandler] of the server bound to the
// target port using [Stack.Dispatch]; other requests go to [HostHTTP].
// Requests carrying Upgrade: websocket go to the WebSocket bridge, which
// opens a [RealtimeConn] and translates between the RFC6455 frames the
// consumer reads and writes on a [Socket] and the host messages.
//
// Blocking code (e.g., [net/http]) can use the virtual sockets through
// [Net], [NewHTTPTransport] and [HTTPListenAndServe], provided that the
// loop runs on another goroutine (see [Loop.Run]).
//
// For normal operations, [StdlibHost] implements the host transports
// using the Go standard library and github.com/gorilla/websocket.
package vnet
