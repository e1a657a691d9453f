package vnet

//
// WebSocket bridge: frames on a virtual socket <-> host real-time messages
//

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// BridgeState is the state of a bridge session.
type BridgeState int

const (
	// BridgeAwaitingUpgrade means the host connection is not ready yet.
	BridgeAwaitingUpgrade = BridgeState(iota)

	// BridgeOpen means frames and messages flow in both directions.
	BridgeOpen

	// BridgeClosing means the consumer sent a close frame.
	BridgeClosing

	// BridgeClosed is the final state.
	BridgeClosed
)

// String implements fmt.Stringer
func (st BridgeState) String() string {
	switch st {
	case BridgeAwaitingUpgrade:
		return "awaiting-upgrade"
	case BridgeOpen:
		return "open"
	case BridgeClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Close status codes used by the bridge.
const (
	closeNormal        = 1000
	closeProtocolError = 1002
	closeNoStatus      = 1005
	closeAbnormal      = 1006
	closeInternalError = 1011
	closeTLSHandshake  = 1015
)

// closeCodeOnWire returns whether code may appear in a close frame.
func closeCodeOnWire(code int) bool {
	switch code {
	case closeNoStatus, closeAbnormal, closeTLSHandshake:
		return false
	default:
		return code > 0
	}
}

// bridgeSession translates between the frames a consumer reads and writes on
// its [Socket] and the messages of a host [RealtimeConn].
type bridgeSession struct {
	buffer     []byte
	conn       RealtimeConn
	fragments  []byte
	fragmented bool
	fragmentOp Opcode
	key        string
	req        *ClientRequest
	sk         *Socket
	stack      *Stack
	state      BridgeState
	url        string
}

var _ socketPeer = &bridgeSession{}

// startBridge handles a request carrying Upgrade: websocket.
func (cr *ClientRequest) startBridge() {
	rt := cr.stack.cfg.Realtime
	if rt == nil {
		cr.fail(ErrNoHostTransport)
		return
	}

	scheme := "ws"
	if cr.scheme == "https" {
		scheme = "wss"
	}
	bs := &bridgeSession{
		key:   cr.header.Get("Sec-WebSocket-Key"),
		req:   cr,
		sk:    cr.stack.NewSocket(),
		stack: cr.stack,
		state: BridgeAwaitingUpgrade,
		url:   cr.urlWithScheme(scheme),
	}
	bs.sk.peer = bs
	bs.sk.local = newAddr("127.0.0.1", cr.stack.randomEphemeralPort())
	bs.sk.remote = newAddr(canonicalHost(cr.host), cr.port)
	cr.bridge = bs

	loop := cr.stack.Loop
	events := &RealtimeEvents{
		OnOpen: func() {
			loop.Post(bs.onOpen)
		},
		OnMessage: func(msg RealtimeMessage) {
			loop.Post(func() {
				bs.onMessage(msg)
			})
		},
		OnClose: func(code int, reason string) {
			loop.Post(func() {
				bs.onClose(code, reason)
			})
		},
		OnError: func(err error) {
			loop.Post(func() {
				bs.onError(err)
			})
		},
	}

	cr.stack.logger.Debugf("vnet: websocket %s: open", bs.url)
	conn, err := rt.Open(bs.url, splitProtocols(cr.header), events)
	if err != nil {
		bs.state = BridgeClosed
		cr.fail(&ConnectionError{Op: "open", Err: err})
		bs.sk.Destroy(nil)
		return
	}
	bs.conn = conn
}

// splitProtocols returns the requested subprotocols.
func splitProtocols(header *Header) (out []string) {
	for _, value := range header.Values("Sec-WebSocket-Protocol") {
		for _, entry := range strings.Split(value, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				out = append(out, entry)
			}
		}
	}
	return
}

// onOpen synthesizes the 101 response and hands the socket to the consumer.
func (bs *bridgeSession) onOpen() {
	if bs.state != BridgeAwaitingUpgrade {
		return
	}
	bs.state = BridgeOpen
	bs.sk.setOpen()
	header := NewHeader(
		HeaderField{Name: "Upgrade", Value: "websocket"},
		HeaderField{Name: "Connection", Value: "Upgrade"},
		HeaderField{Name: "Sec-WebSocket-Accept", Value: AcceptKey(bs.key)},
	)
	if protocol := bs.conn.Protocol(); protocol != "" {
		header.Add("Sec-WebSocket-Protocol", protocol)
	}
	msg := newResponseMessage(bs.stack, bs.sk, 101, "Switching Protocols", header)
	bs.stack.logger.Debugf("vnet: websocket %s: upgraded", bs.url)
	if !bs.req.upgrade(msg, bs.sk) {
		bs.closeHost()
		bs.sk.Destroy(nil)
	}
}

// onMessage wraps a host message into an unmasked frame for the consumer.
func (bs *bridgeSession) onMessage(msg RealtimeMessage) {
	if bs.state != BridgeOpen && bs.state != BridgeClosing {
		return
	}
	opcode := OpcodeText
	if msg.Binary {
		opcode = OpcodeBinary
	}
	frame, err := BuildFrame(opcode, msg.Data, false)
	if err != nil {
		bs.fail(err, closeProtocolError)
		return
	}
	bs.sk.peerData(frame)
}

// onClose delivers a close frame then end-of-stream to the consumer. The
// socket closes once the consumer has read everything it queued.
func (bs *bridgeSession) onClose(code int, reason string) {
	switch bs.state {
	case BridgeClosed:
		return
	case BridgeAwaitingUpgrade:
		bs.state = BridgeClosed
		bs.req.fail(&ConnectionError{Op: "open", Err: fmt.Errorf("closed with code %d", code)})
		bs.sk.Destroy(nil)
		return
	}
	bs.state = BridgeClosed
	bs.stack.logger.Debugf("vnet: websocket %s: closed %d %s", bs.url, code, reason)
	var payload []byte
	if closeCodeOnWire(code) {
		payload = binary.BigEndian.AppendUint16(nil, uint16(code))
	}
	frame := Must1(BuildFrame(OpcodeClose, payload, false))
	bs.sk.peerData(frame)
	bs.sk.peerEnd()
}

// onError surfaces a host connection error on the socket.
func (bs *bridgeSession) onError(err error) {
	switch bs.state {
	case BridgeClosed:
		return
	case BridgeAwaitingUpgrade:
		bs.state = BridgeClosed
		cerr := &ConnectionError{Op: "open", Err: err}
		bs.req.fail(cerr)
		bs.sk.Destroy(cerr)
		return
	}
	bs.state = BridgeClosed
	bs.sk.Destroy(&ConnectionError{Op: "recv", Err: err})
}

// peerData implements socketPeer: bytes written by the consumer.
func (bs *bridgeSession) peerData(p []byte) {
	if bs.state != BridgeOpen {
		return
	}
	bs.buffer = append(bs.buffer, p...)
	for bs.state == BridgeOpen {
		frame, count, err := ParseFrame(bs.buffer)
		if err != nil {
			bs.fail(err, closeProtocolError)
			return
		}
		if count <= 0 {
			return
		}
		bs.buffer = bs.buffer[count:]
		if len(bs.buffer) <= 0 {
			bs.buffer = nil
		}
		bs.handleFrame(frame)
	}
}

// handleFrame dispatches a consumer frame by opcode.
func (bs *bridgeSession) handleFrame(frame *Frame) {
	switch frame.Opcode {
	case OpcodeText, OpcodeBinary:
		if !frame.Fin {
			bs.fragmented = true
			bs.fragmentOp = frame.Opcode
			bs.fragments = append([]byte{}, frame.Payload...)
			return
		}
		bs.fragmented, bs.fragments = false, nil
		bs.send(frame.Opcode, frame.Payload)

	case OpcodeContinuation:
		if !bs.fragmented {
			bs.stack.logger.Warnf("vnet: websocket %s: unexpected continuation frame", bs.url)
			return
		}
		bs.fragments = append(bs.fragments, frame.Payload...)
		if frame.Fin {
			payload := bs.fragments
			bs.fragmented, bs.fragments = false, nil
			bs.send(bs.fragmentOp, payload)
		}

	case OpcodeClose:
		code, reason := closeNormal, ""
		if len(frame.Payload) >= 2 {
			code = int(binary.BigEndian.Uint16(frame.Payload))
			reason = string(frame.Payload[2:])
		}
		bs.state = BridgeClosing
		if err := bs.conn.Close(code, reason); err != nil {
			bs.fail(&ConnectionError{Op: "close", Err: err}, 0)
		}

	case OpcodePing:
		bs.send(OpcodeBinary, frame.Payload)

	case OpcodePong:
		// nothing

	default:
		bs.stack.logger.Warnf("vnet: websocket %s: ignoring %s frame", bs.url, frame.Opcode)
	}
}

// send forwards a payload as one host message.
func (bs *bridgeSession) send(opcode Opcode, payload []byte) {
	msg := RealtimeMessage{Binary: opcode == OpcodeBinary, Data: payload}
	if err := bs.conn.Send(msg); err != nil {
		bs.fail(&ConnectionError{Op: "send", Err: err}, closeInternalError)
	}
}

// peerEnd implements socketPeer: the consumer ended its writable side. While
// closing, the host close notification completes the teardown.
func (bs *bridgeSession) peerEnd() {
	if bs.state == BridgeClosing || bs.state == BridgeClosed {
		return
	}
	bs.closeHost()
	bs.sk.peerEnd()
}

// peerClosed implements socketPeer: the consumer destroyed the socket.
func (bs *bridgeSession) peerClosed() {
	bs.closeHost()
}

// closeHost closes the host connection unless the session is already closed.
func (bs *bridgeSession) closeHost() {
	if bs.state == BridgeClosed {
		return
	}
	closing := bs.state == BridgeClosing
	bs.state = BridgeClosed
	if bs.conn != nil && !closing {
		bs.conn.Close(closeNormal, "")
	}
}

// abort tears down a session whose request has been settled otherwise.
func (bs *bridgeSession) abort() {
	if bs.state != BridgeAwaitingUpgrade {
		return
	}
	bs.closeHost()
	bs.sk.Destroy(nil)
}

// fail closes the host connection and destroys the socket with err. A zero
// code means the host connection is not closed.
func (bs *bridgeSession) fail(err error, code int) {
	if bs.state == BridgeClosed {
		return
	}
	bs.state = BridgeClosed
	var perr *ProtocolError
	if errors.As(err, &perr) {
		bs.stack.logger.Warnf("vnet: websocket %s: %s", bs.url, err.Error())
	}
	if code > 0 && bs.conn != nil {
		bs.conn.Close(code, "")
	}
	bs.sk.Destroy(err)
}
