package vnet

//
// WebSocket frame codec
//
// See https://www.rfc-editor.org/rfc/rfc6455#section-5.2
//

import (
	"crypto/rand"
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
)

// Opcode is a WebSocket frame opcode.
type Opcode uint8

const (
	// OpcodeContinuation is the opcode of a continuation frame.
	OpcodeContinuation = Opcode(0x0)

	// OpcodeText is the opcode of a text frame.
	OpcodeText = Opcode(0x1)

	// OpcodeBinary is the opcode of a binary frame.
	OpcodeBinary = Opcode(0x2)

	// OpcodeClose is the opcode of a close frame.
	OpcodeClose = Opcode(0x8)

	// OpcodePing is the opcode of a ping frame.
	OpcodePing = Opcode(0x9)

	// OpcodePong is the opcode of a pong frame.
	OpcodePong = Opcode(0xA)
)

// String implements fmt.Stringer
func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

const (
	frameFinBit     = 0x80
	frameMaskBit    = 0x80
	frameOpcodeMask = 0x0f
	frameLengthMask = 0x7f

	// frameLength16 and frameLength64 are the escape values of the 7 bit length.
	frameLength16 = 126
	frameLength64 = 127
)

// Frame is a decoded WebSocket frame.
type Frame struct {
	// Fin is the FIN bit.
	Fin bool

	// Opcode is the frame opcode.
	Opcode Opcode

	// Payload is the unmasked payload.
	Payload []byte
}

// ParseFrame parses the frame at the beginning of data and returns it along
// with the number of bytes it occupies. When data does not contain a whole
// frame yet, ParseFrame returns a nil frame, zero, and a nil error (like a
// [bufio.SplitFunc] does) so the caller can retry once more data is available.
// A length field that does not fit into 32 bits yields a [*ProtocolError].
func ParseFrame(data []byte) (*Frame, int, error) {
	input := cryptobyte.String(data)

	var b0, b1 uint8
	if !input.ReadUint8(&b0) || !input.ReadUint8(&b1) {
		return nil, 0, nil
	}

	length := uint64(b1 & frameLengthMask)
	switch length {
	case frameLength16:
		var v uint16
		if !input.ReadUint16(&v) {
			return nil, 0, nil
		}
		length = uint64(v)

	case frameLength64:
		var hi, lo uint32
		if !input.ReadUint32(&hi) || !input.ReadUint32(&lo) {
			return nil, 0, nil
		}
		if hi != 0 {
			return nil, 0, &ProtocolError{Reason: "payload length does not fit into 32 bits"}
		}
		length = uint64(lo)
	}

	masked := b1&frameMaskBit != 0
	var key [4]byte
	if masked && !input.CopyBytes(key[:]) {
		return nil, 0, nil
	}

	if uint64(len(input)) < length {
		return nil, 0, nil
	}
	payload := make([]byte, length)
	input.CopyBytes(payload)
	if masked {
		MaskBytes(key, payload)
	}

	frame := &Frame{
		Fin:     b0&frameFinBit != 0,
		Opcode:  Opcode(b0 & frameOpcodeMask),
		Payload: payload,
	}
	return frame, len(data) - len(input), nil
}

// BuildFrame serializes a frame with the FIN bit set. When masked is true, it
// generates a fresh random mask key and masks a copy of the payload.
func BuildFrame(opcode Opcode, payload []byte, masked bool) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &ProtocolError{Reason: "payload length does not fit into 32 bits"}
	}

	var maskBit uint8
	if masked {
		maskBit = frameMaskBit
	}

	builder := cryptobyte.NewBuilder(make([]byte, 0, 14+len(payload)))
	builder.AddUint8(frameFinBit | uint8(opcode&frameOpcodeMask))

	switch size := len(payload); {
	case size < frameLength16:
		builder.AddUint8(maskBit | uint8(size))
	case size <= math.MaxUint16:
		builder.AddUint8(maskBit | frameLength16)
		builder.AddUint16(uint16(size))
	default:
		builder.AddUint8(maskBit | frameLength64)
		builder.AddUint32(0)
		builder.AddUint32(uint32(size))
	}

	if !masked {
		builder.AddBytes(payload)
		return builder.Bytes()
	}

	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	body := append([]byte{}, payload...)
	MaskBytes(key, body)
	builder.AddBytes(key[:])
	builder.AddBytes(body)
	return builder.Bytes()
}

// MaskBytes XORs payload in place with the cyclically repeated key. Applying
// MaskBytes twice with the same key restores the original payload.
func MaskBytes(key [4]byte, payload []byte) {
	for idx := range payload {
		payload[idx] ^= key[idx%4]
	}
}

// ScanFrames is a [bufio.SplitFunc] returning one encoded frame per token.
func ScanFrames(data []byte, atEOF bool) (int, []byte, error) {
	_, count, err := ParseFrame(data)
	if err != nil {
		return 0, nil, err
	}
	if count <= 0 {
		if atEOF && len(data) > 0 {
			return 0, nil, &ProtocolError{Reason: "truncated frame"}
		}
		return 0, nil, nil
	}
	return count, data[:count], nil
}
