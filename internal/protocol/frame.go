package protocol

import (
	"errors"
	"fmt"
	"io"
)

// WebSocket frame opcodes
const (
	OpcodeContinuation = 0x0
	OpcodeText         = 0x1
	OpcodeBinary       = 0x2
	OpcodeClose        = 0x8
	OpcodePing         = 0x9
	OpcodePong         = 0xA
)

// Header bits
const (
	finBit       = 0x80
	reservedBits = 0x70
	opcodeBits   = 0x0F
	maskBit      = 0x80
	lengthBits   = 0x7F
)

const (
	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125

	// MaxResponsePayload bounds every frame the server emits.
	MaxResponsePayload = 65535

	// MaxFramePayload bounds the declared length of an incoming data frame.
	// Firmware sizes are int32 on the wire, so nothing larger can be useful.
	MaxFramePayload = 1<<31 - 1
)

// closeNormal is the fixed close frame sent in reply to a client close:
// status 1000 (normal closure), no reason.
var closeNormal = []byte{finBit | OpcodeClose, 0x02, 0x03, 0xE8}

var errPayloadTooLarge = errors.New("response payload exceeds 65535 bytes")

// FrameState holds the header fields of the frame currently being decoded.
// It is reset at the start of every frame.
type FrameState struct {
	FIN     bool
	Opcode  byte
	Masked  bool
	MaskKey uint32 // rolling key, advanced as payload is demasked
	Length  uint64 // declared payload length
	Read    uint64 // payload bytes consumed so far
}

// Remaining returns the payload bytes still to be consumed.
func (f *FrameState) Remaining() uint64 {
	return f.Length - f.Read
}

// IsControl reports whether the frame is a close, ping or pong.
func (f *FrameState) IsControl() bool {
	return f.Opcode&0x8 != 0
}

// OpcodeString returns a human-readable opcode name
func (f *FrameState) OpcodeString() string {
	return OpcodeName(f.Opcode)
}

// String returns a debug representation of the frame
func (f *FrameState) String() string {
	return fmt.Sprintf("Frame{FIN=%v, Opcode=%s, Masked=%v, Length=%d}",
		f.FIN, f.OpcodeString(), f.Masked, f.Length)
}

// OpcodeName returns a human-readable opcode name
func OpcodeName(opcode byte) string {
	switch opcode {
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
		return fmt.Sprintf("unknown(0x%X)", opcode)
	}
}

func validOpcode(opcode byte) bool {
	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

// HeaderLen returns the size of a server frame header for a payload of n bytes.
func HeaderLen(n int) int {
	if n >= 126 {
		return 4
	}
	return 2
}

// AppendFrame appends a final, unmasked server frame carrying payload to dst.
func AppendFrame(dst []byte, opcode byte, payload []byte) ([]byte, error) {
	n := len(payload)
	if n > MaxResponsePayload {
		return dst, errPayloadTooLarge
	}

	dst = append(dst, finBit|opcode)
	if n >= 126 {
		dst = append(dst, 126, byte(n>>8), byte(n))
	} else {
		dst = append(dst, byte(n))
	}
	return append(dst, payload...), nil
}

// WriteFrame writes a single server frame to w.
func WriteFrame(w io.Writer, opcode byte, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, HeaderLen(len(payload))+len(payload)), opcode, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
