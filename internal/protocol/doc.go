// Package protocol implements the server side of RFC 6455 WebSocket framing
// used by the corsacOTA update endpoint.
//
// The package is built for a readiness-driven server: bytes arrive in
// whatever pieces the socket delivers, and frames are decoded incrementally
// from a fixed-capacity receive buffer without ever blocking.
//
// # Frame Format
//
// Every frame starts with a two byte header:
//   - Byte 0: FIN bit, three reserved bits (must be zero), 4-bit opcode
//   - Byte 1: MASK bit, 7-bit payload length
//
// A length of 126 is followed by a 16-bit big-endian length, 127 by a
// 64-bit big-endian length whose most significant bit must be clear. Masked
// frames then carry a 4-byte masking key. Client frames are masked; frames
// written by the server never are.
//
// # Decoding
//
// A Decoder walks four states, one transition function each:
//
//	HEADER -> EXTENDED_LENGTH -> MASK -> PAYLOAD -> HEADER
//
// Each Decode call runs transitions until the buffer no longer holds enough
// bytes, so a frame split at any byte boundary decodes identically to the
// same frame delivered whole, and several frames in one read are handled in
// a single pass. Unread bytes are compacted to the start of the Buffer so the
// next frame always begins at offset zero.
//
// Payload is demasked in place as it arrives. The rolling key returned by
// Mask keeps the masking phase correct across partial payloads.
//
// # Dispatch
//
// Decoded payload goes to a Handler:
//   - Text messages are reassembled (fragmented messages included) into a
//     small accumulation buffer and delivered whole. A message that does not
//     fit is reported once through HandleTextOverflow and the rest of it is
//     skipped.
//   - Binary payload is delivered chunk by chunk as it arrives, so firmware
//     images stream through without being held in memory.
//   - Ping is answered with a pong echoing the payload, pong is ignored, and
//     close is answered with a normal-closure close frame after which Decode
//     returns ErrClosed.
//
// # Usage Example
//
//	buf := protocol.NewBuffer(protocol.DefaultBufferSize)
//	dec := protocol.NewDecoder(handler, conn, protocol.DefaultTextLimit)
//
//	for {
//	    if _, err := buf.Fill(conn); err != nil {
//	        return err
//	    }
//	    if err := dec.Decode(buf); err != nil {
//	        return err // ErrClosed after a clean close handshake
//	    }
//	}
//
// # Encoding
//
// AppendFrame and WriteFrame produce final, unmasked frames with payloads of
// up to 65535 bytes, which covers every response the server sends.
//
// # Thread Safety
//
// Decoder and Buffer are not safe for concurrent use. The server owns one of
// each per connection slot and drives them from a single goroutine. Mask,
// AppendFrame and WriteFrame are stateless.
package protocol
