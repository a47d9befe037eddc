package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decoding errors. Any of them fails the connection.
var (
	ErrReservedBits    = errors.New("reserved bits set without a negotiated extension")
	ErrBadOpcode       = errors.New("unsupported opcode")
	ErrUnexpectedFrame = errors.New("frame out of message sequence")
	ErrControlFrame    = errors.New("invalid control frame")
	ErrFrameTooLarge   = errors.New("frame payload length too large")
	ErrBufferFull      = errors.New("receive buffer full")

	// ErrClosed is returned after the peer sent a close frame and the
	// close reply has been written.
	ErrClosed = errors.New("connection closed by peer")
)

// DefaultTextLimit is the capacity of the text accumulation buffer.
const DefaultTextLimit = 100

// Handler receives decoded application payloads. Slices passed to it alias
// decoder memory and must not be retained after the call returns.
type Handler interface {
	// HandleText receives one complete text message.
	HandleText(msg []byte)
	// HandleBinary receives binary payload as it arrives, possibly in
	// several chunks per frame.
	HandleBinary(chunk []byte)
	// HandleTextOverflow is called once when a text message outgrows the
	// accumulation buffer. The rest of that message is discarded.
	HandleTextOverflow()
}

// State is the position of the decoder within a frame.
type State int

const (
	StateHeader State = iota
	StateExtendedLength
	StateMask
	StatePayload
)

func (s State) String() string {
	switch s {
	case StateHeader:
		return "header"
	case StateExtendedLength:
		return "extended_length"
	case StateMask:
		return "mask"
	case StatePayload:
		return "payload"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// step is the outcome of a single state transition.
type step int

const (
	needMore step = iota // wait for the next socket read
	advance              // run the next transition on the same buffer
)

// messageState tracks a data message across its fragments. Interleaved
// control frames leave it untouched.
type messageState struct {
	opcode byte // OpcodeText or OpcodeBinary while a message is open
	skip   bool // discard the remaining text of an oversized message
}

// Decoder is an incremental WebSocket frame decoder for one connection. It
// tolerates frames split at any byte across reads and several frames
// delivered by a single read.
type Decoder struct {
	state   State
	frame   FrameState
	msg     messageState
	text    []byte
	handler Handler
	out     io.Writer
}

// NewDecoder creates a decoder dispatching to h. Control replies (pong,
// close) are written to out. textLimit bounds a reassembled text message.
func NewDecoder(h Handler, out io.Writer, textLimit int) *Decoder {
	if textLimit <= 0 {
		textLimit = DefaultTextLimit
	}
	return &Decoder{
		handler: h,
		out:     out,
		text:    make([]byte, 0, textLimit),
	}
}

// State returns the current decoder state.
func (d *Decoder) State() State {
	return d.state
}

// Frame returns a copy of the frame currently being decoded.
func (d *Decoder) Frame() FrameState {
	return d.frame
}

// Reset prepares the decoder for a new connection.
func (d *Decoder) Reset() {
	d.state = StateHeader
	d.frame = FrameState{}
	d.msg = messageState{}
	d.text = d.text[:0]
}

// Decode consumes as much of buf as possible. It returns nil when more input
// is needed, ErrClosed after a close handshake, or a protocol error. On
// return the unread bytes are compacted to the start of buf.
func (d *Decoder) Decode(buf *Buffer) error {
	for {
		var (
			next State
			res  step
			err  error
		)

		switch d.state {
		case StateHeader:
			next, res, err = d.decodeHeader(buf)
		case StateExtendedLength:
			next, res, err = d.decodeExtendedLength(buf)
		case StateMask:
			next, res, err = d.decodeMask(buf)
		case StatePayload:
			next, res, err = d.decodePayload(buf)
		default:
			err = fmt.Errorf("decoder in unknown state %v", d.state)
		}
		if err != nil {
			buf.Compact()
			return err
		}

		d.state = next
		if res == needMore {
			buf.Compact()
			if buf.Free() == 0 {
				return ErrBufferFull
			}
			return nil
		}
	}
}

func (d *Decoder) decodeHeader(buf *Buffer) (State, step, error) {
	b := buf.Bytes()
	if len(b) < 2 {
		return StateHeader, needMore, nil
	}

	if b[0]&reservedBits != 0 {
		return StateHeader, needMore, ErrReservedBits
	}

	opcode := b[0] & opcodeBits
	if !validOpcode(opcode) {
		return StateHeader, needMore, fmt.Errorf("%w: 0x%X", ErrBadOpcode, opcode)
	}

	d.frame = FrameState{
		FIN:    b[0]&finBit != 0,
		Opcode: opcode,
		Masked: b[1]&maskBit != 0,
		Length: uint64(b[1] & lengthBits),
	}
	buf.Consume(2)

	switch {
	case d.frame.IsControl():
		// 126 and 127 are above the limit as well, so no extended length
		// is ever read for a control frame.
		if !d.frame.FIN || d.frame.Length > MaxControlPayload {
			return StateHeader, needMore, fmt.Errorf("%w: %s", ErrControlFrame, d.frame.String())
		}
	case opcode == OpcodeContinuation:
		if d.msg.opcode == 0 {
			return StateHeader, needMore, fmt.Errorf("%w: continuation without a message", ErrUnexpectedFrame)
		}
	default:
		if d.msg.opcode != 0 {
			return StateHeader, needMore, fmt.Errorf("%w: new %s message inside a fragmented %s message",
				ErrUnexpectedFrame, OpcodeName(opcode), OpcodeName(d.msg.opcode))
		}
		d.msg = messageState{opcode: opcode}
	}

	if d.frame.Length == 126 || d.frame.Length == 127 {
		return StateExtendedLength, advance, nil
	}
	return d.afterLength()
}

func (d *Decoder) decodeExtendedLength(buf *Buffer) (State, step, error) {
	b := buf.Bytes()

	if d.frame.Length == 126 {
		if len(b) < 2 {
			return StateExtendedLength, needMore, nil
		}
		d.frame.Length = uint64(binary.BigEndian.Uint16(b))
		buf.Consume(2)
		return d.afterLength()
	}

	if len(b) < 8 {
		return StateExtendedLength, needMore, nil
	}
	length := binary.BigEndian.Uint64(b)
	if length>>63 != 0 {
		return StateExtendedLength, needMore, fmt.Errorf("%w: most significant bit set", ErrFrameTooLarge)
	}
	d.frame.Length = length
	buf.Consume(8)
	return d.afterLength()
}

func (d *Decoder) afterLength() (State, step, error) {
	if d.frame.Length > MaxFramePayload {
		return StateHeader, needMore, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, d.frame.Length)
	}
	if d.frame.Masked {
		return StateMask, advance, nil
	}
	return StatePayload, advance, nil
}

func (d *Decoder) decodeMask(buf *Buffer) (State, step, error) {
	b := buf.Bytes()
	if len(b) < 4 {
		return StateMask, needMore, nil
	}
	d.frame.MaskKey = MaskKey([4]byte(b[:4]))
	buf.Consume(4)
	return StatePayload, advance, nil
}

func (d *Decoder) decodePayload(buf *Buffer) (State, step, error) {
	b := buf.Bytes()
	remaining := d.frame.Remaining()

	// Control payloads are replied to as a whole.
	if d.frame.IsControl() && uint64(len(b)) < remaining {
		return StatePayload, needMore, nil
	}

	n := len(b)
	if uint64(n) > remaining {
		n = int(remaining)
	}
	if n == 0 && remaining > 0 {
		return StatePayload, needMore, nil
	}

	chunk := b[:n]
	if d.frame.Masked {
		d.frame.MaskKey = Mask(d.frame.MaskKey, chunk)
	}
	d.frame.Read += uint64(n)
	frameDone := d.frame.Remaining() == 0

	err := d.dispatch(chunk, frameDone)
	buf.Consume(n)
	if err != nil {
		return StateHeader, needMore, err
	}

	if !frameDone {
		return StatePayload, needMore, nil
	}
	if !d.frame.IsControl() && d.frame.FIN {
		d.msg = messageState{}
	}
	return StateHeader, advance, nil
}

func (d *Decoder) dispatch(chunk []byte, frameDone bool) error {
	switch d.frame.Opcode {
	case OpcodePing:
		if err := WriteFrame(d.out, OpcodePong, chunk); err != nil {
			return fmt.Errorf("send pong: %w", err)
		}
		return nil
	case OpcodePong:
		return nil
	case OpcodeClose:
		if _, err := d.out.Write(closeNormal); err != nil {
			return fmt.Errorf("send close: %w", err)
		}
		return ErrClosed
	}

	switch d.msg.opcode {
	case OpcodeText:
		d.handleText(chunk, frameDone && d.frame.FIN)
	case OpcodeBinary:
		if len(chunk) > 0 {
			d.handler.HandleBinary(chunk)
		}
	}
	return nil
}

func (d *Decoder) handleText(chunk []byte, msgDone bool) {
	if d.msg.skip {
		return
	}

	if len(d.text)+len(chunk) > cap(d.text) {
		d.text = d.text[:0]
		if !msgDone {
			d.msg.skip = true
		}
		d.handler.HandleTextOverflow()
		return
	}

	// The whole message arrived in one piece: no copy needed.
	if msgDone && len(d.text) == 0 {
		d.handler.HandleText(chunk)
		return
	}

	d.text = append(d.text, chunk...)
	if msgDone {
		d.handler.HandleText(d.text)
		d.text = d.text[:0]
	}
}
