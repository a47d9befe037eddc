package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/muurk/corsacota/internal/protocol"
)

// slotState is the lifecycle state of a connection slot.
type slotState int

const (
	slotAccept    slotState = iota // free
	slotHandshake                  // waiting for the HTTP upgrade request
	slotWebsocket                  // the active websocket
	slotClosing                    // write side shut down, waiting for the peer
)

func (s slotState) String() string {
	switch s {
	case slotAccept:
		return "accept"
	case slotHandshake:
		return "handshake"
	case slotWebsocket:
		return "websocket"
	case slotClosing:
		return "closing"
	default:
		return fmt.Sprintf("slotState(%d)", int(s))
	}
}

// slot is one entry of the fixed connection pool. Its receive buffer and
// decoder are allocated once and reused by every connection it serves.
type slot struct {
	id     int
	srv    *Server
	conn   *net.TCPConn
	fd     int
	state  slotState
	remote string
	since  time.Time // entry into the current state
	buf    *protocol.Buffer
	dec    *protocol.Decoder
	out    []byte // response frame scratch
	err    error  // first write failure while dispatching
}

func newSlot(id int, srv *Server) *slot {
	sl := &slot{
		id:  id,
		srv: srv,
		fd:  -1,
		buf: protocol.NewBuffer(srv.cfg.BufferSize),
	}
	sl.dec = protocol.NewDecoder(sl, sl, srv.cfg.TextBufferSize)
	return sl
}

func (sl *slot) inUse() bool {
	return sl.conn != nil
}

func (sl *slot) setState(state slotState) {
	sl.state = state
	sl.since = time.Now()
}

// attach binds an accepted connection to the free slot.
func (sl *slot) attach(conn *net.TCPConn) error {
	fd, err := connFD(conn)
	if err != nil {
		return err
	}
	sl.conn = conn
	sl.fd = fd
	sl.remote = conn.RemoteAddr().String()
	sl.err = nil
	sl.buf.Reset()
	sl.dec.Reset()
	sl.setState(slotHandshake)
	return nil
}

// detach closes the connection and returns the slot to the pool.
func (sl *slot) detach() error {
	var err error
	if sl.conn != nil {
		err = sl.conn.Close()
	}
	sl.conn = nil
	sl.fd = -1
	sl.remote = ""
	sl.err = nil
	sl.buf.Reset()
	sl.dec.Reset()
	sl.setState(slotAccept)
	return err
}

// read performs one receive into the slot buffer.
func (sl *slot) read() (int, error) {
	if t := sl.srv.cfg.RecvTimeout; t > 0 {
		sl.conn.SetReadDeadline(time.Now().Add(t))
	}
	return sl.buf.Fill(sl.conn)
}

// Write sends p with the configured send timeout. The decoder writes pong
// and close replies through it.
func (sl *slot) Write(p []byte) (int, error) {
	if sl.conn == nil {
		return 0, net.ErrClosed
	}
	if t := sl.srv.cfg.SendTimeout; t > 0 {
		sl.conn.SetWriteDeadline(time.Now().Add(t))
	}
	return sl.conn.Write(p)
}

// fail records the first error raised while dispatching a message.
func (sl *slot) fail(err error) {
	if err != nil && sl.err == nil {
		sl.err = err
	}
}

// drainDeadline bounds the read that checks whether a closing peer is gone.
const drainDeadline = time.Millisecond

// drain reads and discards pending input of a closing slot. It reports
// whether the peer has finished the close.
func (sl *slot) drain() bool {
	var scratch [512]byte

	sl.conn.SetReadDeadline(time.Now().Add(drainDeadline))
	n, err := sl.conn.Read(scratch[:])
	switch {
	case err == nil:
		return n == 0
	case errors.Is(err, io.EOF), isDisconnect(err):
		return true
	case errors.Is(err, syscall.EAGAIN), isTimeout(err):
		return false
	default:
		return true
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// connFD extracts the raw descriptor of a connection for polling.
func connFD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("failed to access raw connection: %w", err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return fd, nil
}
