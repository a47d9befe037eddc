package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/flash"
	"github.com/muurk/corsacota/internal/logging"
	"github.com/muurk/corsacota/internal/ota"
	"github.com/muurk/corsacota/internal/protocol"
)

// Errors returned by the server.
var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrServerClosed   = errors.New("server closed")
	ErrWebsocketBusy  = errors.New("another websocket connection is active")
	ErrPoolFull       = errors.New("no free connection slot")
)

// Defaults applied by New to zero Config fields.
const (
	DefaultPort         = 3241
	DefaultMaxListenNum = 4
	DefaultTimeout      = 60 * time.Second
	DefaultPollTimeout  = time.Second
	DefaultName         = "corsacOTA"
	DefaultDeviceType   = "linux"
)

// Config holds the server configuration
type Config struct {
	Host           string
	Port           int
	MaxListenNum   int           // size of the connection slot pool
	RecvTimeout    time.Duration // per-read deadline, also bounds handshakes and closes
	SendTimeout    time.Duration // per-write deadline
	PollTimeout    time.Duration // longest single wait for readiness
	BufferSize     int           // receive buffer per slot
	TextBufferSize int           // text message reassembly limit
	DeviceType     string        // reported in the start response
	RestartDelay   time.Duration // between the done response and the restart
	Name           string        // logger name
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		MaxListenNum:   DefaultMaxListenNum,
		RecvTimeout:    DefaultTimeout,
		SendTimeout:    DefaultTimeout,
		PollTimeout:    DefaultPollTimeout,
		BufferSize:     protocol.DefaultBufferSize,
		TextBufferSize: protocol.DefaultTextLimit,
		DeviceType:     DefaultDeviceType,
		RestartDelay:   ota.DefaultRestartDelay,
		Name:           DefaultName,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxListenNum == 0 {
		c.MaxListenNum = d.MaxListenNum
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	if c.TextBufferSize == 0 {
		c.TextBufferSize = d.TextBufferSize
	}
	if c.DeviceType == "" {
		c.DeviceType = d.DeviceType
	}
	if c.Name == "" {
		c.Name = d.Name
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxListenNum < 1 {
		return fmt.Errorf("max listen num must be at least 1, got %d", c.MaxListenNum)
	}
	// Room for the longest frame header plus a full control payload.
	if c.BufferSize < 14+protocol.MaxControlPayload {
		return fmt.Errorf("receive buffer of %d bytes is too small", c.BufferSize)
	}
	if c.RecvTimeout < 0 || c.SendTimeout < 0 || c.PollTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Observer receives server metrics.
type Observer interface {
	ota.Observer
	SlotsInUse(n int)
	Accepted(result string)
	Handshake(result string)
	Message(kind string)
}

// Observer results and kinds.
const (
	AcceptOK       = "ok"
	AcceptPoolFull = "pool_full"
	AcceptError    = "error"

	HandshakeOK         = "ok"
	HandshakeBadRequest = "bad_request"
	HandshakeBusy       = "busy"

	MessageText     = "text"
	MessageBinary   = "binary"
	MessageOverflow = "overflow"
)

type nopObserver struct{}

func (nopObserver) SessionEvent(string) {}
func (nopObserver) FirmwareWritten(int) {}
func (nopObserver) SlotsInUse(int)      {}
func (nopObserver) Accepted(string)     {}
func (nopObserver) Handshake(string)    {}
func (nopObserver) Message(string)      {}

// Option configures a Server.
type Option func(*Server)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithLogger replaces the logger derived from Config.Name.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the OTA update server. All connection, decoder and session
// state is owned by the goroutine running Run.
type Server struct {
	cfg      Config
	log      *zap.Logger
	observer Observer
	session  *ota.Session

	listener *net.TCPListener
	lfd      int
	poller   *poller
	slots    []*slot
	active   *slot
	entries  []pollEntry

	mu      sync.Mutex
	running bool
	closed  bool
	stopped chan struct{}
}

// pollEntry is one descriptor of a poll round.
type pollEntry struct {
	fd       int
	slot     int  // index into slots, -1 for the listener
	closing  bool // slot was closing when the round started
	readable bool
	invalid  bool
}

// New creates a server writing images through f. r is invoked once an
// image has been installed.
func New(cfg Config, f flash.Flasher, r ota.Restarter, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		observer: nopObserver{},
		lfd:      -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Named(cfg.Name)
	}

	s.session = ota.NewSession(ota.Config{
		DeviceType:   cfg.DeviceType,
		RestartDelay: cfg.RestartDelay,
	}, f, r, ota.WithLogger(s.log), ota.WithObserver(s.observer))

	s.slots = make([]*slot, cfg.MaxListenNum)
	for i := range s.slots {
		s.slots[i] = newSlot(i, s)
	}
	s.entries = make([]pollEntry, 0, cfg.MaxListenNum+1)

	return s, nil
}

// Session returns the update session.
func (s *Server) Session() *ota.Session {
	return s.session
}

// Listen opens the listening socket. Run calls it when needed; calling it
// first lets the caller learn the bound address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	tl := ln.(*net.TCPListener)

	fd, err := connFD(tl)
	if err != nil {
		tl.Close()
		return err
	}

	p, err := newPoller()
	if err != nil {
		tl.Close()
		return err
	}

	s.listener = tl
	s.lfd = fd
	s.poller = p

	s.log.Info("Server listening for connections",
		zap.String("addr", tl.Addr().String()),
		zap.Int("max_listen_num", s.cfg.MaxListenNum),
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves connections until ctx is done or Close is called.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.running = true
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	defer close(stopped)

	if err := s.Listen(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.log.Info("Starting corsacOTA server",
		zap.String("addr", s.listener.Addr().String()),
		zap.String("device_type", s.cfg.DeviceType),
		zap.Duration("recv_timeout", s.cfg.RecvTimeout),
		zap.Duration("send_timeout", s.cfg.SendTimeout),
	)

	for ctx.Err() == nil && !s.isClosed() {
		s.step()
	}

	s.log.Info("Shutting down server...")
	return s.shutdown()
}

// wake interrupts a pending poll. It is a no-op once the poller is gone.
func (s *Server) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller != nil {
		s.poller.wake()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// step runs one iteration of the event loop.
func (s *Server) step() {
	entries := s.pollSet()

	n, err := s.poller.wait(entries, s.cfg.PollTimeout)
	if err != nil {
		s.log.Warn("Poll failed, sweeping invalid descriptors", zap.Error(err))
		s.sweep()
		return
	}

	if n > 0 {
		// Ready slots first, so a connection closed this round frees its
		// slot only after it has been drained.
		for _, e := range entries[1:] {
			sl := s.slots[e.slot]
			switch {
			case e.invalid:
				s.release(sl, "invalid_descriptor")
			case e.readable && !e.closing:
				s.serve(sl)
			}
		}

		if entries[0].readable {
			s.accept()
		}

		for _, e := range entries[1:] {
			sl := s.slots[e.slot]
			if e.closing && e.readable && sl.state == slotClosing && sl.drain() {
				s.release(sl, "connection_closed")
			}
		}
	}

	s.expire()
}

// pollSet lists the listener followed by every in-use slot.
func (s *Server) pollSet() []pollEntry {
	entries := append(s.entries[:0], pollEntry{fd: s.lfd, slot: -1})
	for _, sl := range s.slots {
		if !sl.inUse() {
			continue
		}
		entries = append(entries, pollEntry{
			fd:      sl.fd,
			slot:    sl.id,
			closing: sl.state == slotClosing,
		})
	}
	s.entries = entries
	return entries
}

// expire closes handshakes that take too long and force-releases slots
// whose peer never completes a close.
func (s *Server) expire() {
	limit := s.cfg.RecvTimeout
	if limit <= 0 {
		return
	}
	now := time.Now()
	for _, sl := range s.slots {
		if !sl.inUse() || now.Sub(sl.since) < limit {
			continue
		}
		switch sl.state {
		case slotHandshake:
			s.log.Warn("Handshake timed out", zap.String("remote_addr", sl.remote))
			s.closeSlot(sl)
		case slotClosing:
			s.release(sl, "close_timeout")
		}
	}
}

// sweep frees slots whose descriptors are no longer valid.
func (s *Server) sweep() {
	for _, sl := range s.slots {
		if sl.inUse() && !fdValid(sl.fd) {
			s.release(sl, "invalid_descriptor")
		}
	}
}

func (s *Server) accept() {
	// The listener is readable, so this only guards against a connection
	// that vanished between poll and accept.
	s.listener.SetDeadline(time.Now().Add(s.cfg.PollTimeout))
	conn, err := s.listener.AcceptTCP()
	if err != nil {
		if !isTimeout(err) {
			s.log.Error("Failed to accept connection", zap.Error(err))
			s.observer.Accepted(AcceptError)
		}
		return
	}

	sl := s.freeSlot()
	if sl == nil {
		s.log.Warn("Connection dropped",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(ErrPoolFull),
		)
		conn.Close()
		s.observer.Accepted(AcceptPoolFull)
		return
	}

	if err := sl.attach(conn); err != nil {
		s.log.Error("Failed to register connection", zap.Error(err))
		conn.Close()
		s.observer.Accepted(AcceptError)
		return
	}

	logging.LogConnection(s.log, sl.remote, "connection_accepted")
	s.observer.Accepted(AcceptOK)
	s.observer.SlotsInUse(s.slotsInUse())
}

func (s *Server) freeSlot() *slot {
	for _, sl := range s.slots {
		if !sl.inUse() {
			return sl
		}
	}
	return nil
}

func (s *Server) slotsInUse() int {
	n := 0
	for _, sl := range s.slots {
		if sl.inUse() {
			n++
		}
	}
	return n
}

// serve handles one readiness event of a handshake or websocket slot.
func (s *Server) serve(sl *slot) {
	n, err := sl.read()
	if n == 0 && err != nil {
		switch {
		case errors.Is(err, protocol.ErrBufferFull):
			// Only reachable while the request header is incomplete.
			s.rejectHandshake(sl, fmt.Errorf("%w: request header exceeds %d bytes", ErrBadRequest, sl.buf.Cap()), HandshakeBadRequest)
		case isTimeout(err):
		default:
			s.release(sl, "connection_closed")
		}
		return
	}

	switch sl.state {
	case slotHandshake:
		s.handshake(sl)
	case slotWebsocket:
		s.decode(sl)
	}
}

func (s *Server) handshake(sl *slot) {
	end := HeaderEnd(sl.buf.Bytes())
	if end < 0 {
		if sl.buf.Free() == 0 {
			s.rejectHandshake(sl, fmt.Errorf("%w: request header exceeds %d bytes", ErrBadRequest, sl.buf.Cap()), HandshakeBadRequest)
		}
		return
	}

	req, key, err := ParseUpgradeRequest(sl.buf.Bytes()[:end])
	if req != nil {
		logHTTPRequestDetails(s.log, req, sl.remote)
	}
	if err != nil {
		s.rejectHandshake(sl, err, HandshakeBadRequest)
		return
	}

	if s.active != nil && s.active != sl {
		s.rejectHandshake(sl, ErrWebsocketBusy, HandshakeBusy)
		return
	}

	if _, err := sl.Write(SwitchingProtocolsResponse(AcceptKey(key))); err != nil {
		s.log.Error("Failed to send HTTP 101 response",
			zap.String("remote_addr", sl.remote),
			zap.Error(err),
		)
		s.closeSlot(sl)
		return
	}
	logging.LogHTTPResponse(s.log, sl.remote, 101)

	sl.buf.Consume(end)
	sl.setState(slotWebsocket)
	s.active = sl
	s.observer.Handshake(HandshakeOK)
	logging.LogConnection(s.log, sl.remote, "websocket_upgraded")

	// Frames sent right behind the request header.
	if sl.buf.Len() > 0 {
		s.decode(sl)
	}
}

func (s *Server) rejectHandshake(sl *slot, err error, result string) {
	s.log.Warn("Invalid WebSocket upgrade request",
		zap.String("remote_addr", sl.remote),
		zap.Error(err),
	)
	if _, werr := sl.Write(BadRequestResponse()); werr == nil {
		logging.LogHTTPResponse(s.log, sl.remote, 400)
	}
	s.observer.Handshake(result)
	s.closeSlot(sl)
}

func (s *Server) decode(sl *slot) {
	err := sl.dec.Decode(sl.buf)
	if err == nil {
		err = sl.err
	}
	if err == nil {
		return
	}

	if errors.Is(err, protocol.ErrClosed) {
		logging.LogConnection(s.log, sl.remote, "websocket_closed")
	} else {
		s.log.Warn("WebSocket connection error",
			zap.String("remote_addr", sl.remote),
			zap.Error(err),
		)
		logging.LogRawBytes(s.log, "Unprocessed receive buffer", sl.buf.Bytes())
	}
	s.closeSlot(sl)
}

// closeSlot shuts down the write side and waits for the peer to finish.
func (s *Server) closeSlot(sl *slot) {
	if sl.state == slotClosing || !sl.inUse() {
		return
	}
	if s.active == sl {
		s.active = nil
	}
	if err := sl.conn.CloseWrite(); err != nil {
		s.release(sl, "shutdown_failed")
		return
	}
	sl.setState(slotClosing)
}

// release closes the connection and frees the slot.
func (s *Server) release(sl *slot, event string) {
	if !sl.inUse() {
		return
	}
	if s.active == sl {
		s.active = nil
	}
	remote := sl.remote
	if err := sl.detach(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("Error closing connection", zap.String("remote_addr", remote), zap.Error(err))
	}
	logging.LogConnection(s.log, remote, event)
	s.observer.SlotsInUse(s.slotsInUse())
}

// Close stops a running server and waits for Run to return. A server that
// is not running releases its listener immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running, stopped := s.running, s.stopped
	s.mu.Unlock()

	if running {
		s.wake()
		<-stopped
		return nil
	}
	return s.shutdown()
}

// shutdown releases every connection, the listener and the poller.
func (s *Server) shutdown() error {
	var err error
	for _, sl := range s.slots {
		if sl.inUse() {
			if cerr := sl.detach(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
	}
	s.active = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.running = false
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
		s.listener = nil
	}
	if s.poller != nil {
		err = multierr.Append(err, s.poller.close())
		s.poller = nil
	}

	logging.Sync()
	return err
}
