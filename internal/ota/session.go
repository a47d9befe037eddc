package ota

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/command"
	"github.com/muurk/corsacota/internal/flash"
	"github.com/muurk/corsacota/internal/logging"
)

// Status is the state of the update session.
type Status int

const (
	StatusInit       Status = iota // idle, nothing started since boot
	StatusLoad                     // accepting image bytes
	StatusDone                     // image finalized, restart pending
	StatusStop                     // idle after an explicit stop or a failed write
	StatusError                    // recoverable failure, session cleared
	StatusFatalError               // no update partition, start cannot succeed
)

// String returns a human-readable name for the status
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusLoad:
		return "LOAD"
	case StatusDone:
		return "DONE"
	case StatusStop:
		return "STOP"
	case StatusError:
		return "ERROR"
	case StatusFatalError:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Response messages.
const (
	MsgInvalidSize      = "Invalid size"
	MsgInvalidPartition = "Invalid OTA data partition"
	MsgFatalError       = "Fatal error"
	MsgNotStarted       = "OTA has not started"
	MsgSizeExceeded     = "Firmware size exceeded"
)

const (
	// DefaultRestartDelay separates the done response from the restart.
	DefaultRestartDelay = 5 * time.Second

	maxChunkSize = 10 * 1024
)

// Session events reported to an Observer.
const (
	EventStarted = "started"
	EventDone    = "done"
	EventStopped = "stopped"
	EventFailed  = "failed"
)

// Responder sends a response on the connection that issued the request.
type Responder interface {
	Respond(code command.Code, msg string) error
}

// Observer receives session metrics.
type Observer interface {
	SessionEvent(event string)
	FirmwareWritten(n int)
}

type nopObserver struct{}

func (nopObserver) SessionEvent(string) {}
func (nopObserver) FirmwareWritten(int) {}

// Config holds the session settings.
type Config struct {
	DeviceType   string
	RestartDelay time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// Session drives one firmware update at a time. It is not safe for
// concurrent use; the server calls it from its event loop only.
type Session struct {
	cfg       Config
	flasher   flash.Flasher
	restarter Restarter
	log       *zap.Logger
	observer  Observer

	status    Status
	lastErr   error
	update    flash.Update
	updatePtn *flash.Partition
	running   *flash.Partition
	total     int64
	offset    int64
	chunkSize int64
	lastIndex int64
}

// NewSession creates an idle session.
func NewSession(cfg Config, f flash.Flasher, r Restarter, opts ...Option) *Session {
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	s := &Session{
		cfg:       cfg,
		flasher:   f,
		restarter: r,
		log:       logging.Named("ota"),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current state.
func (s *Session) Status() Status { return s.status }

// Offset returns the number of image bytes written.
func (s *Session) Offset() int64 { return s.offset }

// Total returns the declared image size.
func (s *Session) Total() int64 { return s.total }

// ChunkSize returns the progress reporting granularity.
func (s *Session) ChunkSize() int64 { return s.chunkSize }

// LastError returns the error behind the last failure, if any.
func (s *Session) LastError() error { return s.lastErr }

// UpdatePartition returns the partition being written.
func (s *Session) UpdatePartition() *flash.Partition { return s.updatePtn }

// reset zeroes the session, aborting an open write first.
func (s *Session) reset() {
	if s.update != nil {
		if err := s.update.Abort(); err != nil {
			s.log.Warn("Failed to abort update", zap.Error(err))
		}
	}
	s.status = StatusInit
	s.lastErr = nil
	s.update = nil
	s.updatePtn = nil
	s.running = nil
	s.total = 0
	s.offset = 0
	s.chunkSize = 0
	s.lastIndex = 0
}

func (s *Session) fail(status Status, err error) {
	s.reset()
	s.status = status
	s.lastErr = err
	s.observer.SessionEvent(EventFailed)
}

// Start begins an update of the size given in data.
func (s *Session) Start(data string, out Responder) error {
	size, err := strconv.ParseInt(data, 10, 32)
	if err != nil || size < 1 {
		return out.Respond(command.CodeInvalidSize, MsgInvalidSize)
	}

	// A new start supersedes whatever was in progress.
	s.reset()

	p, err := s.flasher.NextUpdatePartition()
	if err != nil {
		s.log.Error("No update partition", zap.Error(err))
		s.fail(StatusFatalError, err)
		return out.Respond(command.CodeSystemError, MsgInvalidPartition)
	}

	running, err := s.flasher.RunningPartition()
	if err != nil {
		s.log.Warn("Running partition unknown", zap.Error(err))
	}

	u, err := s.flasher.Begin(p, size)
	if err != nil {
		s.log.Error("Failed to begin update",
			zap.String("partition", p.Label),
			zap.Int64("total_size", size),
			zap.Error(err),
		)
		s.fail(StatusError, err)
		return out.Respond(command.CodeSystemError, FlashMessage(err))
	}

	s.status = StatusLoad
	s.update = u
	s.updatePtn = p
	s.running = running
	s.total = size
	s.chunkSize = max(1, min(size/10, maxChunkSize))
	s.observer.SessionEvent(EventStarted)

	fields := []zap.Field{
		zap.String("partition", p.Label),
		zap.Int64("total_size", size),
		zap.Int64("chunk_size", s.chunkSize),
	}
	if running != nil {
		fields = append(fields, zap.String("running", running.Label))
	}
	s.log.Info("OTA session started", fields...)

	return out.Respond(command.CodeOK, command.ReadyMessage(s.cfg.DeviceType))
}

// Stop abandons the current update. It is refused after a fatal error.
func (s *Session) Stop(out Responder) error {
	if s.status == StatusFatalError {
		return out.Respond(command.CodeSystemError, MsgFatalError)
	}

	wasLoading := s.status == StatusLoad
	s.reset()
	s.status = StatusStop
	s.observer.SessionEvent(EventStopped)
	s.log.Info("OTA session stopped", zap.Bool("interrupted_load", wasLoading))

	return out.Respond(command.CodeOK, "")
}

// Write appends one chunk of image data.
func (s *Session) Write(chunk []byte, out Responder) error {
	switch s.status {
	case StatusLoad:
	case StatusStop:
		// Trailing bytes of a frame sent before a stop.
		return nil
	default:
		return out.Respond(command.CodeInvalidStatus, MsgNotStarted)
	}

	if s.offset+int64(len(chunk)) > s.total {
		s.log.Warn("Image larger than announced",
			zap.Int64("offset", s.offset),
			zap.Int("chunk", len(chunk)),
			zap.Int64("total_size", s.total),
		)
		s.fail(StatusStop, flash.ErrInvalidSize)
		return out.Respond(command.CodeInvalidSize, MsgSizeExceeded)
	}

	n, err := s.update.Write(chunk)
	if err != nil {
		s.log.Error("Flash write failed", zap.Int64("offset", s.offset), zap.Error(err))
		s.fail(StatusStop, err)
		return out.Respond(command.CodeSystemError, FlashMessage(err))
	}
	s.offset += int64(n)
	s.observer.FirmwareWritten(n)

	done := s.offset == s.total
	if !done && s.offset-s.lastIndex < s.chunkSize {
		return nil
	}
	s.lastIndex = s.offset
	logging.LogOTAProgress(s.log, s.offset, s.total)

	if !done {
		return out.Respond(command.CodeOK, command.ProgressMessage(false, s.offset))
	}
	return s.finish(out)
}

func (s *Session) finish(out Responder) error {
	err := s.update.End()
	s.update = nil
	if err == nil {
		err = s.flasher.SetBootPartition(s.updatePtn)
	}
	if err != nil {
		s.log.Error("Failed to finalize update", zap.Error(err))
		s.fail(StatusError, err)
		return out.Respond(command.CodeSystemError, FlashMessage(err))
	}

	s.status = StatusDone
	s.observer.SessionEvent(EventDone)
	s.log.Info("OTA update complete",
		zap.String("boot_partition", s.updatePtn.Label),
		zap.Int64("size", s.total),
		zap.Duration("restart_in", s.cfg.RestartDelay),
	)

	if err := out.Respond(command.CodeOK, command.ProgressMessage(true, s.offset)); err != nil {
		return err
	}
	if s.restarter == nil {
		return nil
	}
	if err := s.restarter.Restart(s.cfg.RestartDelay); err != nil {
		// The new image stays selected for the next boot.
		s.lastErr = err
		s.log.Error("Restart failed", zap.Error(err))
	}
	return nil
}

// FlashMessage maps a flash error to the message sent to the client.
func FlashMessage(err error) string {
	switch {
	case errors.Is(err, flash.ErrNoMem):
		return "No Mem"
	case errors.Is(err, flash.ErrInvalidArg):
		return "Invalid handle"
	case errors.Is(err, flash.ErrValidateFailed):
		return "Invalid firmware"
	case errors.Is(err, flash.ErrInvalidSize):
		return "Firmware size too large"
	case errors.Is(err, flash.ErrSelectInfoInvalid):
		return "Invalid partition info"
	case errors.Is(err, flash.ErrNotFound):
		return "OTA partition not found"
	case errors.Is(err, flash.ErrFlashOp):
		return "Flash write failed"
	case errors.Is(err, flash.ErrInvalidState):
		return "Flash encryption is enabled"
	default:
		return "OTA Failed"
	}
}
