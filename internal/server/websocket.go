package server

import (
	"errors"

	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/command"
	"github.com/muurk/corsacota/internal/logging"
	"github.com/muurk/corsacota/internal/protocol"
)

// HandleText dispatches one complete text message as a command.
func (sl *slot) HandleText(text []byte) {
	s := sl.srv
	s.observer.Message(MessageText)
	logging.LogWebSocketMessage(s.log, sl.remote, "received", protocol.OpcodeName(protocol.OpcodeText), text)

	cmd, err := command.Parse(text)
	if err != nil {
		s.log.Warn("Invalid command",
			zap.String("remote_addr", sl.remote),
			zap.ByteString("text", text),
			zap.Error(err),
		)
		msg := command.ErrMalformed.Error()
		if errors.Is(err, command.ErrUnknownOp) {
			msg = command.ErrUnknownOp.Error()
		}
		sl.fail(sl.Respond(command.CodeInvalidArg, msg))
		return
	}

	s.log.Info("Command received",
		zap.String("remote_addr", sl.remote),
		zap.Stringer("op", cmd.Op),
		zap.String("data", cmd.Data),
	)

	switch cmd.Op {
	case command.OpStart:
		sl.fail(s.session.Start(cmd.Data, sl))
	case command.OpStop:
		sl.fail(s.session.Stop(sl))
	}
}

// HandleBinary passes image bytes to the update session.
func (sl *slot) HandleBinary(data []byte) {
	sl.srv.observer.Message(MessageBinary)
	sl.fail(sl.srv.session.Write(data, sl))
}

// HandleTextOverflow answers a text message longer than the text buffer.
func (sl *slot) HandleTextOverflow() {
	s := sl.srv
	s.observer.Message(MessageOverflow)
	s.log.Warn("Text message too long",
		zap.String("remote_addr", sl.remote),
		zap.Int("limit", s.cfg.TextBufferSize),
	)
	sl.fail(sl.Respond(command.CodeInvalidSize, command.MsgRequestTooLong))
}

// Respond sends a response as a single text frame.
func (sl *slot) Respond(code command.Code, msg string) error {
	sl.out = command.AppendResponse(sl.out[:0], code, msg)
	logging.LogWebSocketMessage(sl.srv.log, sl.remote, "sent", protocol.OpcodeName(protocol.OpcodeText), sl.out)
	return protocol.WriteFrame(sl, protocol.OpcodeText, sl.out)
}
