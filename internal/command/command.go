package command

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors. Both are answered with CodeInvalidArg.
var (
	ErrMalformed = errors.New("parse error")
	ErrUnknownOp = errors.New("invalid op")
)

// MaxTokenLen is the longest op or data token accepted.
const MaxTokenLen = 10

// Op identifies a request. The set is closed.
type Op int

const (
	OpStart Op = iota + 1
	OpStop
)

// String returns the wire name of the op.
func (o Op) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

func lookupOp(name string) (Op, bool) {
	switch name {
	case "start":
		return OpStart, true
	case "stop":
		return OpStop, true
	}
	return 0, false
}

// Command is a parsed request.
type Command struct {
	Op   Op
	Data string
}

// Parse decodes a request of the form "op=<op>&data=<data>". Data may be
// empty. Both tokens are limited to MaxTokenLen characters and data may not
// contain whitespace.
func Parse(text []byte) (Command, error) {
	s, ok := strings.CutPrefix(string(text), "op=")
	if !ok {
		return Command{}, ErrMalformed
	}

	name, data, ok := strings.Cut(s, "&data=")
	if !ok || name == "" || len(name) > MaxTokenLen || strings.Contains(name, "&") {
		return Command{}, ErrMalformed
	}

	data = strings.TrimSpace(data)
	if len(data) > MaxTokenLen || strings.ContainsFunc(data, isSpace) {
		return Command{}, ErrMalformed
	}

	op, ok := lookupOp(name)
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownOp, name)
	}
	return Command{Op: op, Data: data}, nil
}

// Format renders the command as it is sent on the wire.
func (c Command) Format() string {
	return "op=" + c.Op.String() + "&data=" + c.Data
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
