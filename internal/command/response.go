package command

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Code is the result code carried by every response.
type Code int

const (
	CodeOK            Code = 0
	CodeSystemError   Code = 1
	CodeInvalidArg    Code = 2
	CodeInvalidSize   Code = 3
	CodeInvalidStatus Code = 4
)

// String returns a human-readable name for the code
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeSystemError:
		return "system error"
	case CodeInvalidArg:
		return "invalid argument"
	case CodeInvalidSize:
		return "invalid size"
	case CodeInvalidStatus:
		return "invalid status"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Messages sent by the server outside the OTA session.
const (
	MsgRequestTooLong = "request too long"
)

var errBadResponse = errors.New("malformed response")

// AppendResponse appends a response to dst. Success payloads are quoted as
// is; error payloads are prefixed with "msg=".
func AppendResponse(dst []byte, code Code, msg string) []byte {
	dst = append(dst, "code="...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, `&data="`...)
	if code != CodeOK {
		dst = append(dst, "msg="...)
	}
	dst = append(dst, msg...)
	return append(dst, '"')
}

// FormatResponse renders a response.
func FormatResponse(code Code, msg string) []byte {
	return AppendResponse(make([]byte, 0, len(msg)+24), code, msg)
}

// ReadyMessage is the payload answering a successful start.
func ReadyMessage(deviceType string) string {
	return "deviceType=" + deviceType + "&state=ready&offset=0"
}

// ProgressMessage is the payload reporting upload progress.
func ProgressMessage(done bool, offset int64) string {
	state := "ready"
	if done {
		state = "done"
	}
	return "state=" + state + "&offset=" + strconv.FormatInt(offset, 10)
}

// Response is a decoded server response.
type Response struct {
	Code Code
	Data string // payload with the "msg=" prefix of errors removed
}

// ParseResponse decodes `code=<n>&data="<payload>"`.
func ParseResponse(text []byte) (Response, error) {
	s, ok := strings.CutPrefix(string(text), "code=")
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", errBadResponse, text)
	}
	num, data, ok := strings.Cut(s, "&data=")
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", errBadResponse, text)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return Response{}, fmt.Errorf("%w: code %q", errBadResponse, num)
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return Response{}, fmt.Errorf("%w: unquoted data %q", errBadResponse, data)
	}

	r := Response{Code: Code(n), Data: data[1 : len(data)-1]}
	if r.Code != CodeOK {
		r.Data = strings.TrimPrefix(r.Data, "msg=")
	}
	return r, nil
}

// Values parses a success payload such as "state=ready&offset=1024".
func (r Response) Values() (url.Values, error) {
	return url.ParseQuery(r.Data)
}

// Progress extracts the state and offset from a progress payload.
func (r Response) Progress() (state string, offset int64, err error) {
	v, err := r.Values()
	if err != nil {
		return "", 0, err
	}
	state = v.Get("state")
	if state == "" {
		return "", 0, fmt.Errorf("%w: no state in %q", errBadResponse, r.Data)
	}
	offset, err = strconv.ParseInt(v.Get("offset"), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: offset in %q", errBadResponse, r.Data)
	}
	return state, offset, nil
}

// Err returns the response as an error, or nil for a success response.
func (r Response) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	return &Error{Code: r.Code, Msg: r.Data}
}

// Error is an error response from the server.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d (%s): %s", int(e.Code), e.Code, e.Msg)
}
