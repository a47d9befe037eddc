package ota

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/muurk/corsacota/internal/command"
	"github.com/muurk/corsacota/internal/flash"
)

type response struct {
	code command.Code
	msg  string
}

type recorder struct {
	responses []response
}

func (r *recorder) Respond(code command.Code, msg string) error {
	r.responses = append(r.responses, response{code, msg})
	return nil
}

func (r *recorder) last() response {
	if len(r.responses) == 0 {
		return response{code: -1}
	}
	return r.responses[len(r.responses)-1]
}

func (r *recorder) contains(msg string) bool {
	for _, resp := range r.responses {
		if resp.msg == msg {
			return true
		}
	}
	return false
}

type fakeUpdate struct {
	data     bytes.Buffer
	writeErr error
	endErr   error
	ended    bool
	aborted  bool
}

func (u *fakeUpdate) Write(p []byte) (int, error) {
	if u.writeErr != nil {
		return 0, u.writeErr
	}
	return u.data.Write(p)
}

func (u *fakeUpdate) End() error {
	u.ended = true
	return u.endErr
}

func (u *fakeUpdate) Abort() error {
	u.aborted = true
	return nil
}

type fakeFlasher struct {
	nextErr  error
	beginErr error
	bootErr  error
	update   *fakeUpdate
	updates  []*fakeUpdate
	booted   *flash.Partition
}

var testPartition = &flash.Partition{Label: "ota_1", Index: 1, Size: 1 << 20}

func (f *fakeFlasher) RunningPartition() (*flash.Partition, error) {
	return &flash.Partition{Label: "ota_0"}, nil
}

func (f *fakeFlasher) NextUpdatePartition() (*flash.Partition, error) {
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	return testPartition, nil
}

func (f *fakeFlasher) Begin(p *flash.Partition, size int64) (flash.Update, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	u := &fakeUpdate{}
	if f.update != nil {
		u.writeErr = f.update.writeErr
		u.endErr = f.update.endErr
	}
	f.updates = append(f.updates, u)
	return u, nil
}

func (f *fakeFlasher) SetBootPartition(p *flash.Partition) error {
	if f.bootErr != nil {
		return f.bootErr
	}
	f.booted = p
	return nil
}

type fakeRestarter struct {
	calls []time.Duration
}

func (r *fakeRestarter) Restart(delay time.Duration) error {
	r.calls = append(r.calls, delay)
	return nil
}

func newTestSession(f *fakeFlasher) (*Session, *fakeRestarter) {
	r := &fakeRestarter{}
	s := NewSession(Config{DeviceType: "linux", RestartDelay: 5 * time.Second}, f, r)
	return s, r
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		data       string
		wantCode   command.Code
		wantMsg    string
		wantStatus Status
	}{
		{"1024", command.CodeOK, "deviceType=linux&state=ready&offset=0", StatusLoad},
		{"0", command.CodeInvalidSize, MsgInvalidSize, StatusInit},
		{"-5", command.CodeInvalidSize, MsgInvalidSize, StatusInit},
		{"abc", command.CodeInvalidSize, MsgInvalidSize, StatusInit},
		{"", command.CodeInvalidSize, MsgInvalidSize, StatusInit},
		{"2147483648", command.CodeInvalidSize, MsgInvalidSize, StatusInit},
	}

	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			s, _ := newTestSession(&fakeFlasher{})
			out := &recorder{}

			if err := s.Start(tt.data, out); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			got := out.last()
			if got.code != tt.wantCode || got.msg != tt.wantMsg {
				t.Errorf("Start(%q) response = %+v, want code %d %q", tt.data, got, tt.wantCode, tt.wantMsg)
			}
			if s.Status() != tt.wantStatus {
				t.Errorf("Status() = %v, want %v", s.Status(), tt.wantStatus)
			}
		})
	}
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		total int64
		want  int64
	}{
		{1, 1},
		{9, 1},
		{10, 1},
		{1024, 102},
		{102400, 10240},
		{1 << 24, 10240},
	}

	for _, tt := range tests {
		s, _ := newTestSession(&fakeFlasher{})
		s.Start(fmt.Sprint(tt.total), &recorder{})
		if s.ChunkSize() != tt.want {
			t.Errorf("ChunkSize() for %d = %d, want %d", tt.total, s.ChunkSize(), tt.want)
		}
	}
}

func TestWriteToCompletion(t *testing.T) {
	f := &fakeFlasher{}
	s, r := newTestSession(f)
	out := &recorder{}

	image := bytes.Repeat([]byte("firmware"), 128) // 1024 bytes
	s.Start("1024", out)

	for i := 0; i < len(image); i += 100 {
		end := min(i+100, len(image))
		if err := s.Write(image[i:end], out); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if s.Status() != StatusDone {
		t.Fatalf("Status() = %v, want DONE", s.Status())
	}
	if got := out.last(); got.code != command.CodeOK || got.msg != "state=done&offset=1024" {
		t.Errorf("last response = %+v, want state=done&offset=1024", got)
	}
	if !bytes.Equal(f.updates[0].data.Bytes(), image) {
		t.Error("flash holds different bytes than were sent")
	}
	if !f.updates[0].ended || f.booted != testPartition {
		t.Error("update not finalized and selected for boot")
	}
	if len(r.calls) != 1 || r.calls[0] != 5*time.Second {
		t.Errorf("restarts = %v, want one with 5s delay", r.calls)
	}

	// 100 byte writes against a 102 byte chunk size report every other write.
	progress := 0
	for _, resp := range out.responses {
		if strings.HasPrefix(resp.msg, "state=ready&offset=") && resp.msg != "state=ready&offset=0" {
			progress++
		}
	}
	if progress != 5 {
		t.Errorf("progress responses = %d, want 5", progress)
	}
}

func TestWriteOneByteShort(t *testing.T) {
	s, r := newTestSession(&fakeFlasher{})
	out := &recorder{}

	s.Start("1024", out)
	s.Write(make([]byte, 1023), out)

	if s.Status() != StatusLoad {
		t.Errorf("Status() = %v, want LOAD", s.Status())
	}
	for _, resp := range out.responses {
		if strings.HasPrefix(resp.msg, "state=done") {
			t.Fatalf("unexpected done response %q", resp.msg)
		}
	}
	if len(r.calls) != 0 {
		t.Error("restart invoked before the image was complete")
	}
	if !out.contains("state=ready&offset=1023") {
		t.Errorf("responses = %+v, want progress at 1023", out.responses)
	}
}

func TestWriteBeyondTotal(t *testing.T) {
	f := &fakeFlasher{}
	s, _ := newTestSession(f)
	out := &recorder{}

	s.Start("10", out)
	s.Write(make([]byte, 11), out)

	if got := out.last(); got.code != command.CodeInvalidSize || got.msg != MsgSizeExceeded {
		t.Errorf("response = %+v, want size exceeded", got)
	}
	if s.Status() != StatusStop {
		t.Errorf("Status() = %v, want STOP", s.Status())
	}
	if !f.updates[0].aborted {
		t.Error("update not aborted")
	}
}

func TestWriteFlashFailure(t *testing.T) {
	f := &fakeFlasher{update: &fakeUpdate{writeErr: fmt.Errorf("%w: disk gone", flash.ErrFlashOp)}}
	s, _ := newTestSession(f)
	out := &recorder{}

	s.Start("100", out)
	s.Write([]byte("abc"), out)

	if got := out.last(); got.code != command.CodeSystemError || got.msg != "Flash write failed" {
		t.Errorf("response = %+v, want Flash write failed", got)
	}
	if s.Status() != StatusStop || s.Offset() != 0 {
		t.Errorf("Status() = %v offset %d, want STOP and zeroed", s.Status(), s.Offset())
	}
	if !errors.Is(s.LastError(), flash.ErrFlashOp) {
		t.Errorf("LastError() = %v, want ErrFlashOp", s.LastError())
	}

	// Rest of the frame after a failure is ignored.
	before := len(out.responses)
	s.Write([]byte("more"), out)
	if len(out.responses) != before {
		t.Error("write after failure produced a response")
	}
}

func TestFinalizeFailure(t *testing.T) {
	f := &fakeFlasher{update: &fakeUpdate{endErr: flash.ErrValidateFailed}}
	s, r := newTestSession(f)
	out := &recorder{}

	s.Start("4", out)
	s.Write([]byte("abcd"), out)

	if got := out.last(); got.code != command.CodeSystemError || got.msg != "Invalid firmware" {
		t.Errorf("response = %+v, want Invalid firmware", got)
	}
	if s.Status() != StatusError {
		t.Errorf("Status() = %v, want ERROR", s.Status())
	}
	if len(r.calls) != 0 {
		t.Error("restart invoked after finalize failure")
	}

	// ERROR is recoverable.
	f.update = nil
	s.Start("4", out)
	if s.Status() != StatusLoad {
		t.Errorf("Status() after restart = %v, want LOAD", s.Status())
	}
}

func TestBinaryWithoutStart(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(s *Session)
		wantResp bool
	}{
		{"init", func(s *Session) {}, true},
		{"stopped", func(s *Session) { s.Stop(&recorder{}) }, false},
		{"done", func(s *Session) {
			s.Start("1", &recorder{})
			s.Write([]byte{1}, &recorder{})
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSession(&fakeFlasher{})
			tt.prepare(s)
			out := &recorder{}
			s.Write([]byte("data"), out)

			if tt.wantResp {
				if got := out.last(); got.code != command.CodeInvalidStatus || got.msg != MsgNotStarted {
					t.Errorf("response = %+v, want not started", got)
				}
			} else if len(out.responses) != 0 {
				t.Errorf("responses = %+v, want none", out.responses)
			}
		})
	}
}

func TestStop(t *testing.T) {
	f := &fakeFlasher{}
	s, _ := newTestSession(f)
	out := &recorder{}

	s.Start("100", out)
	s.Write(make([]byte, 50), out)
	s.Stop(out)

	if got := out.last(); got.code != command.CodeOK || got.msg != "" {
		t.Errorf("Stop() response = %+v, want code 0 empty", got)
	}
	if s.Status() != StatusStop || s.Offset() != 0 || s.Total() != 0 {
		t.Errorf("session not zeroed: status %v offset %d total %d", s.Status(), s.Offset(), s.Total())
	}
	if !f.updates[0].aborted {
		t.Error("update not aborted on stop")
	}
}

func TestFatalError(t *testing.T) {
	f := &fakeFlasher{nextErr: flash.ErrNotFound}
	s, _ := newTestSession(f)
	out := &recorder{}

	s.Start("100", out)
	if got := out.last(); got.code != command.CodeSystemError || got.msg != MsgInvalidPartition {
		t.Errorf("Start() response = %+v, want invalid partition", got)
	}
	if s.Status() != StatusFatalError {
		t.Fatalf("Status() = %v, want FATAL_ERROR", s.Status())
	}

	s.Stop(out)
	if got := out.last(); got.code != command.CodeSystemError || got.msg != MsgFatalError {
		t.Errorf("Stop() response = %+v, want fatal error", got)
	}
	if s.Status() != StatusFatalError {
		t.Errorf("Status() after stop = %v, want FATAL_ERROR", s.Status())
	}
}

func TestBeginFailure(t *testing.T) {
	f := &fakeFlasher{beginErr: fmt.Errorf("%w: 2 MiB", flash.ErrInvalidSize)}
	s, _ := newTestSession(f)
	out := &recorder{}

	s.Start("100", out)
	if got := out.last(); got.code != command.CodeSystemError || got.msg != "Firmware size too large" {
		t.Errorf("Start() response = %+v, want size too large", got)
	}
	if s.Status() != StatusError {
		t.Errorf("Status() = %v, want ERROR", s.Status())
	}
}

func TestRestartAbortsPreviousUpdate(t *testing.T) {
	f := &fakeFlasher{}
	s, _ := newTestSession(f)
	out := &recorder{}

	s.Start("100", out)
	s.Write(make([]byte, 10), out)
	s.Start("200", out)

	if !f.updates[0].aborted {
		t.Error("first update not aborted by second start")
	}
	if s.Total() != 200 || s.Offset() != 0 {
		t.Errorf("Total() = %d Offset() = %d, want 200, 0", s.Total(), s.Offset())
	}
}

func TestFlashMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{flash.ErrNoMem, "No Mem"},
		{flash.ErrInvalidArg, "Invalid handle"},
		{flash.ErrValidateFailed, "Invalid firmware"},
		{flash.ErrInvalidSize, "Firmware size too large"},
		{flash.ErrSelectInfoInvalid, "Invalid partition info"},
		{flash.ErrNotFound, "OTA partition not found"},
		{fmt.Errorf("wrapped: %w", flash.ErrFlashOp), "Flash write failed"},
		{flash.ErrInvalidState, "Flash encryption is enabled"},
		{errors.New("other"), "OTA Failed"},
	}

	for _, tt := range tests {
		if got := FlashMessage(tt.err); got != tt.want {
			t.Errorf("FlashMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSessionWithFileFlasher(t *testing.T) {
	store, err := flash.NewFileFlasher(t.TempDir(), 2, 4096)
	if err != nil {
		t.Fatalf("NewFileFlasher() error = %v", err)
	}
	restarted := false
	s := NewSession(Config{DeviceType: "linux"}, store, RestarterFunc(func(time.Duration) error {
		restarted = true
		return nil
	}))
	out := &recorder{}

	image := bytes.Repeat([]byte{0xAB}, 3000)
	s.Start("3000", out)
	s.Write(image[:1500], out)
	s.Write(image[1500:], out)

	if s.Status() != StatusDone || !restarted {
		t.Fatalf("Status() = %v restarted %v, want DONE and restarted", s.Status(), restarted)
	}
	record, err := store.ReadBootRecord()
	if err != nil || record.Boot != "ota_1" {
		t.Errorf("boot record = %+v, %v, want ota_1", record, err)
	}
}

func TestNewRestarter(t *testing.T) {
	if _, err := NewRestarter("exit"); err != nil {
		t.Errorf("NewRestarter(exit) error = %v", err)
	}
	if _, err := NewRestarter("exec"); err != nil {
		t.Errorf("NewRestarter(exec) error = %v", err)
	}
	if _, err := NewRestarter("reboot"); err == nil {
		t.Error("NewRestarter(reboot) should fail")
	}
}
