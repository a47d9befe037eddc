package command

import (
	"errors"
	"testing"
)

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name string
		code Code
		msg  string
		want string
	}{
		{"ready", CodeOK, ReadyMessage("esp32"), `code=0&data="deviceType=esp32&state=ready&offset=0"`},
		{"stop", CodeOK, "", `code=0&data=""`},
		{"progress", CodeOK, ProgressMessage(false, 4096), `code=0&data="state=ready&offset=4096"`},
		{"done", CodeOK, ProgressMessage(true, 1024), `code=0&data="state=done&offset=1024"`},
		{"invalid size", CodeInvalidSize, "Invalid size", `code=3&data="msg=Invalid size"`},
		{"fatal", CodeSystemError, "Fatal error", `code=1&data="msg=Fatal error"`},
		{"not started", CodeInvalidStatus, "OTA has not started", `code=4&data="msg=OTA has not started"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(FormatResponse(tt.code, tt.msg)); got != tt.want {
				t.Errorf("FormatResponse() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Response
		wantErr bool
	}{
		{"success", `code=0&data="state=ready&offset=10"`, Response{CodeOK, "state=ready&offset=10"}, false},
		{"error strips msg", `code=2&data="msg=parse error"`, Response{CodeInvalidArg, "parse error"}, false},
		{"empty success", `code=0&data=""`, Response{CodeOK, ""}, false},
		{"missing code", `data="x"`, Response{}, true},
		{"bad code", `code=x&data="x"`, Response{}, true},
		{"unquoted", `code=0&data=x`, Response{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse([]byte(tt.text))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseResponse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResponseProgress(t *testing.T) {
	r, err := ParseResponse(FormatResponse(CodeOK, ProgressMessage(true, 2048)))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	state, offset, err := r.Progress()
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if state != "done" || offset != 2048 {
		t.Errorf("Progress() = %q, %d, want done, 2048", state, offset)
	}

	ready, _ := ParseResponse(FormatResponse(CodeOK, ReadyMessage("linux")))
	v, err := ready.Values()
	if err != nil || v.Get("deviceType") != "linux" {
		t.Errorf("Values() deviceType = %q, %v, want linux", v.Get("deviceType"), err)
	}

	empty := Response{Code: CodeOK}
	if _, _, err := empty.Progress(); err == nil {
		t.Error("Progress() on empty payload should fail")
	}
}

func TestResponseErr(t *testing.T) {
	if err := (Response{Code: CodeOK}).Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	err := Response{Code: CodeInvalidStatus, Data: "OTA has not started"}.Err()
	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Err() = %T, want *Error", err)
	}
	if cmdErr.Code != CodeInvalidStatus || cmdErr.Msg != "OTA has not started" {
		t.Errorf("Err() = %+v", cmdErr)
	}
}
