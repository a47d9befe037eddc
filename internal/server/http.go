package server

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/logging"
)

// websocketGUID is appended to the client key before hashing (RFC 6455 1.3).
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrBadRequest is returned for any malformed or unsupported upgrade request.
var ErrBadRequest = errors.New("bad websocket upgrade request")

var headerTerminator = []byte("\r\n\r\n")

var badRequestResponse = []byte("HTTP/1.1 400 Bad Request\r\n" +
	"Server: corsacOTA server\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n" +
	"\r\n")

// HeaderEnd returns the length of the HTTP header in b including the blank
// line that ends it, or -1 if the header is incomplete.
func HeaderEnd(b []byte) int {
	i := bytes.Index(b, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// ParseUpgradeRequest parses a complete request header and validates it as
// a WebSocket upgrade. It returns the request and its Sec-WebSocket-Key.
func ParseUpgradeRequest(header []byte) (*http.Request, string, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	key, err := ValidateUpgradeRequest(req)
	if err != nil {
		return req, "", err
	}
	return req, key, nil
}

// ValidateUpgradeRequest checks the upgrade headers and returns the client
// key.
func ValidateUpgradeRequest(req *http.Request) (string, error) {
	if req.Method != http.MethodGet {
		return "", fmt.Errorf("%w: invalid method %s (expected GET)", ErrBadRequest, req.Method)
	}

	if !headerContainsToken(req.Header, "Upgrade", "websocket") {
		return "", fmt.Errorf("%w: invalid Upgrade header %q (expected websocket)", ErrBadRequest, req.Header.Get("Upgrade"))
	}

	if !headerContainsToken(req.Header, "Connection", "upgrade") {
		return "", fmt.Errorf("%w: invalid Connection header %q (expected upgrade)", ErrBadRequest, req.Header.Get("Connection"))
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	if len(key) != 24 {
		return "", fmt.Errorf("%w: Sec-WebSocket-Key must be 24 characters, got %d", ErrBadRequest, len(key))
	}
	if nonce, err := base64.StdEncoding.DecodeString(key); err != nil || len(nonce) != 16 {
		return "", fmt.Errorf("%w: Sec-WebSocket-Key is not a base64 16-byte nonce", ErrBadRequest)
	}

	return key, nil
}

// headerContainsToken reports whether a comma-separated header carries token,
// compared case-insensitively as a whole element.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// SwitchingProtocolsResponse builds the 101 response completing the
// handshake.
func SwitchingProtocolsResponse(accept string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Server: corsacOTA server\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"\r\n")
}

// BadRequestResponse returns the 400 response sent before failing a
// handshake.
func BadRequestResponse() []byte {
	return badRequestResponse
}

// logHTTPRequestDetails logs all details of an HTTP request
func logHTTPRequestDetails(log *zap.Logger, req *http.Request, remoteAddr string) {
	headers := make(map[string]string)
	for key, values := range req.Header {
		headers[key] = strings.Join(values, ", ")
	}

	logging.LogHTTPRequest(log, remoteAddr, req.Method, req.URL.Path, headers)

	// Log specific WebSocket headers at debug level
	log.Debug("WebSocket upgrade request details",
		zap.String("remote_addr", remoteAddr),
		zap.String("host", req.Host),
		zap.String("origin", req.Header.Get("Origin")),
		zap.String("sec_websocket_key", req.Header.Get("Sec-WebSocket-Key")),
		zap.String("sec_websocket_version", req.Header.Get("Sec-WebSocket-Version")),
		zap.String("user_agent", req.Header.Get("User-Agent")),
	)
}
