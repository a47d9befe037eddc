// Package command implements the text protocol spoken over the update
// websocket.
//
// Requests are single text frames:
//
//	op=start&data=<firmware size in bytes>
//	op=stop&data=
//
// Responses carry a numeric Code and a quoted payload. Success payloads are
// sent as is, error payloads are prefixed with "msg=":
//
//	code=0&data="deviceType=linux&state=ready&offset=0"
//	code=0&data="state=ready&offset=104857"
//	code=3&data="msg=Invalid size"
package command
