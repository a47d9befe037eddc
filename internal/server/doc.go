// Package server implements the corsacOTA update server.
//
// A single goroutine owns every socket. Each iteration of Run waits with
// poll(2) on the listener and on a fixed pool of connection slots, then
//  1. serves readable slots that are in the handshake or websocket state,
//  2. accepts at most one new connection into a free slot,
//  3. drains slots whose write side was shut down in an earlier round and
//     frees them once the peer has gone.
//
// # Connection slots
//
// A slot moves through accept, handshake, websocket and closing. Only one
// slot may hold the websocket at a time; a second upgrade request is
// answered with 400 Bad Request and leaves the active connection alone.
// When every slot is taken, new connections are accepted and closed
// immediately.
//
// # Handshake
//
// The upgrade request must be a GET carrying "Upgrade: websocket",
// "Connection: upgrade" and a 24-character Sec-WebSocket-Key. The reply is:
//
//	HTTP/1.1 101 Switching Protocols\r\n
//	Server: corsacOTA server\r\n
//	Upgrade: websocket\r\n
//	Connection: Upgrade\r\n
//	Sec-WebSocket-Accept: <accept>\r\n
//	\r\n
//
// # Messages
//
// Text messages are commands handled by the command package and answered
// with a single text frame. Binary payloads are image data for the ota
// session. The frame decoder in the protocol package answers ping and close
// frames itself.
//
// # Timeouts
//
// RecvTimeout and SendTimeout are applied as deadlines on every read and
// write. A handshake or close that does not complete within RecvTimeout
// has its slot reclaimed.
package server
