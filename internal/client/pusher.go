package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/command"
	"github.com/muurk/corsacota/internal/logging"
)

const (
	// DefaultChunkSize is the payload of each binary frame.
	DefaultChunkSize = 4096

	// DefaultTimeout bounds the wait for any single response.
	DefaultTimeout = 30 * time.Second

	stateReady = "ready"
	stateDone  = "done"

	// readErrGrace is how long a failed write waits for the reader's error.
	readErrGrace = 100 * time.Millisecond
)

// ErrUnexpectedResponse is returned when the server answers out of protocol.
var ErrUnexpectedResponse = errors.New("unexpected response")

// Progress reports an upload in flight.
type Progress struct {
	Sent  int64 // bytes written to the socket
	Acked int64 // offset confirmed by the server
	Total int64
	Done  bool
}

// Percent returns the confirmed share of the image in [0, 1].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Acked) / float64(p.Total)
}

// Pusher uploads firmware images to a corsacOTA server.
type Pusher struct {
	// ChunkSize is the payload of each binary frame
	ChunkSize int

	// Timeout bounds the wait for any single response
	Timeout time.Duration

	// DeviceType, when set, must match the type reported by the server
	DeviceType string

	Dialer *websocket.Dialer
	log    *zap.Logger
}

// NewPusher returns a pusher with default settings.
func NewPusher() *Pusher {
	return &Pusher{
		ChunkSize: DefaultChunkSize,
		Timeout:   DefaultTimeout,
		Dialer:    websocket.DefaultDialer,
		log:       logging.Named("push"),
	}
}

func (p *Pusher) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	d := p.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return conn, nil
}

// Stop asks the server to abandon any update in progress.
func (p *Pusher) Stop(ctx context.Context, url string) error {
	conn, err := p.dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()
	return p.sendStop(ctx, conn)
}

func (p *Pusher) sendStop(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(command.Command{Op: command.OpStop}.Format())); err != nil {
		return fmt.Errorf("failed to send stop: %w", err)
	}
	resp, err := p.readResponse(ctx, conn)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Push uploads img and waits for the server to confirm the complete image.
// progress, when non-nil, is called from the calling goroutine.
func (p *Pusher) Push(ctx context.Context, url string, img *Image, progress func(Progress)) error {
	if progress == nil {
		progress = func(Progress) {}
	}
	total := img.Size()
	if total == 0 {
		return ErrEmptyImage
	}

	conn, err := p.dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := command.Command{Op: command.OpStart, Data: strconv.FormatInt(total, 10)}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start.Format())); err != nil {
		return fmt.Errorf("failed to send start: %w", err)
	}

	resp, err := p.readResponse(ctx, conn)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("start rejected: %w", err)
	}
	values, err := resp.Values()
	if err != nil || values.Get("state") != stateReady {
		return fmt.Errorf("%w to start: %q", ErrUnexpectedResponse, resp.Data)
	}
	if p.DeviceType != "" && values.Get("deviceType") != p.DeviceType {
		if err := p.sendStop(ctx, conn); err != nil {
			p.log.Warn("Failed to stop rejected upload", zap.Error(err))
		}
		return fmt.Errorf("device type %q does not match %q", values.Get("deviceType"), p.DeviceType)
	}

	p.log.Info("Upload started",
		zap.String("url", url),
		zap.Int64("size", total),
		zap.String("device_type", values.Get("deviceType")),
	)

	// Responses arrive while chunks are still being written.
	responses := make(chan command.Response, 16)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			r, err := command.ParseResponse(data)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case responses <- r:
			case <-quit:
				return
			}
		}
	}()

	state := Progress{Total: total}
	handle := func(r command.Response) error {
		if err := r.Err(); err != nil {
			return err
		}
		st, offset, err := r.Progress()
		if err != nil {
			return err
		}
		state.Acked = offset
		state.Done = st == stateDone
		progress(state)
		return nil
	}

	// lost reports a failed read. Responses queued before the failure are
	// handled first, since the server answers before it closes.
	lost := func(cause error) error {
		for {
			select {
			case r := <-responses:
				if err := handle(r); err != nil {
					return fmt.Errorf("upload failed at offset %d: %w", state.Acked, err)
				}
			default:
				if state.Done {
					return nil
				}
				return fmt.Errorf("connection lost at offset %d: %w", state.Acked, cause)
			}
		}
	}

	chunk := p.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	for off := int64(0); off < total; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-responses:
			if err := handle(r); err != nil {
				return fmt.Errorf("upload failed at offset %d: %w", state.Sent, err)
			}
			continue
		case err := <-readErr:
			return lost(err)
		default:
		}

		end := min(off+int64(chunk), total)
		conn.SetWriteDeadline(time.Now().Add(p.timeout()))
		if err := conn.WriteMessage(websocket.BinaryMessage, img.Data[off:end]); err != nil {
			// The reader usually sees why the connection went away.
			select {
			case rerr := <-readErr:
				return lost(rerr)
			case <-time.After(readErrGrace):
			}
			return fmt.Errorf("failed to send image data: %w", err)
		}
		off = end
		state.Sent = off
		progress(state)
	}

	for !state.Done {
		timer := time.NewTimer(p.timeout())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("no response within %s at offset %d", p.timeout(), state.Acked)
		case err := <-readErr:
			timer.Stop()
			return lost(err)
		case r := <-responses:
			timer.Stop()
			if err := handle(r); err != nil {
				return fmt.Errorf("upload failed at offset %d: %w", state.Acked, err)
			}
		}
	}

	p.log.Info("Upload complete", zap.String("url", url), zap.Int64("size", total))
	return nil
}

// readResponse waits for one text response.
func (p *Pusher) readResponse(ctx context.Context, conn *websocket.Conn) (command.Response, error) {
	deadline := time.Now().Add(p.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	mt, data, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() != nil {
			return command.Response{}, ctx.Err()
		}
		return command.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	if mt != websocket.TextMessage {
		return command.Response{}, fmt.Errorf("%w: message type %d", ErrUnexpectedResponse, mt)
	}
	return command.ParseResponse(data)
}

func (p *Pusher) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}
