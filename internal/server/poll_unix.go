//go:build unix

package server

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// poller waits for readability on raw descriptors with poll(2). A
// self-pipe lets other goroutines interrupt the wait.
type poller struct {
	wakeR, wakeW int
	fds          []unix.PollFd
}

func newPoller() (*poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("failed to create wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("failed to configure wake pipe: %w", err)
		}
	}
	return &poller{wakeR: p[0], wakeW: p[1]}, nil
}

// wait blocks until an entry is readable, the poller is woken, or timeout
// elapses. It fills in the readiness of each entry and returns the number
// of ready entries. An interrupted wait reports zero entries ready.
func (p *poller) wait(entries []pollEntry, timeout time.Duration) (int, error) {
	p.fds = p.fds[:0]
	p.fds = append(p.fds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for _, e := range entries {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(e.fd), Events: unix.POLLIN})
	}

	ms := -1
	if timeout > 0 {
		ms = pollMillis(timeout)
	}

	n, err := unix.Poll(p.fds, ms)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if p.fds[0].Revents != 0 {
		p.drainWake()
		n--
	}
	for i := range entries {
		re := p.fds[i+1].Revents
		entries[i].readable = re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		entries[i].invalid = re&unix.POLLNVAL != 0
	}
	return n, nil
}

// pollMillis rounds a positive timeout up to whole milliseconds so a
// sub-millisecond timeout still blocks.
func pollMillis(timeout time.Duration) int {
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

func (p *poller) wake() {
	// EAGAIN means a wake-up is already pending.
	_, _ = unix.Write(p.wakeW, []byte{1})
}

func (p *poller) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(p.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *poller) close() error {
	return multierr.Append(unix.Close(p.wakeR), unix.Close(p.wakeW))
}

// fdValid reports whether fd still refers to an open descriptor.
func fdValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return !errors.Is(err, unix.EBADF)
}
