//go:build unix

package server

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// closedFD returns a descriptor number that no longer refers to anything.
func closedFD(t *testing.T) int {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("Pipe() failed: %v", err)
	}
	unix.Close(p[1])
	unix.Close(p[0])
	return p[0]
}

func openFD(t *testing.T) int {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("Pipe() failed: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0]
}

type slotsRecorder struct {
	nopObserver
	inUse []int
}

func (r *slotsRecorder) SlotsInUse(n int) { r.inUse = append(r.inUse, n) }

// attachLoopback binds the server side of a loopback connection to a slot
// of s and makes it the active websocket.
func attachLoopback(t *testing.T, s *Server) *slot {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept() failed: %v", err)
	}

	sl := s.slots[0]
	if err := sl.attach(conn.(*net.TCPConn)); err != nil {
		t.Fatalf("attach() failed: %v", err)
	}
	sl.setState(slotWebsocket)
	s.active = sl
	return sl
}

func TestFdValid(t *testing.T) {
	tests := []struct {
		name string
		fd   int
		want bool
	}{
		{"open pipe", openFD(t), true},
		{"closed pipe", closedFD(t), false},
		{"negative", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fdValid(tt.fd); got != tt.want {
				t.Errorf("fdValid(%d) = %v, want %v", tt.fd, got, tt.want)
			}
		})
	}
}

func TestPollMillis(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    int
	}{
		{time.Nanosecond, 1},
		{500 * time.Microsecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + 1, 2},
		{time.Second, 1000},
	}

	for _, tt := range tests {
		if got := pollMillis(tt.timeout); got != tt.want {
			t.Errorf("pollMillis(%v) = %d, want %d", tt.timeout, got, tt.want)
		}
	}
}

func TestPollerSubMillisecondTimeoutBlocks(t *testing.T) {
	p, err := newPoller()
	if err != nil {
		t.Fatalf("newPoller() failed: %v", err)
	}
	defer p.close()

	entries := []pollEntry{{fd: openFD(t), slot: 0}}
	start := time.Now()
	n, err := p.wait(entries, 500*time.Microsecond)
	if err != nil {
		t.Fatalf("wait() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("wait() = %d, want 0 ready", n)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Microsecond {
		t.Errorf("wait() returned after %v, want at least the timeout", elapsed)
	}
}

func TestPollerReportsInvalidDescriptor(t *testing.T) {
	p, err := newPoller()
	if err != nil {
		t.Fatalf("newPoller() failed: %v", err)
	}
	defer p.close()

	entries := []pollEntry{{fd: closedFD(t), slot: 0}}
	n, err := p.wait(entries, time.Second)
	if err != nil {
		t.Fatalf("wait() failed: %v", err)
	}
	if n != 1 || !entries[0].invalid {
		t.Errorf("wait() = %d, invalid = %v, want 1 invalid entry", n, entries[0].invalid)
	}
}

func TestServerSweep(t *testing.T) {
	obs := &slotsRecorder{}
	s, err := New(Config{MaxListenNum: 2}, nil, nil, WithObserver(obs))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	sl := attachLoopback(t, s)
	if got := s.slotsInUse(); got != 1 {
		t.Fatalf("slotsInUse() = %d, want 1", got)
	}

	// A descriptor that went away behind the server's back.
	sl.fd = closedFD(t)
	s.sweep()

	if sl.state != slotAccept || sl.inUse() {
		t.Errorf("slot state = %v, in use = %v, want a free slot", sl.state, sl.inUse())
	}
	if s.active != nil {
		t.Error("active websocket not cleared")
	}
	if got := s.slotsInUse(); got != 0 {
		t.Errorf("slotsInUse() = %d, want 0", got)
	}
	if len(obs.inUse) == 0 || obs.inUse[len(obs.inUse)-1] != 0 {
		t.Errorf("observed slots in use = %v, want a final 0", obs.inUse)
	}
}

func TestServerSweepKeepsValidSlots(t *testing.T) {
	s, err := New(Config{MaxListenNum: 2}, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	sl := attachLoopback(t, s)
	s.sweep()

	if !sl.inUse() || s.active != sl {
		t.Error("sweep released a slot with a valid descriptor")
	}
}

func TestServerStepReleasesInvalidDescriptor(t *testing.T) {
	s, err := New(Config{Host: "127.0.0.1", MaxListenNum: 2, PollTimeout: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}

	sl := attachLoopback(t, s)
	sl.fd = closedFD(t)
	s.step()

	if sl.inUse() || sl.state != slotAccept {
		t.Errorf("slot state = %v, in use = %v, want a free slot", sl.state, sl.inUse())
	}
	if s.active != nil {
		t.Error("active websocket not cleared")
	}
}
