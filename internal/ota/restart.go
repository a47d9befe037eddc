package ota

import (
	"fmt"
	"os"
	"time"

	"github.com/muurk/corsacota/internal/logging"
)

// Restarter restarts the process into the newly selected image after a
// delay. A successful restart does not return.
type Restarter interface {
	Restart(delay time.Duration) error
}

// RestarterFunc adapts a function to Restarter.
type RestarterFunc func(delay time.Duration) error

// Restart calls f(delay).
func (f RestarterFunc) Restart(delay time.Duration) error {
	return f(delay)
}

// Restart modes accepted by NewRestarter.
const (
	RestartExit = "exit"
	RestartExec = "exec"
)

// NewRestarter returns the restarter for a configured mode.
func NewRestarter(mode string) (Restarter, error) {
	switch mode {
	case "", RestartExit:
		return ExitRestarter{}, nil
	case RestartExec:
		return ExecRestarter{}, nil
	default:
		return nil, fmt.Errorf("unknown restart mode %q (want %q or %q)", mode, RestartExit, RestartExec)
	}
}

// ExitRestarter terminates the process without running deferred cleanup,
// leaving the restart to a supervisor such as systemd.
type ExitRestarter struct {
	ExitCode int
}

// Restart implements Restarter.
func (r ExitRestarter) Restart(delay time.Duration) error {
	time.Sleep(delay)
	logging.Info("Restarting: exiting process")
	logging.Sync()
	os.Exit(r.ExitCode)
	return nil
}
