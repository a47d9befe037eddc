//go:build unix

package ota

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/muurk/corsacota/internal/logging"
)

// ExecRestarter replaces the process image with a fresh instance. Empty
// fields default to the current executable, arguments and environment.
type ExecRestarter struct {
	Path string
	Args []string
	Env  []string
}

// Restart implements Restarter.
func (r ExecRestarter) Restart(delay time.Duration) error {
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := r.Args
	if args == nil {
		args = os.Args
	}
	env := r.Env
	if env == nil {
		env = os.Environ()
	}

	time.Sleep(delay)
	logging.Info("Restarting: re-executing", zap.String("path", path))
	logging.Sync()

	if err := unix.Exec(path, args, env); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
