//go:build !unix

package ota

import (
	"errors"
	"time"
)

// ExecRestarter is only available on Unix systems.
type ExecRestarter struct {
	Path string
	Args []string
	Env  []string
}

// Restart implements Restarter.
func (ExecRestarter) Restart(time.Duration) error {
	return errors.New("exec restart is not supported on this platform")
}
