//go:build !unix

package server

import (
	"errors"
	"time"
)

var errNoPoll = errors.New("readiness polling is not supported on this platform")

type poller struct{}

func newPoller() (*poller, error) {
	return nil, errNoPoll
}

func (p *poller) wait([]pollEntry, time.Duration) (int, error) {
	return 0, errNoPoll
}

func (p *poller) wake() {}

func (p *poller) close() error { return nil }

func fdValid(int) bool { return false }
