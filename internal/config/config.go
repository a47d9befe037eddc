package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/muurk/corsacota/internal/logging"
)

// Defaults of a missing or partial configuration file.
const (
	DefaultThreadName    = "corsacOTA"
	DefaultListenPort    = 3241
	DefaultMaxListenNum  = 4
	DefaultWaitTimeout   = 60 // seconds
	DefaultDeviceType    = "linux"
	DefaultRestartDelay  = 5 * time.Second
	DefaultRestartMode   = "exit"
	DefaultPartitions    = 2
	DefaultPartitionSize = 16 << 20
	DefaultHostname      = "ota"
	DefaultInstance      = "corsacOTA mDNS"
)

// File is the on-disk configuration.
type File struct {
	Version  int           `yaml:"version"`
	Server   ServerConfig  `yaml:"server"`
	Flash    FlashConfig   `yaml:"flash"`
	MDNS     MDNSConfig    `yaml:"mdns"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level,omitempty"`
}

// ServerConfig configures the update server.
type ServerConfig struct {
	ThreadName      string        `yaml:"thread_name"`
	Host            string        `yaml:"host,omitempty"`
	ListenPort      int           `yaml:"listen_port"`
	MaxListenNum    int           `yaml:"max_listen_num"`
	WaitTimeoutSec  int           `yaml:"wait_timeout_sec"`
	WaitTimeoutUsec int           `yaml:"wait_timeout_usec"`
	DeviceType      string        `yaml:"device_type"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	RestartMode     string        `yaml:"restart_mode"`
}

// FlashConfig locates the partition store.
type FlashConfig struct {
	Dir           string `yaml:"dir"`
	Partitions    int    `yaml:"partitions"`
	PartitionSize int64  `yaml:"partition_size"`
}

// MDNSConfig controls service advertisement.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	Instance string `yaml:"instance"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		Version: 1,
		Server: ServerConfig{
			ThreadName:     DefaultThreadName,
			ListenPort:     DefaultListenPort,
			MaxListenNum:   DefaultMaxListenNum,
			WaitTimeoutSec: DefaultWaitTimeout,
			DeviceType:     DefaultDeviceType,
			RestartDelay:   DefaultRestartDelay,
			RestartMode:    DefaultRestartMode,
		},
		Flash: FlashConfig{
			Partitions:    DefaultPartitions,
			PartitionSize: DefaultPartitionSize,
		},
		MDNS: MDNSConfig{
			Enabled:  true,
			Hostname: DefaultHostname,
			Instance: DefaultInstance,
		},
	}
}

// ServerTimeout combines the wait timeout fields.
func (f *File) ServerTimeout() time.Duration {
	return time.Duration(f.Server.WaitTimeoutSec)*time.Second +
		time.Duration(f.Server.WaitTimeoutUsec)*time.Microsecond
}

// Validate checks the configuration for values the server cannot use.
func (f *File) Validate() error {
	var errs []error

	if f.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported config version: %d (expected 1)", f.Version))
	}

	s := f.Server
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("server.listen_port %d out of range", s.ListenPort))
	}
	if s.MaxListenNum < 1 {
		errs = append(errs, fmt.Errorf("server.max_listen_num must be at least 1, got %d", s.MaxListenNum))
	}
	if s.WaitTimeoutSec < 0 || s.WaitTimeoutUsec < 0 {
		errs = append(errs, errors.New("server.wait_timeout must not be negative"))
	}
	if s.WaitTimeoutUsec >= 1000000 {
		errs = append(errs, fmt.Errorf("server.wait_timeout_usec must be below 1000000, got %d", s.WaitTimeoutUsec))
	}
	if s.RestartDelay < 0 {
		errs = append(errs, errors.New("server.restart_delay must not be negative"))
	}
	switch s.RestartMode {
	case "exit", "exec":
	default:
		errs = append(errs, fmt.Errorf("server.restart_mode %q is not one of exit, exec", s.RestartMode))
	}

	if f.Flash.Partitions < 2 {
		errs = append(errs, fmt.Errorf("flash.partitions must be at least 2, got %d", f.Flash.Partitions))
	}
	if f.Flash.PartitionSize <= 0 {
		errs = append(errs, fmt.Errorf("flash.partition_size must be positive, got %d", f.Flash.PartitionSize))
	}

	if f.MDNS.Enabled && f.MDNS.Instance == "" {
		errs = append(errs, errors.New("mdns.instance is required when mdns is enabled"))
	}

	if f.LogLevel != "" {
		if _, err := logging.ParseLevel(f.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}

	return multierr.Combine(errs...)
}
