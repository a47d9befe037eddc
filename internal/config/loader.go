package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "corsacota"
	configFile = "config.yaml"

	// EnvPrefix starts every environment override.
	EnvPrefix = "CORSACOTA_"
)

// Mutex for thread-safe file operations
var fileMutex sync.Mutex

// GetConfigDir returns the OS-appropriate configuration directory for the application.
// This follows platform conventions:
//   - Linux: $XDG_CONFIG_HOME/corsacota or $HOME/.config/corsacota
//   - macOS: $HOME/.config/corsacota (following XDG convention on macOS)
//   - Windows: %LOCALAPPDATA%\corsacota
func GetConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appName), nil
		}
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(userProfile, "AppData", "Local", appName), nil

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil

	default:
		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			return filepath.Join(xdgConfigHome, appName), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil
	}
}

// GetConfigPath returns the full path to the default configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// DefaultFlashDir is the partition store used when flash.dir is unset.
func DefaultFlashDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "flash"), nil
}

// Load reads the configuration at path, or the default path when path is
// empty. A missing default file yields the defaults; a missing explicit
// file is an error. Environment overrides are applied afterwards.
func Load(path string) (*File, error) {
	explicit := path != ""
	if !explicit {
		p, err := GetConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	f, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		f, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := f.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return f, nil
}

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Unset keys keep their defaults.
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d (expected 1)", f.Version)
	}
	return f, nil
}

// LoadDotenv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotenv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return true, nil
}

// ApplyEnv overrides file values with CORSACOTA_* variables.
func (f *File) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("THREAD_NAME", &f.Server.ThreadName)
	str("HOST", &f.Server.Host)
	num("LISTEN_PORT", &f.Server.ListenPort)
	num("MAX_LISTEN_NUM", &f.Server.MaxListenNum)
	num("WAIT_TIMEOUT_SEC", &f.Server.WaitTimeoutSec)
	num("WAIT_TIMEOUT_USEC", &f.Server.WaitTimeoutUsec)
	str("DEVICE_TYPE", &f.Server.DeviceType)
	duration("RESTART_DELAY", &f.Server.RestartDelay)
	str("RESTART_MODE", &f.Server.RestartMode)
	str("FLASH_DIR", &f.Flash.Dir)
	num("FLASH_PARTITIONS", &f.Flash.Partitions)
	num64("FLASH_PARTITION_SIZE", &f.Flash.PartitionSize)
	flag("MDNS_ENABLED", &f.MDNS.Enabled)
	str("MDNS_HOSTNAME", &f.MDNS.Hostname)
	str("MDNS_INSTANCE", &f.MDNS.Instance)
	str("METRICS_ADDR", &f.Metrics.Addr)
	str("LOG_LEVEL", &f.LogLevel)

	return multierr.Combine(errs...)
}

// Save writes the configuration to path, or the default path when path is
// empty. Performs an atomic write to prevent corruption on crash.
func (f *File) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# corsacOTA Configuration File
#
# Values can be overridden with CORSACOTA_* environment variables
# (e.g. CORSACOTA_LISTEN_PORT) or command-line flags.
#
# Location: ` + path + `

`)
	data = append(header, data...)

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}
