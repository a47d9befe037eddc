package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.Contains(configDir, "corsacota") {
		t.Errorf("GetConfigDir() = %v, should contain 'corsacota'", configDir)
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG_CONFIG_HOME only applies on Linux and other Unix systems")
	}

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if want := filepath.Join(dir, "corsacota"); got != want {
		t.Errorf("GetConfigDir() = %v, want %v", got, want)
	}
}

func TestDefault(t *testing.T) {
	f := Default()

	if err := f.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port", f.Server.ListenPort, 3241},
		{"slots", f.Server.MaxListenNum, 4},
		{"thread name", f.Server.ThreadName, "corsacOTA"},
		{"timeout", f.ServerTimeout(), 60 * time.Second},
		{"hostname", f.MDNS.Hostname, "ota"},
		{"instance", f.MDNS.Instance, "corsacOTA mDNS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Default() %s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestServerTimeout(t *testing.T) {
	tests := []struct {
		sec, usec int
		want      time.Duration
	}{
		{60, 0, 60 * time.Second},
		{0, 500000, 500 * time.Millisecond},
		{1, 250, time.Second + 250*time.Microsecond},
		{0, 0, 0},
	}

	for _, tt := range tests {
		f := Default()
		f.Server.WaitTimeoutSec = tt.sec
		f.Server.WaitTimeoutUsec = tt.usec
		if got := f.ServerTimeout(); got != tt.want {
			t.Errorf("ServerTimeout(%d s, %d us) = %v, want %v", tt.sec, tt.usec, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*File)
		wantErr string
	}{
		{"valid", func(*File) {}, ""},
		{"bad version", func(f *File) { f.Version = 2 }, "version"},
		{"port too large", func(f *File) { f.Server.ListenPort = 70000 }, "listen_port"},
		{"no slots", func(f *File) { f.Server.MaxListenNum = 0 }, "max_listen_num"},
		{"negative timeout", func(f *File) { f.Server.WaitTimeoutSec = -1 }, "wait_timeout"},
		{"usec overflow", func(f *File) { f.Server.WaitTimeoutUsec = 1000000 }, "wait_timeout_usec"},
		{"restart mode", func(f *File) { f.Server.RestartMode = "reboot" }, "restart_mode"},
		{"negative restart delay", func(f *File) { f.Server.RestartDelay = -time.Second }, "restart_delay"},
		{"one partition", func(f *File) { f.Flash.Partitions = 1 }, "flash.partitions"},
		{"no partition size", func(f *File) { f.Flash.PartitionSize = 0 }, "partition_size"},
		{"mdns without instance", func(f *File) { f.MDNS.Instance = "" }, "mdns.instance"},
		{"mdns disabled without instance", func(f *File) { f.MDNS.Enabled = false; f.MDNS.Instance = "" }, ""},
		{"log level", func(f *File) { f.LogLevel = "loud" }, "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.mutate(f)
			err := f.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `version: 1
server:
  listen_port: 8032
  device_type: esp32
  restart_delay: 2s
mdns:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if f.Server.ListenPort != 8032 {
		t.Errorf("ListenPort = %v, want 8032", f.Server.ListenPort)
	}
	if f.Server.DeviceType != "esp32" {
		t.Errorf("DeviceType = %v, want esp32", f.Server.DeviceType)
	}
	if f.Server.RestartDelay != 2*time.Second {
		t.Errorf("RestartDelay = %v, want 2s", f.Server.RestartDelay)
	}
	if f.MDNS.Enabled {
		t.Error("MDNS.Enabled = true, want false")
	}
	// Keys absent from the file keep their defaults.
	if f.Server.MaxListenNum != DefaultMaxListenNum {
		t.Errorf("MaxListenNum = %v, want default %v", f.Server.MaxListenNum, DefaultMaxListenNum)
	}
	if f.MDNS.Instance != DefaultInstance {
		t.Errorf("MDNS.Instance = %v, want default %v", f.MDNS.Instance, DefaultInstance)
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("LOCALAPPDATA", t.TempDir())

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(explicit missing) error = nil, want error")
	}

	if runtime.GOOS == "darwin" {
		return
	}
	f, err := Load("")
	if err != nil {
		t.Fatalf("Load(default missing) error = %v", err)
	}
	if f.Server.ListenPort != DefaultListenPort {
		t.Errorf("ListenPort = %v, want default %v", f.Server.ListenPort, DefaultListenPort)
	}
}

func TestLoad_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("version: 3\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("Load() error = %v, want version error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CORSACOTA_LISTEN_PORT":          "9000",
		"CORSACOTA_MAX_LISTEN_NUM":       "2",
		"CORSACOTA_WAIT_TIMEOUT_USEC":    "1500",
		"CORSACOTA_DEVICE_TYPE":          "esp32s3",
		"CORSACOTA_RESTART_DELAY":        "250ms",
		"CORSACOTA_FLASH_PARTITION_SIZE": "4194304",
		"CORSACOTA_MDNS_ENABLED":         "false",
		"CORSACOTA_METRICS_ADDR":         ":9100",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	f := Default()
	if err := f.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if f.Server.ListenPort != 9000 {
		t.Errorf("ListenPort = %v, want 9000", f.Server.ListenPort)
	}
	if f.Server.MaxListenNum != 2 {
		t.Errorf("MaxListenNum = %v, want 2", f.Server.MaxListenNum)
	}
	if f.Server.WaitTimeoutUsec != 1500 {
		t.Errorf("WaitTimeoutUsec = %v, want 1500", f.Server.WaitTimeoutUsec)
	}
	if f.Server.DeviceType != "esp32s3" {
		t.Errorf("DeviceType = %v, want esp32s3", f.Server.DeviceType)
	}
	if f.Server.RestartDelay != 250*time.Millisecond {
		t.Errorf("RestartDelay = %v, want 250ms", f.Server.RestartDelay)
	}
	if f.Flash.PartitionSize != 4<<20 {
		t.Errorf("PartitionSize = %v, want %v", f.Flash.PartitionSize, 4<<20)
	}
	if f.MDNS.Enabled {
		t.Error("MDNS.Enabled = true, want false")
	}
	if f.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %v, want :9100", f.Metrics.Addr)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	env := map[string]string{
		"CORSACOTA_LISTEN_PORT":   "http",
		"CORSACOTA_RESTART_DELAY": "soon",
	}
	f := Default()
	err := f.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err == nil {
		t.Fatal("ApplyEnv() error = nil, want error")
	}
	for _, name := range []string{"CORSACOTA_LISTEN_PORT", "CORSACOTA_RESTART_DELAY"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("ApplyEnv() error = %v, want mention of %s", err, name)
		}
	}
	if f.Server.ListenPort != DefaultListenPort {
		t.Errorf("ListenPort = %v, want unchanged default", f.Server.ListenPort)
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CORSACOTA_TEST_DOTENV=from-file\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CORSACOTA_TEST_DOTENV") })

	loaded, err := LoadDotenv(path)
	if err != nil || !loaded {
		t.Fatalf("LoadDotenv() = %v, %v, want true, nil", loaded, err)
	}
	if got := os.Getenv("CORSACOTA_TEST_DOTENV"); got != "from-file" {
		t.Errorf("CORSACOTA_TEST_DOTENV = %q, want %q", got, "from-file")
	}

	loaded, err = LoadDotenv(filepath.Join(dir, "missing.env"))
	if err != nil || loaded {
		t.Errorf("LoadDotenv(missing) = %v, %v, want false, nil", loaded, err)
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	f := Default()
	f.Server.DeviceType = "esp32c3"
	f.Server.RestartMode = "exec"
	f.Flash.Dir = "/var/lib/corsacota"

	if err := f.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "# corsacOTA Configuration File") {
		t.Error("saved file is missing the header comment")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.DeviceType != "esp32c3" || loaded.Server.RestartMode != "exec" || loaded.Flash.Dir != "/var/lib/corsacota" {
		t.Errorf("Load() after Save() = %+v", loaded.Server)
	}
	if loaded.Server.RestartDelay != DefaultRestartDelay {
		t.Errorf("RestartDelay = %v, want %v", loaded.Server.RestartDelay, DefaultRestartDelay)
	}
}
