package discovery

import (
	"testing"
)

func TestDevice_String(t *testing.T) {
	device := &Device{
		Instance:   "corsacOTA",
		Hostname:   "gateway.local.",
		IP:         "192.168.4.1",
		Port:       3241,
		DeviceType: "esp32",
	}

	expected := "corsacOTA corsacOTA [esp32] (gateway.local.) at 192.168.4.1:3241"
	if device.String() != expected {
		t.Errorf("Device.String() = %v, want %v", device.String(), expected)
	}
}

func TestDevice_URL(t *testing.T) {
	tests := []struct {
		name     string
		device   *Device
		expected string
	}{
		{
			name:     "default path",
			device:   &Device{IP: "192.168.4.1", Port: 3241},
			expected: "ws://192.168.4.1:3241/",
		},
		{
			name:     "advertised path",
			device:   &Device{IP: "10.0.0.5", Port: 8080, Path: "/ota"},
			expected: "ws://10.0.0.5:8080/ota",
		},
		{
			name:     "IPv6",
			device:   &Device{IP: "fe80::1", Port: 3241},
			expected: "ws://[fe80::1]:3241/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.device.URL(); got != tt.expected {
				t.Errorf("Device.URL() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDevice_GetMetadata(t *testing.T) {
	device := &Device{
		Metadata: map[string]string{
			"path":       "/",
			"deviceType": "esp32",
		},
	}

	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{
			name:     "existing key",
			key:      "path",
			expected: "/",
		},
		{
			name:     "another existing key",
			key:      "deviceType",
			expected: "esp32",
		},
		{
			name:     "non-existent key",
			key:      "missing",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := device.GetMetadata(tt.key); got != tt.expected {
				t.Errorf("Device.GetMetadata(%v) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestDevice_GetMetadata_NilMap(t *testing.T) {
	device := &Device{
		Metadata: nil,
	}

	if got := device.GetMetadata("anything"); got != "" {
		t.Errorf("Device.GetMetadata() with nil map = %v, want empty string", got)
	}
}
