package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Device is a corsacOTA server found on the network.
type Device struct {
	// Instance is the advertised service instance name
	Instance string

	// Hostname is the mDNS hostname (e.g., "gateway.local.")
	Hostname string

	// IP is the preferred address, IPv4 when the server has one
	IP string

	// Port is the websocket port
	Port int

	// DeviceType is the target identifier from the TXT record
	DeviceType string

	// Path is the websocket path from the TXT record
	Path string

	// Metadata holds every TXT record entry
	Metadata map[string]string

	// DiscoveredAt is when the device was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the device
func (d *Device) String() string {
	return fmt.Sprintf("corsacOTA %s [%s] (%s) at %s", d.Instance, d.DeviceType, d.Hostname, d.Address())
}

// Address returns host:port of the device.
func (d *Device) Address() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// URL returns the websocket URL for pushing firmware to the device.
func (d *Device) URL() string {
	path := d.Path
	if path == "" {
		path = "/"
	}
	return "ws://" + d.Address() + path
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (d *Device) GetMetadata(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}
