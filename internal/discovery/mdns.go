package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/logging"
)

const (
	// ServiceType is the mDNS service type of corsacOTA servers
	ServiceType = "_corsacota._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for device discovery
	DefaultScanTimeout = 5 * time.Second

	// DefaultPort is assumed when an entry carries no port
	DefaultPort = 3241

	// TXT record keys
	TxtDeviceType = "deviceType"
	TxtPath       = "path"
	TxtVersion    = "version"
)

// drainTimeout bounds the wait for the resolver to close its entry channel.
const drainTimeout = time.Second

// ErrNotFound is returned when the requested instance does not answer.
var ErrNotFound = errors.New("device not found")

// Advertiser announces a running server over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// AdvertiseConfig describes the announced service.
type AdvertiseConfig struct {
	Instance   string
	Port       int
	DeviceType string
	Version    string
	// Host and IPs are only needed when announcing on behalf of another
	// host; by default the local hostname and addresses are used.
	Host string
	IPs  []string
	// Interfaces limits the announcement; nil means all multicast interfaces.
	Interfaces []net.Interface
}

// Text returns the TXT record entries of the announcement.
func (c AdvertiseConfig) Text() []string {
	txt := []string{TxtPath + "=/"}
	if c.DeviceType != "" {
		txt = append(txt, TxtDeviceType+"="+c.DeviceType)
	}
	if c.Version != "" {
		txt = append(txt, TxtVersion+"="+c.Version)
	}
	return txt
}

// Advertise registers the service and keeps answering queries until
// Shutdown.
func Advertise(cfg AdvertiseConfig) (*Advertiser, error) {
	if cfg.Instance == "" {
		return nil, errors.New("instance name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	var (
		srv *zeroconf.Server
		err error
	)
	if cfg.Host != "" {
		srv, err = zeroconf.RegisterProxy(cfg.Instance, ServiceType, ServiceDomain, cfg.Port, cfg.Host, cfg.IPs, cfg.Text(), cfg.Interfaces)
	} else {
		srv, err = zeroconf.Register(cfg.Instance, ServiceType, ServiceDomain, cfg.Port, cfg.Text(), cfg.Interfaces)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logging.Info("Advertising service over mDNS",
		zap.String("instance", cfg.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", cfg.Port),
	)
	return &Advertiser{server: srv}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Scanner handles mDNS device discovery
type Scanner struct {
	// Timeout is the maximum time to wait for device discovery
	Timeout time.Duration

	// DeviceType, when set, drops servers announcing another type
	DeviceType string
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultScanTimeout,
	}
}

// Scan collects every server answering within the timeout.
func (s *Scanner) Scan(ctx context.Context) ([]*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		devices []*Device
		seen    = make(map[string]bool)
	)
	err := s.browse(ctx, func(d *Device) bool {
		mu.Lock()
		defer mu.Unlock()
		if !seen[d.Instance] {
			seen[d.Instance] = true
			devices = append(devices, d)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

// Find waits for the named instance to answer.
func (s *Scanner) Find(ctx context.Context, instance string) (*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	found := make(chan *Device, 1)
	err := s.browse(ctx, func(d *Device) bool {
		if d.Instance != instance {
			return true
		}
		select {
		case found <- d:
		default:
		}
		cancel()
		return false
	})
	if err != nil {
		return nil, err
	}

	select {
	case d := <-found:
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %s within %s", ErrNotFound, instance, s.Timeout)
	}
}

// browse passes matching entries to fn until ctx ends or fn returns false.
// It returns once the entry channel has been drained.
func (s *Scanner) browse(ctx context.Context, fn func(*Device) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		accepting := true
		for entry := range entries {
			if !accepting {
				continue
			}
			if d := s.parseServiceEntry(entry); d != nil {
				accepting = fn(d)
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	// The resolver closes entries once ctx is done.
	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(drainTimeout):
	}
	return nil
}

// parseServiceEntry converts a zeroconf service entry to a Device
// Returns nil if the entry is unusable or filtered out
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry == nil || entry.Instance == "" {
		return nil
	}

	// Get IP address (prefer IPv4)
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	// TXT records are in "key=value" format
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	device := &Device{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         port,
		DeviceType:   metadata[TxtDeviceType],
		Path:         metadata[TxtPath],
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
	if s.DeviceType != "" && device.DeviceType != s.DeviceType {
		return nil
	}
	return device
}
