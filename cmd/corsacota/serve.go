package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/corsacota/internal/config"
	"github.com/muurk/corsacota/internal/discovery"
	"github.com/muurk/corsacota/internal/flash"
	"github.com/muurk/corsacota/internal/logging"
	"github.com/muurk/corsacota/internal/metrics"
	"github.com/muurk/corsacota/internal/ota"
	"github.com/muurk/corsacota/internal/server"
	"github.com/muurk/corsacota/internal/version"
)

// Serve command flags
var (
	serveHost         string
	servePort         int
	serveMaxListenNum int
	serveDeviceType   string
	serveFlashDir     string
	serveRestartMode  string
	serveRestartDelay time.Duration
	serveNoMDNS       bool
	serveMetricsAddr  string
	serveLogLevel     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the firmware update server",
	Long: `Run the corsacOTA websocket server.

A client connects, sends "op=start&data=<size>", streams the image as
binary frames and receives progress responses. Once the whole image is
written the boot record is switched to the new partition and the process
restarts after the configured delay.

Settings are read from the configuration file, then CORSACOTA_*
environment variables (a .env file is loaded first), then flags.`,
	Example: `  # Serve with defaults on port 3241
  corsacota serve

  # Custom port and flash directory, no mDNS
  corsacota serve --port 8032 --flash-dir /var/lib/corsacota --no-mdns

  # Expose Prometheus metrics
  corsacota serve --metrics-addr :9100 --log-level debug`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveHost, "host", "", "Listen address (empty = all interfaces)")
	f.IntVar(&servePort, "port", config.DefaultListenPort, "Listen port")
	f.IntVar(&serveMaxListenNum, "max-listen-num", config.DefaultMaxListenNum, "Connection slots")
	f.StringVar(&serveDeviceType, "device-type", config.DefaultDeviceType, "Device type reported to clients")
	f.StringVar(&serveFlashDir, "flash-dir", "", "Partition store directory")
	f.StringVar(&serveRestartMode, "restart-mode", config.DefaultRestartMode, "Restart after an update (exit, exec)")
	f.DurationVar(&serveRestartDelay, "restart-delay", config.DefaultRestartDelay, "Delay between completion and restart")
	f.BoolVar(&serveNoMDNS, "no-mdns", false, "Do not advertise over mDNS")
	f.StringVar(&serveMetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (disabled if empty)")
	f.StringVar(&serveLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the dotenv file and the configuration file.
func loadConfig() (*config.File, error) {
	if _, err := config.LoadDotenv(envFile); err != nil {
		return nil, err
	}
	return config.Load(configPath)
}

// applyServeFlags copies explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.File) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Server.Host = serveHost
	}
	if changed("port") {
		cfg.Server.ListenPort = servePort
	}
	if changed("max-listen-num") {
		cfg.Server.MaxListenNum = serveMaxListenNum
	}
	if changed("device-type") {
		cfg.Server.DeviceType = serveDeviceType
	}
	if changed("flash-dir") {
		cfg.Flash.Dir = serveFlashDir
	}
	if changed("restart-mode") {
		cfg.Server.RestartMode = serveRestartMode
	}
	if changed("restart-delay") {
		cfg.Server.RestartDelay = serveRestartDelay
	}
	if changed("no-mdns") {
		cfg.MDNS.Enabled = !serveNoMDNS
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = serveMetricsAddr
	}
	if changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
}

// serverConfig maps the file settings onto the server configuration.
func serverConfig(cfg *config.File) server.Config {
	sc := server.DefaultConfig()
	sc.Host = cfg.Server.Host
	sc.Port = cfg.Server.ListenPort
	sc.MaxListenNum = cfg.Server.MaxListenNum
	sc.DeviceType = cfg.Server.DeviceType
	sc.RestartDelay = cfg.Server.RestartDelay
	sc.Name = cfg.Server.ThreadName
	if d := cfg.ServerTimeout(); d > 0 {
		sc.RecvTimeout = d
		sc.SendTimeout = d
	}
	return sc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The server logs at info unless told otherwise.
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	if err := logging.Initialize(level); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Named("serve")

	flashDir := cfg.Flash.Dir
	if flashDir == "" {
		if flashDir, err = config.DefaultFlashDir(); err != nil {
			return err
		}
	}
	flasher, err := flash.NewFileFlasher(flashDir, cfg.Flash.Partitions, cfg.Flash.PartitionSize)
	if err != nil {
		return fmt.Errorf("failed to open partition store: %w", err)
	}
	if rec, err := flasher.ReadBootRecord(); err == nil {
		log.Info("Boot record",
			zap.String("boot", rec.Boot),
			zap.Int64("size", rec.Size),
			zap.String("sha256", rec.SHA256),
		)
	}

	restarter, err := ota.NewRestarter(cfg.Server.RestartMode)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	srv, err := server.New(serverConfig(cfg), flasher, restarter,
		server.WithObserver(metrics.NewServerObserver(reg)),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		ms := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
		log.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	if cfg.MDNS.Enabled {
		adv, err := advertise(cfg, srv.Addr())
		if err != nil {
			// The server stays reachable by address.
			log.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer adv.Shutdown()
		}
	}

	return srv.Run(ctx)
}

func advertise(cfg *config.File, addr net.Addr) (*discovery.Advertiser, error) {
	port := cfg.Server.ListenPort
	if ta, ok := addr.(*net.TCPAddr); ok {
		port = ta.Port
	}

	ac := discovery.AdvertiseConfig{
		Instance:   cfg.MDNS.Instance,
		Port:       port,
		DeviceType: cfg.Server.DeviceType,
		Version:    version.Get().String(),
	}
	if cfg.MDNS.Hostname != "" {
		if ips := localIPs(); len(ips) > 0 {
			ac.Host = cfg.MDNS.Hostname
			ac.IPs = ips
		}
	}
	return discovery.Advertise(ac)
}

// localIPs lists the addresses of interfaces able to carry mDNS.
func localIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLinkLocalUnicast() {
				ips = append(ips, ipn.IP.String())
			}
		}
	}
	return ips
}
