// Package config loads the corsacota configuration.
//
// Settings come from a YAML file, then from CORSACOTA_* environment
// variables (optionally seeded from a .env file), then from command-line
// flags applied by the caller.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/corsacota/config.yaml or $HOME/.config/corsacota/config.yaml
//   - macOS: $HOME/.config/corsacota/config.yaml
//   - Windows: %LOCALAPPDATA%\corsacota\config.yaml
//
// A missing default file is not an error; the defaults listen on port 3241
// with four connection slots and a 60 second wait timeout.
//
// # Example
//
//	version: 1
//	server:
//	  thread_name: corsacOTA
//	  listen_port: 3241
//	  max_listen_num: 4
//	  wait_timeout_sec: 60
//	  wait_timeout_usec: 0
//	  device_type: esp32
//	  restart_delay: 5s
//	  restart_mode: exec
//	flash:
//	  dir: /var/lib/corsacota
//	mdns:
//	  enabled: true
//	  hostname: ota
//	  instance: corsacOTA mDNS
//	metrics:
//	  addr: 127.0.0.1:9100
package config
