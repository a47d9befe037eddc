package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/corsacota/internal/client"
	"github.com/muurk/corsacota/internal/discovery"
	"github.com/muurk/corsacota/internal/logging"
	"github.com/muurk/corsacota/internal/ui"
)

// Client command flags
var (
	targetURL      string
	targetInstance string
	deviceType     string
	chunkSize      int
	responseWait   time.Duration
	scanTimeout    time.Duration
)

func init() {
	for _, c := range []*cobra.Command{pushCmd, stopCmd} {
		c.Flags().StringVar(&targetURL, "url", "", "Server websocket URL, e.g. ws://192.168.4.1:3241/ (skips discovery)")
		c.Flags().StringVar(&targetInstance, "instance", "", "mDNS instance name of the server")
		c.Flags().DurationVar(&responseWait, "timeout", client.DefaultTimeout, "Maximum wait for each server response")
	}
	for _, c := range []*cobra.Command{pushCmd, stopCmd, scanCmd} {
		c.Flags().StringVar(&deviceType, "device-type", "", "Only accept servers of this device type")
		c.Flags().DurationVar(&scanTimeout, "scan-timeout", discovery.DefaultScanTimeout, "mDNS discovery timeout")
	}
	pushCmd.Flags().IntVar(&chunkSize, "chunk-size", client.DefaultChunkSize, "Bytes per binary frame")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(scanCmd)
}

var pushCmd = &cobra.Command{
	Use:   "push <image>",
	Short: "Upload a firmware image to a server",
	Long: `Upload a firmware image to a corsacOTA server.

Raw, gzip and zstd images are accepted; compressed images are expanded
before upload. Without --url the server is located over mDNS.`,
	Example: `  # Push to the only server on the network
  corsacota push firmware.bin

  # Push to a known address
  corsacota push firmware.bin.zst --url ws://192.168.4.1:3241/

  # Pick a server by instance name and require its device type
  corsacota push firmware.bin --instance gateway --device-type esp32`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Abort an update in progress",
	RunE:  runStop,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for corsacOTA servers on the network",
	Long: `Scan for corsacOTA servers using mDNS/DNS-SD discovery.

Lists every server answering within the timeout with its address,
device type and websocket URL.`,
	RunE: runScan,
}

func newPusher() *client.Pusher {
	p := client.NewPusher()
	p.Timeout = responseWait
	p.DeviceType = deviceType
	if chunkSize > 0 {
		p.ChunkSize = chunkSize
	}
	return p
}

// resolveURL returns --url or the URL of the discovered server.
func resolveURL(ctx context.Context) (string, error) {
	if targetURL != "" {
		return targetURL, nil
	}

	scanner := discovery.NewScanner()
	scanner.Timeout = scanTimeout
	scanner.DeviceType = deviceType

	if targetInstance != "" {
		d, err := scanner.Find(ctx, targetInstance)
		if err != nil {
			return "", err
		}
		return d.URL(), nil
	}

	devices, err := scanner.Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("scan failed: %w", err)
	}
	switch len(devices) {
	case 0:
		return "", fmt.Errorf("%w: no server answered within %s", discovery.ErrNotFound, scanTimeout)
	case 1:
		return devices[0].URL(), nil
	}

	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Instance)
	}
	return "", fmt.Errorf("found %d servers (%s), choose one with --instance or --url",
		len(devices), strings.Join(names, ", "))
}

func runPush(cmd *cobra.Command, args []string) error {
	// Silent unless CORSACOTA_LOG_LEVEL is set
	_ = logging.InitializeFromEnv()
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := ui.NewPrinter(os.Stdout)

	img, err := client.LoadImage(args[0])
	if err != nil {
		printer.PrintError("Invalid Image", err,
			"Check the path points at a firmware image",
			"Compressed images must be gzip or zstd",
		)
		return err
	}

	url, err := resolveURL(ctx)
	if err != nil {
		printer.PrintError("Server Not Found", err, discoveryTips()...)
		return err
	}

	printer.PrintHeader("Firmware Update", "corsacota push",
		ui.Field{Key: "Image", Value: img.Name},
		ui.Field{Key: "Format", Value: img.Format},
		ui.Field{Key: "Size", Value: ui.FormatBytes(img.Size())},
		ui.Field{Key: "Target", Value: url},
	)

	pusher := newPusher()
	start := time.Now()
	err = printer.RunUpload(ctx, "Uploading", img.Size(), func(ctx context.Context, progress func(client.Progress)) error {
		return pusher.Push(ctx, url, img, progress)
	})
	if err != nil {
		tips := []string{"Run 'corsacota stop' to reset the server before retrying"}
		if errors.Is(err, client.ErrUnexpectedResponse) {
			tips = append(tips, "Check the server log for the failing step")
		}
		printer.PrintError("Update Failed", err, tips...)
		return err
	}

	printer.PrintSuccess("Update Complete",
		ui.Field{Key: "Target", Value: url},
		ui.Field{Key: "Written", Value: ui.FormatBytes(img.Size())},
		ui.Field{Key: "Duration", Value: time.Since(start).Round(time.Millisecond).String()},
	)
	printer.Println("The server restarts into the new image after its restart delay.")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	_ = logging.InitializeFromEnv()
	defer logging.Sync()

	url, err := resolveURL(cmd.Context())
	if err != nil {
		return err
	}
	if err := newPusher().Stop(cmd.Context(), url); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}
	fmt.Printf("Update on %s stopped.\n", url)
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	_ = logging.InitializeFromEnv()
	defer logging.Sync()

	fmt.Printf("Scanning for corsacOTA servers (timeout: %s)...\n\n", scanTimeout)

	scanner := discovery.NewScanner()
	scanner.Timeout = scanTimeout
	scanner.DeviceType = deviceType

	devices, err := scanner.Scan(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No servers found.")
		fmt.Println("\nTroubleshooting:")
		for _, tip := range discoveryTips() {
			fmt.Printf("  - %s\n", tip)
		}
		return nil
	}

	fmt.Printf("Found %d server(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("%d. %s\n", i+1, d.Instance)
		fmt.Printf("   Host:    %s\n", d.Hostname)
		fmt.Printf("   Address: %s\n", d.Address())
		if d.DeviceType != "" {
			fmt.Printf("   Type:    %s\n", d.DeviceType)
		}
		if v := d.GetMetadata(discovery.TxtVersion); v != "" {
			fmt.Printf("   Version: %s\n", v)
		}
		fmt.Printf("   URL:     %s\n", d.URL())
		fmt.Println()
	}

	fmt.Println("Use 'corsacota push <image> --url <url>' to update a server")
	return nil
}

func discoveryTips() []string {
	return []string{
		"Ensure the server is running with mDNS enabled",
		"Verify this machine is on the same network segment",
		"Check that the firewall allows mDNS (UDP port 5353)",
		"Use --url to specify the server address manually",
	}
}
