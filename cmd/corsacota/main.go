// Corsacota is an over-the-air firmware update server and client.
//
// The serve command runs the websocket update server on the target: it
// accepts a firmware image over the corsacOTA text/binary protocol, writes
// it to the inactive partition, switches the boot record and restarts.
// The push, stop and scan commands drive the same protocol from a
// workstation.
//
// Usage:
//
//	corsacota [command] [flags]
//
// See 'corsacota --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/corsacota/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "corsacota",
	Short: "corsacOTA firmware update server and client",
	Long: `A websocket over-the-air firmware update server and its client.

Run 'corsacota serve' on the device to accept updates, and
'corsacota push' from a workstation to send one.`,
	Version:       version.Get().String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the configuration")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("corsacota %s\n", version.Get().Full())
	},
}
