// Package main implements brontide-cli, an operator-facing tool for key
// generation, configuration inspection and a loopback handshake/framing
// demo, modeled on the sage-crypto command's cobra layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "brontide-cli",
	Short: "brontide CLI - link-encryption key generation and diagnostics",
	Long: `brontide-cli provides operator tooling around the brontide link-encryption
engine: a BIP151-style ECDH handshake, per-direction Streams, and a two-phase
framing codec.

This tool supports:
- Ephemeral secp256k1 keypair generation (keygen)
- Effective configuration inspection (config-show)
- A loopback handshake + framing + re-key demo over a local websocket (demo)
- Exposing the Prometheus /metrics endpoint (serve-metrics)`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Note: commands are registered in their respective files
	// - keygen.go: keygenCmd
	// - config_show.go: configShowCmd
	// - demo.go: demoCmd
	// - serve_metrics.go: serveMetricsCmd
}
