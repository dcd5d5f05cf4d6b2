package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

var (
	keygenFormat string
	keygenOutput string
)

type keygenOutputJSON struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ephemeral secp256k1 keypair",
	Long: `Generate a secp256k1 keypair of the kind a Session's input/output Stream
derives for itself during New(). Useful for pre-provisioning a peer's static
identity or for feeding a custom handshake harness.`,
	Example: `  # Print a keypair as base58, to stdout
  brontide-cli keygen

  # Write the keypair as JSON to a file
  brontide-cli keygen --format json --output peer.json`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVarP(&keygenFormat, "format", "f", "base58", "Output format (base58, json)")
	keygenCmd.Flags().StringVarP(&keygenOutput, "output", "o", "", "Output file (default: stdout)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()

	switch keygenFormat {
	case "base58":
		out := fmt.Sprintf("private_key: %s\npublic_key:  %s\n",
			base58.Encode(priv.Serialize()), base58.Encode(pub))
		return writeOutput([]byte(out))
	case "json":
		out := keygenOutputJSON{
			PrivateKey: base58.Encode(priv.Serialize()),
			PublicKey:  base58.Encode(pub),
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal keypair: %w", err)
		}
		return writeOutput(append(data, '\n'))
	default:
		return fmt.Errorf("unsupported output format: %s", keygenFormat)
	}
}

func writeOutput(data []byte) error {
	if keygenOutput == "" {
		fmt.Print(string(data))
		return nil
	}
	if err := os.WriteFile(keygenOutput, data, 0600); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Printf("Keypair saved to: %s\n", keygenOutput)
	return nil
}
