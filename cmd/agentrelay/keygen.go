package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/agentrelay/pkg/identity"
)

var keygenOutputFile string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair for manual testing",
	Long: `Generates a hex-encoded Ed25519 key pair suitable for registering
against a running relay, either over WebSocket or via POST /v1/register.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOutputFile, "output", "o", "", "Output file (default: stdout)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	kp, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	out := struct {
		PublicKey  string `json:"publicKey"`
		PrivateKey string `json:"privateKey"`
	}{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key pair: %w", err)
	}
	data = append(data, '\n')

	if keygenOutputFile == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(keygenOutputFile, data, 0o600)
}
