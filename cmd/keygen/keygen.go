package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

// KeygenCmd generates a fresh vault master key. The output is meant for a
// secure provisioning channel (secret manager, sealed env var), never for
// source control.
var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a base64-encoded 32-byte vault master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate key material: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
		return nil
	},
}
