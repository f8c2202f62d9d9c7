package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/isolation"
	"aegis/cmd/security/fingerprint"

	"github.com/spf13/cobra"
)

// keyKinds maps each secret aegis reads from the environment to its variable
// and minimum size in bytes.
var keyKinds = map[string]struct {
	env string
	min int
}{
	"signing":     {env: "AEGIS_SIGNING_KEY_HEX", min: keys.MinKeyBytes},
	"namespace":   {env: "AEGIS_NAMESPACE_MASTER_KEY_HEX", min: isolation.MasterKeyBytes},
	"fingerprint": {env: fingerprint.KeyEnv, min: fingerprint.MinKeyBytes},
}

func newKeygenCmd() *cobra.Command {
	var (
		kind  string
		size  int
		plain bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random secret for an AEGIS_* key variable",
		Example: `  aegis keygen --kind signing
  aegis keygen --kind namespace --plain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, ok := keyKinds[kind]
			if !ok {
				return fmt.Errorf("unknown key kind %q (signing, namespace, fingerprint)", kind)
			}
			if size == 0 {
				size = k.min
			}
			if size < k.min {
				return fmt.Errorf("%s keys need at least %d bytes", kind, k.min)
			}
			// The namespace master key has an exact size.
			if kind == "namespace" && size != isolation.MasterKeyBytes {
				return fmt.Errorf("namespace master key must be exactly %d bytes", isolation.MasterKeyBytes)
			}

			b := make([]byte, size)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			v := hex.EncodeToString(b)
			clear(b)

			if plain {
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k.env, v)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "signing", "key kind: signing, namespace or fingerprint")
	cmd.Flags().IntVar(&size, "bytes", 0, "key size in bytes (defaults to the minimum for the kind)")
	cmd.Flags().BoolVar(&plain, "plain", false, "print only the value")
	return cmd
}
