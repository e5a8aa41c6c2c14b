package commands

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheusHen/pqs/pqs/identity"
)

// keygen: create the static identity key named in the config.
func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a static P-384 identity key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.Identity.PrivateKeyFile
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}
			kp, err := identity.GenerateKeyPair()
			if err != nil {
				return err
			}
			b, err := kp.MarshalPEM()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, b, 0o600); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity written to %s\n", path)
			fmt.Fprintf(out, "Peer ID:     %s\n", kp.PeerID())
			fmt.Fprintf(out, "Public blob: %s\n", hex.EncodeToString(kp.PublicBlob()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func loadIdentity() (identity.KeyPair, error) {
	b, err := os.ReadFile(cfg.Identity.PrivateKeyFile)
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("reading identity (run `pqs keygen` first): %w", err)
	}
	return identity.ParsePEM(b)
}
