package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		bits int
		out  string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA signing key",
		Long:  "Generate a PKCS#8 PEM encoded RSA key for jwt.private_key_file. The key id is printed on success.",
		Example: `  security-core keys generate --out /etc/security-core/jwt.pem
  security-core keys generate --bits 4096 --out jwt.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pemData, kid, err := tokens.GenerateKeyPEM(bits)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(pemData)
				return err
			}
			if err := os.WriteFile(out, pemData, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d-bit key %s to %s\n", bits, kid, out)
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", tokens.MinKeyBits, "RSA key size in bits")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")

	return cmd
}
