package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/digitorus/sigtrust/config"
)

func newVerifyCommand(opts *globalOptions) *cobra.Command {
	var roots []string
	cmd := &cobra.Command{
		Use:   "verify <document> <signature.p7s>",
		Short: "Verify a detached CMS signature",
		Long: `Verify a detached CMS signature over document: the digest, the signer's
certificate chain and, when present, the RFC 3161 timestamp token.`,
		Example: `  sigtrust verify --root ca.pem contract.pdf contract.pdf.p7s`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			signature, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			configure := func(c *config.Config) {
				c.Cache.TrustedRoots = append(c.Cache.TrustedRoots, roots...)
			}
			return run(cmd.Context(), opts, configure, func(ctx context.Context, env *environment) error {
				result, err := env.service.Verify(ctx, signature, document)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), newSignatureView(result)); err != nil {
					return err
				}
				if !result.IsValid {
					return errInvalid
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&roots, "root", nil, "additional trusted root PEM file (repeatable)")
	return cmd
}
