package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/digitorus/sigtrust/config"
)

// errInvalid is returned after the verdict has been printed so the process
// exits non-zero.
var errInvalid = errors.New("validation failed")

func newChainCommand(opts *globalOptions) *cobra.Command {
	var (
		roots        []string
		noRevocation bool
	)
	cmd := &cobra.Command{
		Use:   "chain <certificates.pem>",
		Short: "Validate a certificate chain",
		Long: `Validate the certificates in a PEM or DER file, leaf first, against the
configured trusted roots. Expiry, revocation and key usage are checked for
every certificate on the built chain.`,
		Example: `  sigtrust chain --root ca.pem signer.pem
  sigtrust chain --no-revocation -c sigtrust.conf signer.pem`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			configure := func(c *config.Config) {
				c.Cache.TrustedRoots = append(c.Cache.TrustedRoots, roots...)
				if noRevocation {
					c.Revocation.Disabled = true
				}
			}
			return run(cmd.Context(), opts, configure, func(ctx context.Context, env *environment) error {
				result, err := env.service.ValidateChain(ctx, data)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), newChainView(result)); err != nil {
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
	cmd.Flags().BoolVar(&noRevocation, "no-revocation", false, "skip OCSP and CRL checks")
	return cmd
}
