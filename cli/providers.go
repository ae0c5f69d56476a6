package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newProvidersCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Initialize every configured provider and test its connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, nil, func(ctx context.Context, env *environment) error {
				if len(env.providers) == 0 {
					return fmt.Errorf("no [[hsm.providers]] configured")
				}
				initErr := env.initializeProviders(ctx)
				status := make(map[string]bool, len(env.providers))
				for t, ok := range env.service.Gateway().TestAllConnections(ctx) {
					status[t.String()] = ok
				}
				if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
					return err
				}
				return initErr
			})
		},
	}
}
