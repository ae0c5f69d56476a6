package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digitorus/sigtrust/auditlog"
)

type auditView struct {
	SignatureID  string           `json:"signatureId"`
	Events       []auditlog.Event `json:"events"`
	Completeness float64          `json:"completeness"`
	ChainValid   bool             `json:"chainValid"`
	Error        string           `json:"error,omitempty"`
}

func newAuditCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <signature-id>",
		Short: "Show and verify the audit trail of a signature",
		Long: `Load the audit trail recorded for a signature and verify its hash chain.
Trails outlive the process only with the sqlite3 audit driver.`,
		Example: `  sigtrust audit -c sigtrust.conf 0b6c3f0e-5d0e-4a53-9f3b-5a2b8f6c1d7e`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return run(cmd.Context(), opts, nil, func(ctx context.Context, env *environment) error {
				engine := env.service.Compliance()
				events, err := engine.AuditTrail(ctx, id)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					return fmt.Errorf("no audit trail for signature %q", id)
				}
				view := auditView{
					SignatureID:  id,
					Events:       events,
					Completeness: auditlog.Completeness(events),
					ChainValid:   true,
				}
				verr := engine.VerifyAuditTrail(ctx, id)
				if verr != nil {
					view.ChainValid = false
					view.Error = verr.Error()
				}
				if err := writeJSON(cmd.OutOrStdout(), view); err != nil {
					return err
				}
				if verr != nil {
					return errInvalid
				}
				return nil
			})
		},
	}
}
