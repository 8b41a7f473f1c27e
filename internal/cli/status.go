package cli

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/me/vmsched/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <verification_id>",
		Short: "Show a verification and its group reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/verifications/"+args[0])
			if err != nil {
				return errors.Wrap(err, "get verification")
			}
			var v model.Verification
			if err := decodeData(resp, &v); err != nil {
				return err
			}
			printVerification(cmd.OutOrStdout(), &v)
			return nil
		},
	}
}
