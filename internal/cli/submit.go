package cli

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/me/vmsched/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit <tx.json>",
		Short: "Submit a mock transaction to the verification server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mtx, err := readTransaction(args[0])
			if err != nil {
				return err
			}
			req := model.VerifyRequest{
				Transaction: *mtx,
				Limits:      limitFlags(cmd.Flags()),
				Wait:        wait,
			}
			logger.Info("submitting transaction", "tx_hash", mtx.Tx.Hash(), "wait", wait)

			resp, err := client.Post(cmd.Context(), "/api/v1/verify", req)
			if err != nil {
				return errors.Wrap(err, "submit verification")
			}
			var v model.Verification
			if err := decodeData(resp, &v); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !wait {
				fmt.Fprintf(out, "Verification created: %s (state: %s)\n", v.ID, v.State)
				return nil
			}
			printVerification(out, &v)
			if v.State != model.VerificationStateSuccess {
				return errors.Newf("verification %s %s", v.ID, v.State)
			}
			return nil
		},
	}

	addLimitFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the verification to finish")
	return cmd
}
