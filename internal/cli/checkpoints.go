package cli

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/vmsched/pkg/model"
)

func newCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <verification_id>",
		Short: "List the suspend states checkpointed by a verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/verifications/"+args[0]+"/checkpoints")
			if err != nil {
				return errors.Wrap(err, "list checkpoints")
			}
			var cps []model.Checkpoint
			if err := decodeData(resp, &cps); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cps) == 0 {
				fmt.Fprintln(out, "No checkpoints recorded.")
				return nil
			}
			fmt.Fprintf(out, "%-39s  %15s  %9s  %s\n", "ID", "CYCLES", "SIZE", "GROUP")
			for _, cp := range cps {
				fmt.Fprintf(out, "%-39s  %15s  %9s  %s\n",
					cp.ID, humanize.Comma(int64(cp.Cycles)), humanize.Bytes(uint64(cp.Size)), cp.GroupHash)
			}
			return nil
		},
	}
}
