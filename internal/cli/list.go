package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/vmsched/pkg/model"
)

func newListCmd() *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List verifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/verifications"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return errors.Wrap(err, "list verifications")
			}
			var data []model.Verification
			if err := decodeData(resp, &data); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(data) == 0 {
				fmt.Fprintln(out, "No verifications found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-8s  %15s  %s\n", "ID", "STATE", "CYCLES", "CREATED")
			fmt.Fprintf(out, "%-40s  %-8s  %15s  %s\n", "--", "-----", "------", "-------")
			for _, v := range data {
				fmt.Fprintf(out, "%-40s  %-8s  %15s  %s\n",
					v.ID, v.State, humanize.Comma(int64(v.Cycles)), humanize.Time(v.CreatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (PENDING, RUNNING, SUCCESS, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of verifications to show")
	return cmd
}
