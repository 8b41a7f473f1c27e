package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/me/vmsched/internal/runner"
	"github.com/me/vmsched/internal/store"
	"github.com/me/vmsched/internal/txverify"
	"github.com/me/vmsched/pkg/model"
)

// readTransaction loads a mock transaction from a JSON file.
func readTransaction(path string) (*model.MockTransaction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read transaction")
	}
	var mtx model.MockTransaction
	if err := json.Unmarshal(raw, &mtx); err != nil {
		return nil, errors.Wrapf(err, "parse transaction %s", path)
	}
	if err := mtx.Validate(); err != nil {
		return nil, err
	}
	return &mtx, nil
}

func newVerifyCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "verify <tx.json>",
		Short: "Verify a mock transaction locally",
		Long: "Run every script group of a mock transaction through the scheduler. " +
			"With --db the run is recorded and every suspend state is checkpointed to SQLite.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mtx, err := readTransaction(args[0])
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			cfg := appConfig.TxVerify()
			applyLimitFlags(fs, &cfg)
			override(fs, "fail-fast", fs.GetBool, &cfg.FailFast)
			if cfg.CyclesPerIterate == 0 {
				return errors.New("--cycles-per-iterate must be positive")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if dbPath != "" {
				return verifyRecorded(ctx, cmd, dbPath, cfg, mtx)
			}

			out := cmd.OutOrStdout()
			res, err := txverify.NewVerifier(newRegistry(), cfg, nil, logger).Verify(ctx, "", mtx)
			if res != nil {
				printGroups(out, res.Groups)
			}
			if err != nil {
				return errors.Wrap(err, "tx error occurs")
			}
			fmt.Fprintf(out, "Tx completes consuming %s cycles!\n", humanize.Comma(int64(res.Cycles)))
			return nil
		},
	}

	addLimitFlags(cmd.Flags())
	cmd.Flags().Bool("fail-fast", true, "Stop at the first failing script group")
	cmd.Flags().StringVar(&dbPath, "db", "", "Record the verification and its checkpoints in this SQLite database")
	return cmd
}

// verifyRecorded runs mtx through the runner against a SQLite store, the
// same path the server takes.
func verifyRecorded(ctx context.Context, cmd *cobra.Command, dbPath string, cfg txverify.Config, mtx *model.MockTransaction) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrate database")
	}

	v := &model.Verification{
		ID:          "ver_" + uuid.New().String(),
		TxHash:      mtx.Tx.Hash(),
		State:       model.VerificationStatePending,
		Groups:      []model.GroupReport{},
		CreatedAt:   time.Now().UTC(),
		Transaction: mtx,
	}
	if err := st.CreateVerification(ctx, v); err != nil {
		return err
	}

	rcfg := runner.Config{PollInterval: appConfig.Runner.PollInterval, Checkpoint: true}
	if err := runner.NewLoop(st, newRegistry(), cfg, rcfg, logger).Execute(ctx, v); err != nil {
		return err
	}
	printVerification(cmd.OutOrStdout(), v)
	if v.State != model.VerificationStateSuccess {
		return errors.Newf("tx error occurs: %s", v.Error)
	}
	return nil
}
