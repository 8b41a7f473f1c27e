package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/vmsched/internal/config"
	"github.com/me/vmsched/internal/scenario"
	"github.com/me/vmsched/internal/txverify"
	"github.com/me/vmsched/internal/vm/replay"
)

func newGenerateCmd() *cobra.Command {
	var (
		outputTxFile string
		programFile  string
		maxCycles    uint64
		noVerify     bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a scenario, build its transaction and verify it",
		Long: "Generate a spawn, pipe and write scenario, print it, wrap it in a mock " +
			"transaction and verify the transaction locally.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fs := cmd.Flags()

			params := appConfig.ScenarioParams()
			if !fs.Changed("seed") && flagConfig == "" {
				params.Seed = uint64(time.Now().UnixNano())
			}
			override(fs, "seed", fs.GetUint64, &params.Seed)
			override(fs, "spawns", fs.GetUint32, &params.Spawns)
			override(fs, "writes", fs.GetUint32, &params.Writes)
			override(fs, "converging-threshold", fs.GetUint32, &params.ConvergingThreshold)
			fmt.Fprintf(out, "Seed: %d\n", params.Seed)

			data := scenario.Generate(params)
			printScenario(out, data)

			program := replay.Program()
			if programFile != "" {
				p, err := os.ReadFile(programFile)
				if err != nil {
					return errors.Wrap(err, "read program")
				}
				program = p
			}
			mtx := txverify.BuildMockTx(params.Seed+txverify.ScenarioTxSeedOffset, program, data.Encode())

			if outputTxFile != "" {
				raw, err := json.MarshalIndent(mtx, "", "  ")
				if err != nil {
					return errors.Wrap(err, "encode transaction")
				}
				if err := os.WriteFile(outputTxFile, raw, 0o644); err != nil {
					return errors.Wrap(err, "write transaction")
				}
				logger.Info("transaction written", "path", outputTxFile, "size", humanize.Bytes(uint64(len(raw))))
			}
			if noVerify {
				return nil
			}

			// The generated transaction is checked with a single budget
			// for the whole run, each run call and each suspend interval.
			cfg := appConfig.TxVerify()
			cfg.MaxCycles, cfg.CyclesPerIterate, cfg.CyclesPerSuspend = maxCycles, maxCycles, maxCycles
			res, err := txverify.NewVerifier(newRegistry(), cfg, nil, logger).Verify(context.Background(), "", mtx)
			if err != nil {
				return errors.Wrap(err, "tx error occurs")
			}
			fmt.Fprintf(out, "Tx completes consuming %s cycles!\n", humanize.Comma(int64(res.Cycles)))
			return nil
		},
	}

	d := config.DefaultGeneratorConfig()
	cmd.Flags().Uint64("seed", d.Seed, "Scenario seed (default: current time)")
	cmd.Flags().Uint32("spawns", d.Spawns, "Number of spawned VMs")
	cmd.Flags().Uint32("writes", d.Writes, "Number of writes between VMs")
	cmd.Flags().Uint32("converging-threshold", d.ConvergingThreshold, "Attempts to find an unconnected pair per write")
	cmd.Flags().StringVarP(&outputTxFile, "output-tx-file", "o", "", "Write the mock transaction as JSON")
	cmd.Flags().StringVar(&programFile, "program", "", "Program to place in the code cell (default: built-in scenario replayer)")
	cmd.Flags().Uint64VarP(&maxCycles, "max-cycles", "m", 100_000_000, "Cycle budget used for the whole run, each run call and each suspend interval")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Only generate, skip verification")
	return cmd
}
