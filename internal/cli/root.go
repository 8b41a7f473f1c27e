// Package cli implements the vmsched command line: scenario generation,
// local verification and the client side of the verification API.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/vmsched/internal/config"
	"github.com/me/vmsched/internal/logging"
	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/internal/vm/bytecode"
	"github.com/me/vmsched/internal/vm/replay"
)

var (
	flagServer    string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	appConfig config.Config
	logger    *slog.Logger
	client    *Client
)

// defaultServer returns the default server URL, checking VMSCHED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("VMSCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the vmsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vmsched",
		Short: "Deterministic VM scheduler for transaction script verification",
		Long: "vmsched generates spawn and pipe scenarios, verifies transactions locally " +
			"and talks to a vmsched verification server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			appConfig = config.Default()
			if flagConfig != "" {
				cfg, err := config.Load(flagConfig)
				if err != nil {
					return err
				}
				appConfig = cfg
			}
			if flagDebug {
				flagLogLevel = "debug"
			}
			level, err := logging.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			logger = logging.NewLoggerWithWriter(level, flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "vmsched server URL (or VMSCHED_SERVER env)")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newGenerateCmd(),
		newVerifyCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCheckpointsCmd(),
	)

	return root
}

// newRegistry returns a VM registry with every program format this binary
// can run.
func newRegistry() *vm.Registry {
	return vm.NewRegistry(logger, bytecode.NewLoader(), replay.NewLoader())
}
