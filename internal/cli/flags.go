package cli

import (
	"github.com/spf13/pflag"

	"github.com/me/vmsched/internal/txverify"
	"github.com/me/vmsched/pkg/model"
)

// override copies the named flag into dst when it was set on the command
// line, so that flags win over the configuration file.
func override[T any](fs *pflag.FlagSet, name string, get func(string) (T, error), dst *T) {
	if !fs.Changed(name) {
		return
	}
	if v, err := get(name); err == nil {
		*dst = v
	}
}

// addLimitFlags registers the cycle limit flags shared by verify and submit.
func addLimitFlags(fs *pflag.FlagSet) {
	fs.Uint64("max-cycles", 0, "Cycle budget for the whole transaction")
	fs.Uint64("cycles-per-iterate", 0, "Cycles granted to each scheduler run call")
	fs.Uint64("cycles-per-suspend", 0, "Suspend and resume every this many cycles (0 disables)")
}

// applyLimitFlags overrides cfg with the limit flags that were set.
func applyLimitFlags(fs *pflag.FlagSet, cfg *txverify.Config) {
	override(fs, "max-cycles", fs.GetUint64, &cfg.MaxCycles)
	override(fs, "cycles-per-iterate", fs.GetUint64, &cfg.CyclesPerIterate)
	override(fs, "cycles-per-suspend", fs.GetUint64, &cfg.CyclesPerSuspend)
}

// limitFlags returns the limit flags that were set as per-verification
// overrides.
func limitFlags(fs *pflag.FlagSet) model.CycleLimits {
	var lim model.CycleLimits
	override(fs, "max-cycles", fs.GetUint64, &lim.MaxCycles)
	override(fs, "cycles-per-iterate", fs.GetUint64, &lim.CyclesPerIterate)
	override(fs, "cycles-per-suspend", fs.GetUint64, &lim.CyclesPerSuspend)
	return lim
}
