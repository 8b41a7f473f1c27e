// Package txverify verifies every script group of a mock transaction by
// driving one scheduler per group in a run, suspend and resume loop.
package txverify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/me/vmsched/internal/scheduler"
	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/pkg/model"
)

var (
	// ErrMaxCycles means a group, or the transaction as a whole, ran past
	// the configured cycle maximum.
	ErrMaxCycles = errors.New("max cycles exceeded")
	// ErrNonZeroExit means a group's root instance exited with a non-zero code.
	ErrNonZeroExit = errors.New("non-zero exit code")
)

// GroupError names the script group that failed verification.
type GroupError struct {
	Type model.ScriptGroupType
	Hash model.Hash
	Err  error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("%s of hash %s: %v", e.Type, e.Hash, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// Config controls the verification loop.
type Config struct {
	MaxCycles        uint64
	CyclesPerIterate uint64
	// CyclesPerSuspend is the number of cycles after which a group is
	// suspended and resumed. Zero disables suspension.
	CyclesPerSuspend uint64
	// FailFast stops at the first failing group. Otherwise every group
	// runs and the first failure is returned.
	FailFast  bool
	Scheduler scheduler.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCycles:        math.MaxUint64,
		CyclesPerIterate: 5_000_000,
		CyclesPerSuspend: 20_000_000,
		FailFast:         true,
		Scheduler:        scheduler.DefaultConfig(),
	}
}

// CheckpointStore persists suspend states. When a verifier has one, every
// suspended group is resumed from the stored copy.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error)
}

// Result is the outcome of verifying a transaction.
type Result struct {
	TxHash model.Hash
	Cycles uint64
	Groups []model.GroupReport
}

// Verifier runs the scripts of mock transactions.
type Verifier struct {
	registry    *vm.Registry
	config      Config
	logger      *slog.Logger
	checkpoints CheckpointStore
}

// NewVerifier creates a verifier. checkpoints may be nil.
func NewVerifier(reg *vm.Registry, cfg Config, checkpoints CheckpointStore, logger *slog.Logger) *Verifier {
	return &Verifier{
		registry:    reg,
		config:      cfg,
		logger:      logger.With("component", "verifier"),
		checkpoints: checkpoints,
	}
}

// Config returns the verifier's configuration.
func (v *Verifier) Config() Config {
	return v.config
}

// Verify runs every script group of mtx and returns the aggregated cycles.
// verificationID tags persisted checkpoints and may be empty. A failing
// group is reported as a *GroupError; the result still carries the reports
// of every group that ran.
func (v *Verifier) Verify(ctx context.Context, verificationID string, mtx *model.MockTransaction) (*Result, error) {
	rtx, err := Resolve(mtx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve transaction")
	}
	res := &Result{TxHash: mtx.Tx.Hash()}
	var first error
	for _, g := range rtx.Groups() {
		report, err := v.verifyGroup(ctx, verificationID, rtx, g)
		if err == nil {
			res.Cycles += report.Cycles
			if res.Cycles > v.config.MaxCycles {
				err = errors.Wrapf(ErrMaxCycles, "consumed %s, max %s",
					humanize.Comma(int64(res.Cycles)), humanize.Comma(int64(v.config.MaxCycles)))
			}
		}
		if err != nil {
			report.Error = err.Error()
			err = &GroupError{Type: g.Type, Hash: g.Hash, Err: err}
			v.logger.Error("group failed", "type", g.Type, "hash", g.Hash, "error", err)
		}
		res.Groups = append(res.Groups, report)
		if err != nil && first == nil {
			first = err
		}
		if first != nil && (v.config.FailFast || ctx.Err() != nil) {
			break
		}
	}
	return res, first
}

func (v *Verifier) verifyGroup(ctx context.Context, verificationID string, rtx *ResolvedTx, g *ScriptGroup) (model.GroupReport, error) {
	report := model.GroupReport{Type: g.Type, Hash: g.Hash}
	v.logger.Debug("running group", "type", g.Type, "hash", g.Hash)

	program, err := rtx.Program(g.Script)
	if err != nil {
		return report, err
	}
	tx := &groupTx{rtx: rtx, group: g, program: program}
	s, err := scheduler.New(tx, v.registry, v.config.Scheduler, v.logger)
	if err != nil {
		return report, err
	}

	var lastSuspended uint64
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		consumed := s.ConsumedCycles()
		report.Cycles = consumed
		if consumed > v.config.MaxCycles {
			return report, errors.Wrapf(ErrMaxCycles, "consumed %s, max %s",
				humanize.Comma(int64(consumed)), humanize.Comma(int64(v.config.MaxCycles)))
		}

		if v.config.CyclesPerSuspend > 0 && consumed-lastSuspended >= v.config.CyclesPerSuspend {
			s, err = v.suspend(ctx, verificationID, tx, g, s)
			if err != nil {
				return report, err
			}
			report.Suspends++
			lastSuspended = s.ConsumedCycles()
		}

		v.logger.Debug("iterate", "type", g.Type, "hash", g.Hash, "limit", v.config.CyclesPerIterate)
		code, total, err := s.Run(scheduler.LimitCycles(v.config.CyclesPerIterate))
		report.Iterations++
		report.Cycles = total
		switch {
		case err == nil:
			report.ExitCode = code
			if code != 0 {
				return report, errors.Wrapf(ErrNonZeroExit, "exit code %d", code)
			}
			if total > v.config.MaxCycles {
				return report, errors.Wrapf(ErrMaxCycles, "consumed %s, max %s",
					humanize.Comma(int64(total)), humanize.Comma(int64(v.config.MaxCycles)))
			}
			v.logger.Info("group terminated", "type", g.Type, "hash", g.Hash,
				"exit_code", code, "cycles", humanize.Comma(int64(total)))
			return report, nil
		case errors.Is(err, vm.ErrCyclesExceeded):
		default:
			return report, err
		}
	}
}

// suspend captures s and resumes it, through the checkpoint store when
// the verifier has one.
func (v *Verifier) suspend(ctx context.Context, verificationID string, tx *groupTx, g *ScriptGroup, s *scheduler.Scheduler) (*scheduler.Scheduler, error) {
	st, err := s.Suspend()
	if err != nil {
		return nil, errors.Wrap(err, "suspend")
	}
	v.logger.Debug("group suspended", "type", g.Type, "hash", g.Hash, "size", humanize.Bytes(uint64(st.Size())))

	if v.checkpoints != nil {
		cp := &model.Checkpoint{
			ID:             "cp_" + uuid.New().String(),
			VerificationID: verificationID,
			GroupHash:      g.Hash,
			Cycles:         s.ConsumedCycles(),
			Size:           st.Size(),
			State:          st.Bytes(),
			CreatedAt:      time.Now().UTC(),
		}
		if err := v.checkpoints.CreateCheckpoint(ctx, cp); err != nil {
			return nil, errors.Wrap(err, "store checkpoint")
		}
		stored, err := v.checkpoints.GetCheckpoint(ctx, cp.ID)
		if err != nil {
			return nil, errors.Wrap(err, "load checkpoint")
		}
		if stored == nil {
			return nil, errors.Newf("checkpoint %s vanished", cp.ID)
		}
		if st, err = scheduler.NewSuspendState(stored.State); err != nil {
			return nil, err
		}
	}

	resumed, err := scheduler.Resume(tx, v.registry, v.config.Scheduler, v.logger, st)
	if err != nil {
		return nil, errors.Wrap(err, "resume")
	}
	return resumed, nil
}
