// Package runner drives queued verifications from the store through the
// transaction verifier.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/me/vmsched/internal/store"
	"github.com/me/vmsched/internal/txverify"
	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/pkg/model"
)

// Runner processes verifications.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	Tick(ctx context.Context) error
	Execute(ctx context.Context, v *model.Verification) error
}

// Config holds runner configuration.
type Config struct {
	PollInterval time.Duration
	// Checkpoint persists every suspend state to the store and resumes
	// from the stored copy.
	Checkpoint bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// Loop implements Runner with a polling loop over PENDING verifications.
type Loop struct {
	store    store.Store
	registry *vm.Registry
	verify   txverify.Config
	config   Config
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop creates a new runner loop. verify holds the verifier defaults
// that a verification's limits override.
func NewLoop(st store.Store, reg *vm.Registry, verify txverify.Config, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		store:    st,
		registry: reg,
		verify:   verify,
		config:   cfg,
		logger:   logger.With("component", "runner"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start recovers verifications interrupted by a previous process, then
// polls for work. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("runner started", "poll_interval", l.config.PollInterval)
	if err := l.recoverRunning(ctx); err != nil {
		l.logger.Error("recover error", "error", err)
	}

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("runner stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("runner stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the runner and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs every PENDING verification, oldest first.
func (l *Loop) Tick(ctx context.Context) error {
	pending, err := l.store.GetVerificationsByState(ctx, model.VerificationStatePending)
	if err != nil {
		return errors.Wrap(err, "list pending")
	}
	for _, v := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Execute(ctx, v); err != nil {
			return errors.Wrapf(err, "verification %s", v.ID)
		}
	}
	return nil
}

// recoverRunning fails verifications left RUNNING by a process that died
// mid-run.
func (l *Loop) recoverRunning(ctx context.Context) error {
	running, err := l.store.GetVerificationsByState(ctx, model.VerificationStateRunning)
	if err != nil {
		return err
	}
	for _, v := range running {
		l.logger.Warn("failing interrupted verification", "verification_id", v.ID)
		now := time.Now().UTC()
		v.State = model.VerificationStateFailed
		v.Error = "interrupted before completion"
		v.CompletedAt = &now
		if err := l.store.UpdateVerification(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs one PENDING verification to a terminal state. A failing
// transaction is recorded as FAILED and is not an error; errors are
// reserved for the store and for invalid transitions. A verification
// already claimed by a concurrent caller is skipped and v is left as is.
func (l *Loop) Execute(ctx context.Context, v *model.Verification) error {
	if !v.State.CanTransitionTo(model.VerificationStateRunning) {
		return &model.InvalidTransitionError{ID: v.ID, From: v.State, To: model.VerificationStateRunning}
	}
	started := time.Now().UTC()
	claimed, err := l.store.ClaimVerification(ctx, v.ID, started)
	if err != nil {
		return err
	}
	if !claimed {
		l.logger.Debug("verification already claimed", "verification_id", v.ID)
		return nil
	}
	v.State = model.VerificationStateRunning
	v.StartedAt = &started
	l.logger.Info("verification started", "verification_id", v.ID, "tx_hash", v.TxHash)

	var cps txverify.CheckpointStore
	if l.config.Checkpoint {
		cps = l.store
	}
	verifier := txverify.NewVerifier(l.registry, l.limits(v.Limits), cps, l.logger)

	var res *txverify.Result
	if v.Transaction == nil {
		err = errors.New("verification has no transaction")
	} else {
		res, err = verifier.Verify(ctx, v.ID, v.Transaction)
	}
	if res != nil {
		v.Cycles = res.Cycles
		v.Groups = res.Groups
	}

	completed := time.Now().UTC()
	v.CompletedAt = &completed
	if err != nil {
		v.State = model.VerificationStateFailed
		v.Error = err.Error()
		l.logger.Warn("verification failed", "verification_id", v.ID, "error", err)
	} else {
		v.State = model.VerificationStateSuccess
		l.logger.Info("verification succeeded", "verification_id", v.ID,
			"cycles", humanize.Comma(int64(v.Cycles)), "duration", completed.Sub(started))
	}
	// A cancelled run still gets its terminal state recorded.
	return l.store.UpdateVerification(context.WithoutCancel(ctx), v)
}

func (l *Loop) limits(lim model.CycleLimits) txverify.Config {
	cfg := l.verify
	if lim.MaxCycles != 0 {
		cfg.MaxCycles = lim.MaxCycles
	}
	if lim.CyclesPerIterate != 0 {
		cfg.CyclesPerIterate = lim.CyclesPerIterate
	}
	if lim.CyclesPerSuspend != 0 {
		cfg.CyclesPerSuspend = lim.CyclesPerSuspend
	}
	return cfg
}
