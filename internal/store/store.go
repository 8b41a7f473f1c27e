package store

import (
	"context"
	"time"

	"github.com/me/vmsched/pkg/model"
)

// Store defines the persistence layer for verifications and checkpoints.
type Store interface {
	// Verification CRUD
	CreateVerification(ctx context.Context, v *model.Verification) error
	GetVerification(ctx context.Context, id string) (*model.Verification, error)
	ListVerifications(ctx context.Context, opts model.ListOptions) ([]*model.Verification, int, error)
	UpdateVerification(ctx context.Context, v *model.Verification) error
	// ClaimVerification moves a PENDING verification to RUNNING. It reports
	// false when another caller already claimed it.
	ClaimVerification(ctx context.Context, id string, startedAt time.Time) (bool, error)
	GetVerificationsByState(ctx context.Context, state model.VerificationState) ([]*model.Verification, error)

	// Checkpoint operations
	CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, verificationID string) ([]*model.Checkpoint, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
