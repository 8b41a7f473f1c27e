package model

import "time"

// Verification records one run of the verification harness over a transaction.
type Verification struct {
	ID          string            `json:"id"`
	TxHash      Hash              `json:"tx_hash"`
	State       VerificationState `json:"state"`
	Limits      CycleLimits       `json:"limits"`
	Cycles      uint64            `json:"cycles"`
	Groups      []GroupReport     `json:"groups"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at"`

	// Transaction is persisted with the verification but left out of API
	// responses.
	Transaction *MockTransaction `json:"-"`
}

// CycleLimits overrides the verifier's cycle settings for one verification.
// Zero fields keep the verifier's defaults.
type CycleLimits struct {
	MaxCycles        uint64 `json:"max_cycles,omitempty"`
	CyclesPerIterate uint64 `json:"cycles_per_iterate,omitempty"`
	CyclesPerSuspend uint64 `json:"cycles_per_suspend,omitempty"`
}

// GroupReport is the outcome of running one script group.
type GroupReport struct {
	Type       ScriptGroupType `json:"type"`
	Hash       Hash            `json:"hash"`
	ExitCode   int8            `json:"exit_code"`
	Cycles     uint64          `json:"cycles"`
	Iterations int             `json:"iterations"`
	Suspends   int             `json:"suspends"`
	Error      string          `json:"error,omitempty"`
}

// Failed reports whether the group did not terminate cleanly.
func (g GroupReport) Failed() bool {
	return g.Error != "" || g.ExitCode != 0
}

// Checkpoint is a persisted scheduler suspend state.
type Checkpoint struct {
	ID             string    `json:"id"`
	VerificationID string    `json:"verification_id"`
	GroupHash      Hash      `json:"group_hash"`
	Cycles         uint64    `json:"cycles"`
	Size           int       `json:"size"`
	State          []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
