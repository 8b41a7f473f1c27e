package model

// VerificationState represents the lifecycle state of a Verification.
type VerificationState string

const (
	VerificationStatePending VerificationState = "PENDING"
	VerificationStateRunning VerificationState = "RUNNING"
	VerificationStateSuccess VerificationState = "SUCCESS"
	VerificationStateFailed  VerificationState = "FAILED"
)

// String returns the string representation of the verification state.
func (s VerificationState) String() string {
	return string(s)
}

// IsTerminal returns true if the verification is in a final state.
func (s VerificationState) IsTerminal() bool {
	switch s {
	case VerificationStateSuccess, VerificationStateFailed:
		return true
	}
	return false
}

// ValidVerificationTransitions defines the allowed state transitions for Verifications.
var ValidVerificationTransitions = map[VerificationState][]VerificationState{
	VerificationStatePending: {VerificationStateRunning, VerificationStateFailed},
	VerificationStateRunning: {VerificationStateSuccess, VerificationStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s VerificationState) CanTransitionTo(next VerificationState) bool {
	for _, allowed := range ValidVerificationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ScriptGroupType tells whether a group is made of lock or type scripts.
type ScriptGroupType string

const (
	ScriptGroupTypeLock ScriptGroupType = "Lock"
	ScriptGroupTypeType ScriptGroupType = "Type"
)
