package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	State  string // Optional state filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// VerifyRequest is the body of POST /api/v1/verify.
type VerifyRequest struct {
	Transaction MockTransaction `json:"transaction"`
	Limits      CycleLimits     `json:"limits"`
	// Wait runs the verification inline instead of queueing it.
	Wait bool `json:"wait,omitempty"`
}

// ScenarioRequest is the body of POST /api/v1/scenarios.
type ScenarioRequest struct {
	Seed                uint64 `json:"seed"`
	Spawns              uint32 `json:"spawns"`
	Writes              uint32 `json:"writes"`
	ConvergingThreshold uint32 `json:"converging_threshold"`
}

// ScenarioResponse summarizes a generated scenario and the transaction embedding it.
type ScenarioResponse struct {
	Seed        uint64          `json:"seed"`
	Spawns      int             `json:"spawns"`
	Pipes       int             `json:"pipes"`
	Writes      int             `json:"writes"`
	Data        Bytes           `json:"data"`
	Transaction MockTransaction `json:"transaction"`
}
