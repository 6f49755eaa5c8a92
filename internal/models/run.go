package models

import "time"

// RunMode selects how the agent output is delivered.
type RunMode string

const (
	ModeStream RunMode = "stream"
	ModeInvoke RunMode = "invoke"
)

// Run identifies one agent invocation.
type Run struct {
	ID        string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Mode      RunMode   `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// TraceRecord is the persisted row describing one run.
type TraceRecord struct {
	SessionID      string
	RunID          string
	InputMessages  string
	OutputMessages string
	RunMetadata    string
	CreatedAt      time.Time
}
