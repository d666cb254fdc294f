package models

import "errors"

// Sentinel errors shared across packages. Wrap with fmt.Errorf("...: %w", err)
// and match with errors.Is.
var (
	ErrInvalidAgentName = errors.New("invalid agent name")
	ErrAgentExists      = errors.New("agent already exists")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrBranchNotFound   = errors.New("branch not found")
	ErrProcessNotFound  = errors.New("process not found")
	ErrSessionNotFound  = errors.New("session not found")
)
