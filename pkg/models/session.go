package models

import "time"

// SessionSnapshot is a saved slice of an agent's conversation. The snapshot
// file on disk carries the full message list; store rows carry the metadata
// only, with Path pointing at the file.
type SessionSnapshot struct {
	ID           string    `json:"session_id"`
	Agent        string    `json:"agent"`
	Description  string    `json:"description"`
	Summary      string    `json:"summary,omitempty"`
	SavedAt      time.Time `json:"timestamp"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	MessageCount int       `json:"message_count"`
	Path         string    `json:"path,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
}
