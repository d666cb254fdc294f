package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// =============================================================================
// Sessions Command Handlers
// =============================================================================

// runSessionsList prints an agent's saved sessions, most recent first.
func runSessionsList(ctx context.Context, out io.Writer, configPath, agentName string, limit int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx, agentName, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return nil
	}

	fmt.Fprintln(out, "ID                                    Saved             Msgs  Description")
	fmt.Fprintln(out, "------------------------------------  ----------------  ----  --------------------------------")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-36s  %-16s  %4d  %s\n",
			s.ID,
			s.SavedAt.Format("2006-01-02 15:04"),
			s.MessageCount,
			truncate(s.Description, 48),
		)
	}
	fmt.Fprintln(out)

	return nil
}

// runSessionsShow prints one session's metadata and, when the snapshot
// file is readable, the tail of its messages.
func runSessionsShow(ctx context.Context, out io.Writer, configPath, sessionID string, messages int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	meta, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Session: %s\n", meta.ID)
	fmt.Fprintf(out, "  Agent: %s\n", meta.Agent)
	fmt.Fprintf(out, "  Description: %s\n", valueOrDash(meta.Description))
	if meta.Summary != "" {
		fmt.Fprintf(out, "  Summary: %s\n", meta.Summary)
	}
	fmt.Fprintf(out, "  Saved: %s\n", meta.SavedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "  Window: %s to %s\n",
		meta.WindowStart.Format("2006-01-02 15:04"),
		meta.WindowEnd.Format("2006-01-02 15:04"))
	fmt.Fprintf(out, "  Messages: %d\n", meta.MessageCount)
	fmt.Fprintf(out, "  File: %s\n", meta.Path)

	if messages <= 0 {
		return nil
	}
	snap, err := readSnapshot(meta.Path)
	if err != nil {
		fmt.Fprintf(out, "Snapshot file unreadable: %v\n", err)
		return nil
	}

	tail := snap.Messages
	if len(tail) > messages {
		tail = tail[len(tail)-messages:]
	}
	if len(tail) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Last %d message(s):\n", len(tail))
	for _, msg := range tail {
		content := strings.ReplaceAll(msg.Content, "\n", " ")
		fmt.Fprintf(out, "  [%s] %s\n", msg.Role, truncate(content, 100))
	}

	return nil
}

// readSnapshot loads the full session snapshot from its file.
func readSnapshot(path string) (*models.SessionSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap models.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &snap, nil
}
