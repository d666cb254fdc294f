package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// Summarizer condenses a message window into a short session summary.
type Summarizer func(ctx context.Context, msgs []models.Message) (string, error)

// ContextManager owns one agent's rolling context window: message
// persistence, the clear boundary, and session snapshots saved as JSON
// files next to a store index row. Snapshots never mutate the live window.
type ContextManager struct {
	agent       string
	store       store.Store
	sessionsDir string
	rolling     time.Duration
	logger      *slog.Logger
}

// NewContextManager creates a manager for one agent. sessionsDir is where
// snapshot files are written; rolling zero uses DefaultRollingWindow.
func NewContextManager(agent string, st store.Store, sessionsDir string, rolling time.Duration, logger *slog.Logger) *ContextManager {
	if logger == nil {
		logger = slog.Default()
	}
	if rolling <= 0 {
		rolling = DefaultRollingWindow
	}
	return &ContextManager{
		agent:       agent,
		store:       st,
		sessionsDir: sessionsDir,
		rolling:     rolling,
		logger:      logger.With("component", "context-manager", "agent", agent),
	}
}

// PersistMessage stores one message, stamping the agent name and a current
// timestamp when absent.
func (m *ContextManager) PersistMessage(ctx context.Context, msg *models.Message) error {
	if msg.Agent == "" {
		msg.Agent = m.agent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := m.store.PersistMessage(ctx, msg)
	return err
}

// Window returns the messages inside the rolling window, optionally scoped
// to a branch (0 = all branches). The window is bounded by
// max(now - rolling, last clear).
func (m *ContextManager) Window(ctx context.Context, branchID int64) ([]models.Message, error) {
	cutoff := time.Now().UTC().Add(-m.rolling)
	lastClear, err := m.store.LastClearTime(ctx, m.agent)
	if err == nil && lastClear.After(cutoff) {
		cutoff = lastClear
	}
	return m.store.MessagesSince(ctx, m.agent, cutoff, branchID)
}

// Clear advances the clear boundary to now, excluding all prior messages
// from future windows. Messages are never deleted.
func (m *ContextManager) Clear(ctx context.Context) error {
	now := time.Now().UTC()
	if err := m.store.SetLastClearTime(ctx, m.agent, now); err != nil {
		return err
	}
	m.logger.Info("context cleared", "at", now)
	return nil
}

// SaveSession snapshots the current window to <sessionsDir>/<id>.json and
// records the metadata in the store. The live window is not modified.
// A nil summarizer leaves the summary empty; a summarizer failure records
// a placeholder instead of failing the save.
func (m *ContextManager) SaveSession(ctx context.Context, description string, summarize Summarizer) (*models.SessionSnapshot, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	messages, err := m.Window(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}

	windowStart, windowEnd := now, now
	if len(messages) > 0 {
		windowStart = messages[0].Timestamp
		windowEnd = messages[len(messages)-1].Timestamp
	}

	summary := ""
	if summarize != nil {
		summary, err = summarize(ctx, messages)
		if err != nil {
			m.logger.Warn("session summary failed", "session", id, "error", err)
			summary = "(summary generation failed)"
		}
	}

	snap := &models.SessionSnapshot{
		ID:           id,
		Agent:        m.agent,
		Description:  description,
		Summary:      summary,
		SavedAt:      now,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		MessageCount: len(messages),
		Messages:     messages,
	}

	if err := os.MkdirAll(m.sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	path := filepath.Join(m.sessionsDir, id+".json")
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write session file: %w", err)
	}

	// The index row carries metadata and the file path, not the messages.
	indexed := *snap
	indexed.Path = path
	indexed.Messages = nil
	if err := m.store.SaveSession(ctx, &indexed); err != nil {
		return nil, fmt.Errorf("index session: %w", err)
	}

	snap.Path = path
	m.logger.Info("session saved", "session", id, "messages", len(messages))
	return snap, nil
}

// ListSessions returns saved snapshots, most recent first.
func (m *ContextManager) ListSessions(ctx context.Context, limit int) ([]models.SessionSnapshot, error) {
	return m.store.ListSessions(ctx, m.agent, limit)
}

// RestoreSession loads a snapshot's messages back into the rolling window
// by re-persisting them with current timestamps. Returns the number of
// messages restored.
func (m *ContextManager) RestoreSession(ctx context.Context, id string) (int, error) {
	meta, err := m.store.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(meta.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: session file %s", models.ErrSessionNotFound, meta.Path)
		}
		return 0, fmt.Errorf("read session file: %w", err)
	}
	var snap models.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("parse session file: %w", err)
	}

	restored := 0
	for _, msg := range snap.Messages {
		replay := models.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
			BranchID:   msg.BranchID,
		}
		if err := m.PersistMessage(ctx, &replay); err != nil {
			return restored, fmt.Errorf("restore message: %w", err)
		}
		restored++
	}
	m.logger.Info("session restored", "session", id, "messages", restored)
	return restored, nil
}
