// Package store persists Chorus runtime state: the agent registry, message
// history, session snapshot index, tracked processes, branch step metrics,
// and the self-edit audit log.
//
// Two backends implement Store: sqlite (the default, one file under the
// Chorus home) and postgres (selected by DATABASE_URL scheme). Agent rows
// hold the registry columns only; the full identity including the system
// prompt lives in each agent's agent.json on disk.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Store is the durable state interface consumed by the runtime.
type Store interface {
	RegisterAgent(ctx context.Context, agent *models.Agent) error
	RemoveAgent(ctx context.Context, name string) error
	GetAgent(ctx context.Context, name string) (*models.Agent, error)
	GetAgentByChannel(ctx context.Context, channelID string) (*models.Agent, error)
	ListAgents(ctx context.Context, guildID string) ([]*models.Agent, error)
	UpdateAgentField(ctx context.Context, name, field, value string) error
	UpdateAgentChannel(ctx context.Context, name, channelID string) error
	LastClearTime(ctx context.Context, agent string) (time.Time, error)
	SetLastClearTime(ctx context.Context, agent string, at time.Time) error

	PersistMessage(ctx context.Context, msg *models.Message) (int64, error)
	MessagesSince(ctx context.Context, agent string, since time.Time, branchID int64) ([]models.Message, error)
	AllMessages(ctx context.Context, agent string) ([]models.Message, error)

	SaveSession(ctx context.Context, snap *models.SessionSnapshot) error
	ListSessions(ctx context.Context, agent string, limit int) ([]models.SessionSnapshot, error)
	GetSession(ctx context.Context, id string) (*models.SessionSnapshot, error)

	InsertProcess(ctx context.Context, proc *models.TrackedProcess) error
	UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error
	UpdateProcessCallbacks(ctx context.Context, pid int, callbacksJSON string) error
	ListProcesses(ctx context.Context, agent string) ([]models.TrackedProcess, error)

	PersistBranchStep(ctx context.Context, agent string, branchID int64, step models.BranchStep) error
	BranchSteps(ctx context.Context, agent string, branchID int64) ([]models.BranchStep, error)

	LogSelfEdit(ctx context.Context, agent, editType, oldValue, newValue, userID string) error

	GetSetting(ctx context.Context, guildID, key string) (string, error)
	SetSetting(ctx context.Context, guildID, key, value string) error

	Close() error
}

// Options tunes the connection pool for the SQL backends.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultOptions returns the pool settings used when none are provided.
func DefaultOptions() *Options {
	return &Options{
		MaxOpenConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Open selects a backend by URL scheme. Empty URL and bare paths open
// sqlite; sqlitePath is the file used when the URL carries no path of its
// own.
func Open(databaseURL, sqlitePath string, opts *Options) (Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return OpenSQLite(sqlitePath, opts)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(url, opts)
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			path = sqlitePath
		}
		return OpenSQLite(path, opts)
	case !strings.Contains(url, "://"):
		return OpenSQLite(url, opts)
	default:
		return nil, fmt.Errorf("unsupported database url: %s", databaseURL)
	}
}

// updatableAgentFields is the UpdateAgentField column allowlist. Everything
// else on an agent is edited through the identity file.
var updatableAgentFields = map[string]bool{
	"permissions": true,
	"model":       true,
}

func checkAgentField(field string) error {
	if !updatableAgentFields[field] {
		return fmt.Errorf("cannot update agent field %q; allowed: permissions, model", field)
	}
	return nil
}

// branchArg maps the runtime convention (0 means unscoped) onto a nullable
// column value.
func branchArg(branchID int64) any {
	if branchID == 0 {
		return nil
	}
	return branchID
}

// capValue bounds audit-log values, keeping the head.
func capValue(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalToolCalls(calls []models.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
