package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/chorus/pkg/models"
)

// sqliteTimeFormat is fixed-width so stored UTC timestamps compare
// lexicographically in chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
    name TEXT PRIMARY KEY,
    channel_id TEXT UNIQUE,
    guild_id TEXT NOT NULL,
    model TEXT,
    permissions TEXT NOT NULL DEFAULT 'standard',
    created_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    last_clear_time TEXT
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_name TEXT NOT NULL,
    branch_id INTEGER,
    role TEXT NOT NULL,
    content TEXT,
    tool_calls TEXT,
    tool_call_id TEXT,
    timestamp TEXT NOT NULL,
    external_id TEXT,
    raw_blocks TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_agent_time
    ON messages(agent_name, timestamp);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    agent_name TEXT NOT NULL,
    description TEXT,
    summary TEXT,
    saved_at TEXT NOT NULL,
    message_count INTEGER,
    file_path TEXT NOT NULL,
    window_start TEXT,
    window_end TEXT
);

CREATE TABLE IF NOT EXISTS processes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL,
    agent_name TEXT NOT NULL,
    command TEXT NOT NULL,
    cwd TEXT,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    exit_code INTEGER,
    started_at TEXT NOT NULL,
    stdout_log TEXT,
    stderr_log TEXT,
    context TEXT,
    model_for_hooks TEXT,
    recursion_depth INTEGER NOT NULL DEFAULT 0,
    spawned_by_branch INTEGER,
    callbacks TEXT
);

CREATE INDEX IF NOT EXISTS idx_processes_agent ON processes(agent_name);

CREATE TABLE IF NOT EXISTS branch_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_name TEXT NOT NULL,
    branch_id INTEGER NOT NULL,
    step_number INTEGER NOT NULL,
    description TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_branch_steps_agent_branch
    ON branch_steps(agent_name, branch_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_name TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    action_string TEXT NOT NULL,
    decision TEXT NOT NULL,
    user_id TEXT,
    detail TEXT
);

CREATE TABLE IF NOT EXISTS settings (
    guild_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (guild_id, key)
);
`

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the sqlite database at path and runs
// schema setup and idempotent migrations. A single connection serializes all
// writers, which sqlite requires anyway.
func OpenSQLite(path string, opts *Options) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	s := &sqliteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) init() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return s.migrate()
}

// migrate adds columns introduced after the initial schema. Each migration
// probes for the column and applies the ALTER only when the probe fails, so
// reruns are harmless.
func (s *sqliteStore) migrate() error {
	migrations := []struct {
		table  string
		column string
		alter  string
	}{
		{"agents", "last_clear_time", "ALTER TABLE agents ADD COLUMN last_clear_time TEXT"},
		{"sessions", "summary", "ALTER TABLE sessions ADD COLUMN summary TEXT"},
		{"sessions", "window_start", "ALTER TABLE sessions ADD COLUMN window_start TEXT"},
		{"sessions", "window_end", "ALTER TABLE sessions ADD COLUMN window_end TEXT"},
		{"messages", "external_id", "ALTER TABLE messages ADD COLUMN external_id TEXT"},
		{"messages", "raw_blocks", "ALTER TABLE messages ADD COLUMN raw_blocks TEXT"},
		{"processes", "model_for_hooks", "ALTER TABLE processes ADD COLUMN model_for_hooks TEXT"},
		{"processes", "recursion_depth", "ALTER TABLE processes ADD COLUMN recursion_depth INTEGER NOT NULL DEFAULT 0"},
		{"processes", "spawned_by_branch", "ALTER TABLE processes ADD COLUMN spawned_by_branch INTEGER"},
	}
	for _, m := range migrations {
		probe := fmt.Sprintf("SELECT %s FROM %s LIMIT 0", m.column, m.table)
		if _, err := s.db.Exec(probe); err != nil {
			if _, err := s.db.Exec(m.alter); err != nil {
				return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeFormat) }

func parseSQLiteTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// -- Agents ----------------------------------------------------------------

func (s *sqliteStore) RegisterAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.Name == "" {
		return fmt.Errorf("agent is required")
	}
	// NULL channel keeps the UNIQUE constraint off agents created before
	// their channel is provisioned.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, channel_id, guild_id, model, permissions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent.Name, nullString(agent.ChannelID), agent.GuildID, nullString(agent.Model),
		agent.Permissions, sqliteTime(agent.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", models.ErrAgentExists, agent.Name)
		}
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (s *sqliteStore) RemoveAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove agent rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrAgentNotFound, name)
	}
	return nil
}

const sqliteAgentColumns = `name, channel_id, guild_id, model, permissions, created_at`

func (s *sqliteStore) scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var agent models.Agent
	var channel, model sql.NullString
	var createdAt string
	if err := row.Scan(&agent.Name, &channel, &agent.GuildID, &model,
		&agent.Permissions, &createdAt); err != nil {
		return nil, err
	}
	agent.ChannelID = channel.String
	agent.Model = model.String
	agent.CreatedAt = parseSQLiteTime(createdAt)
	return &agent, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAgentColumns+` FROM agents WHERE name = ?`, name)
	agent, err := s.scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *sqliteStore) GetAgentByChannel(ctx context.Context, channelID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAgentColumns+` FROM agents WHERE channel_id = ?`, channelID)
	agent, err := s.scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: channel %s", models.ErrAgentNotFound, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by channel: %w", err)
	}
	return agent, nil
}

func (s *sqliteStore) ListAgents(ctx context.Context, guildID string) ([]*models.Agent, error) {
	query := `SELECT ` + sqliteAgentColumns + ` FROM agents ORDER BY name`
	args := []any{}
	if guildID != "" {
		query = `SELECT ` + sqliteAgentColumns + ` FROM agents WHERE guild_id = ? ORDER BY name`
		args = append(args, guildID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

func (s *sqliteStore) UpdateAgentField(ctx context.Context, name, field, value string) error {
	if err := checkAgentField(field); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET `+field+` = ? WHERE name = ?`, nullString(value), name)
	if err != nil {
		return fmt.Errorf("update agent field: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent field rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrAgentNotFound, name)
	}
	return nil
}

func (s *sqliteStore) UpdateAgentChannel(ctx context.Context, name, channelID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET channel_id = ? WHERE name = ?`, nullString(channelID), name)
	if err != nil {
		return fmt.Errorf("update agent channel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent channel rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrAgentNotFound, name)
	}
	return nil
}

func (s *sqliteStore) LastClearTime(ctx context.Context, agent string) (time.Time, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_clear_time FROM agents WHERE name = ?`, agent).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("%w: %s", models.ErrAgentNotFound, agent)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last clear time: %w", err)
	}
	if !value.Valid {
		return time.Time{}, nil
	}
	return parseSQLiteTime(value.String), nil
}

func (s *sqliteStore) SetLastClearTime(ctx context.Context, agent string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_clear_time = ? WHERE name = ?`, sqliteTime(at), agent)
	if err != nil {
		return fmt.Errorf("set last clear time: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set last clear time rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrAgentNotFound, agent)
	}
	return nil
}

// -- Messages --------------------------------------------------------------

func (s *sqliteStore) PersistMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("message is required")
	}
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return 0, fmt.Errorf("marshal tool calls: %w", err)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (agent_name, branch_id, role, content, tool_calls,
		                       tool_call_id, timestamp, external_id, raw_blocks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Agent, branchArg(msg.BranchID), string(msg.Role), nullString(msg.Content),
		toolCalls, nullString(msg.ToolCallID), sqliteTime(ts),
		nullString(msg.ExternalID), nullRaw(msg.RawBlocks),
	)
	if err != nil {
		return 0, fmt.Errorf("persist message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("persist message id: %w", err)
	}
	return id, nil
}

const sqliteMessageColumns = `id, agent_name, branch_id, role, content, tool_calls,
	tool_call_id, timestamp, external_id, raw_blocks`

func scanSQLiteMessage(rows *sql.Rows) (models.Message, error) {
	var msg models.Message
	var rowID int64
	var branchID sql.NullInt64
	var content, toolCalls, toolCallID, externalID, rawBlocks sql.NullString
	var role, ts string
	if err := rows.Scan(&rowID, &msg.Agent, &branchID, &role, &content,
		&toolCalls, &toolCallID, &ts, &externalID, &rawBlocks); err != nil {
		return models.Message{}, err
	}
	msg.ID = strconv.FormatInt(rowID, 10)
	msg.Role = models.Role(role)
	msg.BranchID = branchID.Int64
	msg.Content = content.String
	msg.ToolCallID = toolCallID.String
	msg.ExternalID = externalID.String
	msg.Timestamp = parseSQLiteTime(ts)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if rawBlocks.Valid && rawBlocks.String != "" {
		msg.RawBlocks = json.RawMessage(rawBlocks.String)
	}
	return msg, nil
}

func (s *sqliteStore) MessagesSince(ctx context.Context, agent string, since time.Time, branchID int64) ([]models.Message, error) {
	query := `SELECT ` + sqliteMessageColumns + `
		FROM messages WHERE agent_name = ? AND timestamp > ? ORDER BY timestamp ASC`
	args := []any{agent, sqliteTime(since)}
	if branchID != 0 {
		query = `SELECT ` + sqliteMessageColumns + `
		FROM messages WHERE agent_name = ? AND timestamp > ? AND branch_id = ? ORDER BY timestamp ASC`
		args = append(args, branchID)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *sqliteStore) AllMessages(ctx context.Context, agent string) ([]models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE agent_name = ? ORDER BY timestamp ASC`,
		agent)
}

func (s *sqliteStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return messages, nil
}

// -- Sessions --------------------------------------------------------------

func (s *sqliteStore) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("session snapshot is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_name, description, summary, saved_at,
		                       message_count, file_path, window_start, window_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Agent, snap.Description, nullString(snap.Summary),
		sqliteTime(snap.SavedAt), snap.MessageCount, snap.Path,
		sqliteTime(snap.WindowStart), sqliteTime(snap.WindowEnd),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const sqliteSessionColumns = `id, agent_name, description, summary, saved_at,
	message_count, file_path, window_start, window_end`

func scanSQLiteSession(row interface{ Scan(...any) error }) (models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	var description, summary, windowStart, windowEnd sql.NullString
	var savedAt string
	if err := row.Scan(&snap.ID, &snap.Agent, &description, &summary, &savedAt,
		&snap.MessageCount, &snap.Path, &windowStart, &windowEnd); err != nil {
		return models.SessionSnapshot{}, err
	}
	snap.Description = description.String
	snap.Summary = summary.String
	snap.SavedAt = parseSQLiteTime(savedAt)
	snap.WindowStart = parseSQLiteTime(windowStart.String)
	snap.WindowEnd = parseSQLiteTime(windowEnd.String)
	return snap, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context, agent string, limit int) ([]models.SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+`
		 FROM sessions WHERE agent_name = ? ORDER BY saved_at DESC LIMIT ?`,
		agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionSnapshot{}
	for rows.Next() {
		snap, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*models.SessionSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	snap, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &snap, nil
}

// -- Processes -------------------------------------------------------------

func (s *sqliteStore) InsertProcess(ctx context.Context, proc *models.TrackedProcess) error {
	if proc == nil || proc.PID == 0 {
		return fmt.Errorf("process is required")
	}
	callbacks, err := models.MarshalCallbacks(proc.Callbacks)
	if err != nil {
		return fmt.Errorf("marshal callbacks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (pid, agent_name, command, cwd, kind, status,
		                        exit_code, started_at, stdout_log, stderr_log,
		                        context, model_for_hooks, recursion_depth,
		                        spawned_by_branch, callbacks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		proc.PID, proc.Agent, proc.Command, nullString(proc.Dir),
		string(proc.Kind), string(proc.Status), nullInt(proc.ExitCode),
		sqliteTime(proc.StartedAt), nullString(proc.StdoutLog),
		nullString(proc.StderrLog), nullString(proc.Context),
		nullString(proc.ModelForHooks), proc.HookRecursionDepth,
		branchArg(proc.SpawnedByBranch), callbacks,
	)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, exit_code = ?
		 WHERE pid = ? AND status = 'running'`,
		string(status), nullInt(exitCode), pid)
	if err != nil {
		return fmt.Errorf("update process status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update process status rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: pid %d", models.ErrProcessNotFound, pid)
	}
	return nil
}

func (s *sqliteStore) UpdateProcessCallbacks(ctx context.Context, pid int, callbacksJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET callbacks = ?
		 WHERE pid = ? AND status = 'running'`,
		callbacksJSON, pid)
	if err != nil {
		return fmt.Errorf("update process callbacks: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update process callbacks rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: pid %d", models.ErrProcessNotFound, pid)
	}
	return nil
}

const sqliteProcessColumns = `pid, agent_name, command, cwd, kind, status,
	exit_code, started_at, stdout_log, stderr_log, context, model_for_hooks,
	recursion_depth, spawned_by_branch, callbacks`

func (s *sqliteStore) ListProcesses(ctx context.Context, agent string) ([]models.TrackedProcess, error) {
	query := `SELECT ` + sqliteProcessColumns + ` FROM processes ORDER BY started_at ASC`
	args := []any{}
	if agent != "" {
		query = `SELECT ` + sqliteProcessColumns + ` FROM processes WHERE agent_name = ? ORDER BY started_at ASC`
		args = append(args, agent)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	procs := []models.TrackedProcess{}
	for rows.Next() {
		var proc models.TrackedProcess
		var cwd, stdoutLog, stderrLog, procContext, modelForHooks, callbacks sql.NullString
		var kind, status, startedAt string
		var exitCode, spawnedBy sql.NullInt64
		if err := rows.Scan(&proc.PID, &proc.Agent, &proc.Command, &cwd, &kind,
			&status, &exitCode, &startedAt, &stdoutLog, &stderrLog,
			&procContext, &modelForHooks, &proc.HookRecursionDepth,
			&spawnedBy, &callbacks); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		proc.Dir = cwd.String
		proc.Kind = models.ProcessKind(kind)
		proc.Status = models.ProcessStatus(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			proc.ExitCode = &code
		}
		proc.StartedAt = parseSQLiteTime(startedAt)
		proc.StdoutLog = stdoutLog.String
		proc.StderrLog = stderrLog.String
		proc.Context = procContext.String
		proc.ModelForHooks = modelForHooks.String
		proc.SpawnedByBranch = spawnedBy.Int64
		if callbacks.Valid {
			cbs, err := models.UnmarshalCallbacks(callbacks.String)
			if err != nil {
				return nil, fmt.Errorf("unmarshal callbacks: %w", err)
			}
			proc.Callbacks = cbs
		}
		procs = append(procs, proc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return procs, nil
}

// -- Branch steps ----------------------------------------------------------

func (s *sqliteStore) PersistBranchStep(ctx context.Context, agent string, branchID int64, step models.BranchStep) error {
	var endedAt any
	var durationMS any
	if step.Closed() {
		endedAt = sqliteTime(step.EndedAt)
		durationMS = step.Duration().Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branch_steps (agent_name, branch_id, step_number,
		                           description, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent, branchID, step.N, step.Description, sqliteTime(step.StartedAt),
		endedAt, durationMS,
	)
	if err != nil {
		return fmt.Errorf("persist branch step: %w", err)
	}
	return nil
}

func (s *sqliteStore) BranchSteps(ctx context.Context, agent string, branchID int64) ([]models.BranchStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number, description, started_at, ended_at
		 FROM branch_steps WHERE agent_name = ? AND branch_id = ?
		 ORDER BY step_number`,
		agent, branchID)
	if err != nil {
		return nil, fmt.Errorf("branch steps: %w", err)
	}
	defer rows.Close()

	steps := []models.BranchStep{}
	for rows.Next() {
		var step models.BranchStep
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&step.N, &step.Description, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan branch step: %w", err)
		}
		step.StartedAt = parseSQLiteTime(startedAt)
		if endedAt.Valid {
			step.EndedAt = parseSQLiteTime(endedAt.String)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("branch steps: %w", err)
	}
	return steps, nil
}

// -- Audit log -------------------------------------------------------------

func (s *sqliteStore) LogSelfEdit(ctx context.Context, agent, editType, oldValue, newValue, userID string) error {
	detail, err := json.Marshal(map[string]string{
		"edit_type": editType,
		"old_value": capValue(oldValue, 500),
		"new_value": capValue(newValue, 500),
	})
	if err != nil {
		return fmt.Errorf("marshal self edit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (agent_name, timestamp, action_string, decision, user_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent, sqliteTime(time.Now()), "tool:self_edit:"+editType, "allow",
		nullString(userID), string(detail),
	)
	if err != nil {
		return fmt.Errorf("log self edit: %w", err)
	}
	return nil
}

// -- Settings --------------------------------------------------------------

func (s *sqliteStore) GetSetting(ctx context.Context, guildID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE guild_id = ? AND key = ?`, guildID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, guildID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (guild_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(guild_id, key) DO UPDATE SET value = excluded.value`,
		guildID, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

