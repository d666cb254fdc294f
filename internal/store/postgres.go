package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/haasonsaas/chorus/pkg/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		channel_id TEXT UNIQUE,
		guild_id TEXT NOT NULL,
		model TEXT,
		permissions TEXT NOT NULL DEFAULT 'standard',
		created_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_clear_time TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		agent_name TEXT NOT NULL,
		branch_id BIGINT,
		role TEXT NOT NULL,
		content TEXT,
		tool_calls TEXT,
		tool_call_id TEXT,
		timestamp TIMESTAMPTZ NOT NULL,
		external_id TEXT,
		raw_blocks TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_agent_time ON messages(agent_name, timestamp)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		description TEXT,
		summary TEXT,
		saved_at TIMESTAMPTZ NOT NULL,
		message_count INTEGER,
		file_path TEXT NOT NULL,
		window_start TIMESTAMPTZ,
		window_end TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS processes (
		id BIGSERIAL PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_name TEXT NOT NULL,
		command TEXT NOT NULL,
		cwd TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER,
		started_at TIMESTAMPTZ NOT NULL,
		stdout_log TEXT,
		stderr_log TEXT,
		context TEXT,
		model_for_hooks TEXT,
		recursion_depth INTEGER NOT NULL DEFAULT 0,
		spawned_by_branch BIGINT,
		callbacks TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_agent ON processes(agent_name)`,
	`CREATE TABLE IF NOT EXISTS branch_steps (
		id BIGSERIAL PRIMARY KEY,
		agent_name TEXT NOT NULL,
		branch_id BIGINT NOT NULL,
		step_number INTEGER NOT NULL,
		description TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		duration_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_branch_steps_agent_branch ON branch_steps(agent_name, branch_id)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		agent_name TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		action_string TEXT NOT NULL,
		decision TEXT NOT NULL,
		user_id TEXT,
		detail TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		guild_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (guild_id, key)
	)`,
}

type postgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to a postgres DSN, verifies the connection, and
// applies the schema.
func OpenPostgres(dsn string, opts *Options) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &postgresStore{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func isDuplicate(err error) bool {
	return strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "23505")
}

// -- Agents ----------------------------------------------------------------

func (s *postgresStore) RegisterAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.Name == "" {
		return fmt.Errorf("agent is required")
	}
	// NULL channel keeps the UNIQUE constraint off agents created before
	// their channel is provisioned.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, channel_id, guild_id, model, permissions, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		agent.Name, nullString(agent.ChannelID), agent.GuildID, nullString(agent.Model),
		agent.Permissions, agent.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", models.ErrAgentExists, agent.Name)
		}
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (s *postgresStore) RemoveAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = $1`, name)
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

const postgresAgentColumns = `name, channel_id, guild_id, model, permissions, created_at`

func scanPostgresAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var agent models.Agent
	var channel, model sql.NullString
	if err := row.Scan(&agent.Name, &channel, &agent.GuildID, &model,
		&agent.Permissions, &agent.CreatedAt); err != nil {
		return nil, err
	}
	agent.ChannelID = channel.String
	agent.Model = model.String
	return &agent, nil
}

func (s *postgresStore) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresAgentColumns+` FROM agents WHERE name = $1`, name)
	agent, err := scanPostgresAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *postgresStore) GetAgentByChannel(ctx context.Context, channelID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresAgentColumns+` FROM agents WHERE channel_id = $1`, channelID)
	agent, err := scanPostgresAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: channel %s", models.ErrAgentNotFound, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by channel: %w", err)
	}
	return agent, nil
}

func (s *postgresStore) ListAgents(ctx context.Context, guildID string) ([]*models.Agent, error) {
	query := `SELECT ` + postgresAgentColumns + ` FROM agents ORDER BY name`
	args := []any{}
	if guildID != "" {
		query = `SELECT ` + postgresAgentColumns + ` FROM agents WHERE guild_id = $1 ORDER BY name`
		args = append(args, guildID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := scanPostgresAgent(rows)
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

func (s *postgresStore) UpdateAgentField(ctx context.Context, name, field, value string) error {
	if err := checkAgentField(field); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET `+field+` = $1 WHERE name = $2`, nullString(value), name)
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

func (s *postgresStore) UpdateAgentChannel(ctx context.Context, name, channelID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET channel_id = $1 WHERE name = $2`, nullString(channelID), name)
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

func (s *postgresStore) LastClearTime(ctx context.Context, agent string) (time.Time, error) {
	var value sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_clear_time FROM agents WHERE name = $1`, agent).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("%w: %s", models.ErrAgentNotFound, agent)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last clear time: %w", err)
	}
	if !value.Valid {
		return time.Time{}, nil
	}
	return value.Time, nil
}

func (s *postgresStore) SetLastClearTime(ctx context.Context, agent string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_clear_time = $1 WHERE name = $2`, at, agent)
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

func (s *postgresStore) PersistMessage(ctx context.Context, msg *models.Message) (int64, error) {
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
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (agent_name, branch_id, role, content, tool_calls,
		                       tool_call_id, timestamp, external_id, raw_blocks)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 RETURNING id`,
		msg.Agent, branchArg(msg.BranchID), string(msg.Role), nullString(msg.Content),
		toolCalls, nullString(msg.ToolCallID), ts,
		nullString(msg.ExternalID), nullRaw(msg.RawBlocks),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("persist message: %w", err)
	}
	return id, nil
}

const postgresMessageColumns = `id, agent_name, branch_id, role, content, tool_calls,
	tool_call_id, timestamp, external_id, raw_blocks`

func (s *postgresStore) MessagesSince(ctx context.Context, agent string, since time.Time, branchID int64) ([]models.Message, error) {
	query := `SELECT ` + postgresMessageColumns + `
		FROM messages WHERE agent_name = $1 AND timestamp > $2 ORDER BY timestamp ASC`
	args := []any{agent, since}
	if branchID != 0 {
		query = `SELECT ` + postgresMessageColumns + `
		FROM messages WHERE agent_name = $1 AND timestamp > $2 AND branch_id = $3 ORDER BY timestamp ASC`
		args = append(args, branchID)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *postgresStore) AllMessages(ctx context.Context, agent string) ([]models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+postgresMessageColumns+` FROM messages WHERE agent_name = $1 ORDER BY timestamp ASC`,
		agent)
}

func (s *postgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var rowID int64
		var branchID sql.NullInt64
		var content, toolCalls, toolCallID, externalID, rawBlocks sql.NullString
		var role string
		if err := rows.Scan(&rowID, &msg.Agent, &branchID, &role, &content,
			&toolCalls, &toolCallID, &msg.Timestamp, &externalID, &rawBlocks); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = strconv.FormatInt(rowID, 10)
		msg.Role = models.Role(role)
		msg.BranchID = branchID.Int64
		msg.Content = content.String
		msg.ToolCallID = toolCallID.String
		msg.ExternalID = externalID.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if rawBlocks.Valid && rawBlocks.String != "" {
			msg.RawBlocks = json.RawMessage(rawBlocks.String)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return messages, nil
}

// -- Sessions --------------------------------------------------------------

func (s *postgresStore) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("session snapshot is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_name, description, summary, saved_at,
		                       message_count, file_path, window_start, window_end)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		snap.ID, snap.Agent, snap.Description, nullString(snap.Summary),
		snap.SavedAt, snap.MessageCount, snap.Path, snap.WindowStart, snap.WindowEnd,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const postgresSessionColumns = `id, agent_name, description, summary, saved_at,
	message_count, file_path, window_start, window_end`

func scanPostgresSession(row interface{ Scan(...any) error }) (models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	var description, summary sql.NullString
	var windowStart, windowEnd sql.NullTime
	if err := row.Scan(&snap.ID, &snap.Agent, &description, &summary, &snap.SavedAt,
		&snap.MessageCount, &snap.Path, &windowStart, &windowEnd); err != nil {
		return models.SessionSnapshot{}, err
	}
	snap.Description = description.String
	snap.Summary = summary.String
	snap.WindowStart = windowStart.Time
	snap.WindowEnd = windowEnd.Time
	return snap, nil
}

func (s *postgresStore) ListSessions(ctx context.Context, agent string, limit int) ([]models.SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postgresSessionColumns+`
		 FROM sessions WHERE agent_name = $1 ORDER BY saved_at DESC LIMIT $2`,
		agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionSnapshot{}
	for rows.Next() {
		snap, err := scanPostgresSession(rows)
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

func (s *postgresStore) GetSession(ctx context.Context, id string) (*models.SessionSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions WHERE id = $1`, id)
	snap, err := scanPostgresSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &snap, nil
}

// -- Processes -------------------------------------------------------------

func (s *postgresStore) InsertProcess(ctx context.Context, proc *models.TrackedProcess) error {
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
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		proc.PID, proc.Agent, proc.Command, nullString(proc.Dir),
		string(proc.Kind), string(proc.Status), nullInt(proc.ExitCode),
		proc.StartedAt, nullString(proc.StdoutLog), nullString(proc.StderrLog),
		nullString(proc.Context), nullString(proc.ModelForHooks),
		proc.HookRecursionDepth, branchArg(proc.SpawnedByBranch), callbacks,
	)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func (s *postgresStore) UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = $1, exit_code = $2
		 WHERE pid = $3 AND status = 'running'`,
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

func (s *postgresStore) UpdateProcessCallbacks(ctx context.Context, pid int, callbacksJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET callbacks = $1
		 WHERE pid = $2 AND status = 'running'`,
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

const postgresProcessColumns = `pid, agent_name, command, cwd, kind, status,
	exit_code, started_at, stdout_log, stderr_log, context, model_for_hooks,
	recursion_depth, spawned_by_branch, callbacks`

func (s *postgresStore) ListProcesses(ctx context.Context, agent string) ([]models.TrackedProcess, error) {
	query := `SELECT ` + postgresProcessColumns + ` FROM processes ORDER BY started_at ASC`
	args := []any{}
	if agent != "" {
		query = `SELECT ` + postgresProcessColumns + ` FROM processes WHERE agent_name = $1 ORDER BY started_at ASC`
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
		var kind, status string
		var exitCode, spawnedBy sql.NullInt64
		if err := rows.Scan(&proc.PID, &proc.Agent, &proc.Command, &cwd, &kind,
			&status, &exitCode, &proc.StartedAt, &stdoutLog, &stderrLog,
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

func (s *postgresStore) PersistBranchStep(ctx context.Context, agent string, branchID int64, step models.BranchStep) error {
	var endedAt any
	var durationMS any
	if step.Closed() {
		endedAt = step.EndedAt
		durationMS = step.Duration().Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branch_steps (agent_name, branch_id, step_number,
		                           description, started_at, ended_at, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		agent, branchID, step.N, step.Description, step.StartedAt, endedAt, durationMS,
	)
	if err != nil {
		return fmt.Errorf("persist branch step: %w", err)
	}
	return nil
}

func (s *postgresStore) BranchSteps(ctx context.Context, agent string, branchID int64) ([]models.BranchStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number, description, started_at, ended_at
		 FROM branch_steps WHERE agent_name = $1 AND branch_id = $2
		 ORDER BY step_number`,
		agent, branchID)
	if err != nil {
		return nil, fmt.Errorf("branch steps: %w", err)
	}
	defer rows.Close()

	steps := []models.BranchStep{}
	for rows.Next() {
		var step models.BranchStep
		var endedAt sql.NullTime
		if err := rows.Scan(&step.N, &step.Description, &step.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan branch step: %w", err)
		}
		if endedAt.Valid {
			step.EndedAt = endedAt.Time
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("branch steps: %w", err)
	}
	return steps, nil
}

// -- Audit log -------------------------------------------------------------

func (s *postgresStore) LogSelfEdit(ctx context.Context, agent, editType, oldValue, newValue, userID string) error {
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
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		agent, time.Now().UTC(), "tool:self_edit:"+editType, "allow",
		nullString(userID), string(detail),
	)
	if err != nil {
		return fmt.Errorf("log self edit: %w", err)
	}
	return nil
}

// -- Settings --------------------------------------------------------------

func (s *postgresStore) GetSetting(ctx context.Context, guildID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE guild_id = $1 AND key = $2`, guildID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *postgresStore) SetSetting(ctx context.Context, guildID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (guild_id, key, value) VALUES ($1,$2,$3)
		 ON CONFLICT (guild_id, key) DO UPDATE SET value = EXCLUDED.value`,
		guildID, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
