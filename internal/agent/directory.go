package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/chorus/pkg/models"
)

// identityFile is the per-agent config file name.
const identityFile = "agent.json"

// Directory manages agent directories under the chorus home:
// <home>/agents/<name>/{agent.json, workspace/, docs/, sessions/, processes/}.
type Directory struct {
	home     string
	template string
	logger   *slog.Logger
}

// NewDirectory returns a Directory rooted at home. New agents are seeded
// from template when it exists, otherwise scaffolded empty.
func NewDirectory(home, template string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		home:     home,
		template: template,
		logger:   logger.With("component", "agent-directory"),
	}
}

// Home returns the chorus home path.
func (d *Directory) Home() string { return d.home }

// AgentsDir returns the directory holding all agent directories.
func (d *Directory) AgentsDir() string { return filepath.Join(d.home, "agents") }

// AgentDir returns an agent's root directory.
func (d *Directory) AgentDir(name string) string { return filepath.Join(d.AgentsDir(), name) }

// WorkspaceDir returns an agent's workspace directory.
func (d *Directory) WorkspaceDir(name string) string {
	return filepath.Join(d.AgentDir(name), "workspace")
}

// DocsDir returns an agent's docs directory.
func (d *Directory) DocsDir(name string) string { return filepath.Join(d.AgentDir(name), "docs") }

// SessionsDir returns an agent's saved-sessions directory.
func (d *Directory) SessionsDir(name string) string {
	return filepath.Join(d.AgentDir(name), "sessions")
}

// ProcessesDir returns an agent's process log directory.
func (d *Directory) ProcessesDir(name string) string {
	return filepath.Join(d.AgentDir(name), "processes")
}

// IdentityPath returns the path to an agent's agent.json.
func (d *Directory) IdentityPath(name string) string {
	return filepath.Join(d.AgentDir(name), identityFile)
}

// EnsureHome creates the chorus home structure. Idempotent.
func (d *Directory) EnsureHome() error {
	if err := os.MkdirAll(d.AgentsDir(), 0o755); err != nil {
		return fmt.Errorf("create agents dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(d.home, "db"), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	return nil
}

// Create scaffolds a new agent directory from the template and writes its
// initial identity. Returns ErrAgentExists when the directory is taken.
func (d *Directory) Create(name string) (*models.Agent, error) {
	agentDir := d.AgentDir(name)
	if _, err := os.Stat(agentDir); err == nil {
		return nil, fmt.Errorf("%w: %q", models.ErrAgentExists, name)
	}

	if info, err := os.Stat(d.template); err == nil && info.IsDir() {
		if err := copyFS(agentDir, os.DirFS(d.template)); err != nil {
			return nil, fmt.Errorf("copy template: %w", err)
		}
	} else if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent dir: %w", err)
	}
	for _, sub := range []string{"workspace", "docs", "sessions", "processes"} {
		if err := os.MkdirAll(filepath.Join(agentDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	// Workspace gets its own git repo; a missing git binary degrades to an
	// unversioned workspace rather than failing the create.
	cmd := exec.Command("git", "init")
	cmd.Dir = d.WorkspaceDir(name)
	if out, err := cmd.CombinedOutput(); err != nil {
		d.logger.Warn("git init failed for workspace", "agent", name, "error", err, "output", string(out))
	}

	agent := models.NewAgent(name)
	if existing, err := d.ReadIdentity(name); err == nil {
		// Template shipped an agent.json; keep its prompt and settings.
		existing.Name = agent.Name
		existing.CreatedAt = agent.CreatedAt
		agent = existing
	}
	if err := d.WriteIdentity(agent); err != nil {
		return nil, err
	}

	d.logger.Info("created agent directory", "agent", name, "path", agentDir)
	return agent, nil
}

// ReadIdentity parses an agent's agent.json.
func (d *Directory) ReadIdentity(name string) (*models.Agent, error) {
	data, err := os.ReadFile(d.IdentityPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", models.ErrAgentNotFound, name)
		}
		return nil, fmt.Errorf("read agent identity: %w", err)
	}
	var agent models.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("parse agent identity: %w", err)
	}
	return &agent, nil
}

// WriteIdentity writes an agent's agent.json.
func (d *Directory) WriteIdentity(agent *models.Agent) error {
	data, err := json.MarshalIndent(agent, "", "    ")
	if err != nil {
		return fmt.Errorf("encode agent identity: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(d.IdentityPath(agent.Name), data, 0o644); err != nil {
		return fmt.Errorf("write agent identity: %w", err)
	}
	return nil
}

// UpdateChannelID rewrites the channel id in an agent's identity.
func (d *Directory) UpdateChannelID(name, channelID string) error {
	agent, err := d.ReadIdentity(name)
	if err != nil {
		return err
	}
	agent.ChannelID = channelID
	if err := d.WriteIdentity(agent); err != nil {
		return err
	}
	d.logger.Info("updated agent channel id", "agent", name, "channel_id", channelID)
	return nil
}

// Destroy removes an agent directory. With keepFiles the directory moves
// to <home>/.trash instead; name collisions there get a numeric suffix.
func (d *Directory) Destroy(name string, keepFiles bool) error {
	agentDir := d.AgentDir(name)
	if _, err := os.Stat(agentDir); err != nil {
		return fmt.Errorf("%w: %q", models.ErrAgentNotFound, name)
	}

	if keepFiles {
		trashDir := filepath.Join(d.home, ".trash")
		if err := os.MkdirAll(trashDir, 0o755); err != nil {
			return fmt.Errorf("create trash dir: %w", err)
		}
		dest := filepath.Join(trashDir, name)
		for i := 2; ; i++ {
			if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
				break
			}
			dest = filepath.Join(trashDir, fmt.Sprintf("%s-%d", name, i))
		}
		if err := os.Rename(agentDir, dest); err != nil {
			return fmt.Errorf("move agent to trash: %w", err)
		}
		d.logger.Info("moved agent to trash", "agent", name, "path", dest)
		return nil
	}

	if err := os.RemoveAll(agentDir); err != nil {
		return fmt.Errorf("remove agent dir: %w", err)
	}
	d.logger.Info("destroyed agent directory", "agent", name)
	return nil
}

// Get returns an agent's directory path if it exists.
func (d *Directory) Get(name string) (string, bool) {
	agentDir := d.AgentDir(name)
	info, err := os.Stat(agentDir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return agentDir, true
}

// List returns all agent names, sorted.
func (d *Directory) List() ([]string, error) {
	entries, err := os.ReadDir(d.AgentsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
