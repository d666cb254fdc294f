package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultRollingWindow bounds how far back the context window reaches.
const DefaultRollingWindow = 24 * time.Hour

// docsCache caches the rendered docs block per docs directory. An fsnotify
// watcher invalidates entries when files under a watched directory change;
// when the watcher cannot be created the cache degrades to reading on every
// build.
type docsCache struct {
	logger *slog.Logger

	mu      sync.Mutex
	content map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newDocsCache(logger *slog.Logger) *docsCache {
	c := &docsCache{
		logger:  logger,
		content: make(map[string]string),
		done:    make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("docs watcher unavailable, caching disabled", "error", err)
		return c
	}
	c.watcher = watcher
	go c.watch()
	return c
}

func (c *docsCache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			dir := filepath.Dir(ev.Name)
			c.mu.Lock()
			delete(c.content, dir)
			delete(c.content, ev.Name)
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("docs watcher error", "error", err)
		case <-c.done:
			return
		}
	}
}

// Read returns the rendered docs block for dir, from cache when possible.
func (c *docsCache) Read(dir string) string {
	if c.watcher == nil {
		return renderDocs(dir)
	}
	c.mu.Lock()
	if cached, ok := c.content[dir]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	rendered := renderDocs(dir)

	// Watch before caching so an edit between render and cache still
	// invalidates on its next event.
	if err := c.watcher.Add(dir); err != nil {
		return rendered
	}
	c.mu.Lock()
	c.content[dir] = rendered
	c.mu.Unlock()
	return rendered
}

func (c *docsCache) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// renderDocs concatenates the non-empty markdown files of a docs directory,
// sorted by name, each under a "--- name ---" header.
func renderDocs(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- %s ---\n%s", name, content))
	}
	return strings.Join(parts, "\n\n")
}

// ContextConfig configures a ContextBuilder.
type ContextConfig struct {
	Store store.Store

	// RollingWindow bounds the history included in a build; zero uses
	// DefaultRollingWindow.
	RollingWindow time.Duration

	Logger *slog.Logger
}

// ContextBuilder assembles the message list for an LLM call: one synthetic
// system message (prompt, docs, runtime hints), optional prior-branch
// summary, the branch status block, and the rolling window from the store,
// truncated to the model's token budget.
type ContextBuilder struct {
	store   store.Store
	rolling time.Duration
	logger  *slog.Logger
	docs    *docsCache
}

// NewContextBuilder creates a builder. Call Close to release the docs
// watcher when the builder is no longer needed.
func NewContextBuilder(cfg ContextConfig) *ContextBuilder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "context-builder")
	rolling := cfg.RollingWindow
	if rolling <= 0 {
		rolling = DefaultRollingWindow
	}
	return &ContextBuilder{
		store:   cfg.Store,
		rolling: rolling,
		logger:  logger,
		docs:    newDocsCache(logger),
	}
}

// Close releases the docs cache watcher.
func (b *ContextBuilder) Close() error { return b.docs.Close() }

// BuildRequest carries the per-turn inputs for context assembly.
type BuildRequest struct {
	Agent    *models.Agent
	BranchID int64

	// Model the request will run on; used for self-awareness and the token
	// budget. Empty falls back to the agent's configured model.
	Model string

	// AvailableModels adds a hint listing models the agent may switch to.
	AvailableModels []string

	// ScopePath notes a host filesystem mount in the system message.
	ScopePath string

	// DocsDir is the agent's docs directory; empty skips documentation.
	DocsDir string

	// HasEditTool adds the targeted-edit hint when the code editing tool
	// is registered.
	HasEditTool bool

	// PreviousSummary carries the prior branch's summary, added as a second
	// system message when PreviousBranchID is set.
	PreviousSummary  string
	PreviousBranchID int64

	// Status is the active-branch block; empty or the no-branches sentinel
	// is skipped.
	Status string
}

// Build assembles the ordered message list and truncates it to the model's
// token budget, keeping system messages and dropping oldest history first.
func (b *ContextBuilder) Build(ctx context.Context, req BuildRequest) ([]models.Message, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("build context: agent is nil")
	}
	model := req.Model
	if model == "" {
		model = req.Agent.Model
	}

	messages := []models.Message{{
		Role:    models.RoleSystem,
		Content: b.systemMessage(req, model),
	}}

	if req.PreviousBranchID != 0 && req.PreviousSummary != "" {
		messages = append(messages, models.Message{
			Role: models.RoleSystem,
			Content: fmt.Sprintf("Summary of your previous branch (#%d): %s",
				req.PreviousBranchID, req.PreviousSummary),
		})
	}

	if req.Status != "" && req.Status != noActiveBranches {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: req.Status})
	}

	window, err := b.window(ctx, req.Agent.Name, req.BranchID)
	if err != nil {
		return nil, err
	}
	messages = append(messages, window...)

	return TruncateOldest(messages, TokenBudget(model)), nil
}

// systemMessage renders the synthetic system message: agent prompt, docs
// block, model self-awareness, scope mount note, and tool usage hints.
func (b *ContextBuilder) systemMessage(req BuildRequest, model string) string {
	parts := []string{req.Agent.SystemPrompt}

	if req.DocsDir != "" {
		if docs := b.docs.Read(req.DocsDir); docs != "" {
			parts = append(parts, "\n\n## Agent Documentation\n\n"+docs)
		}
	}

	var tail strings.Builder
	if model != "" {
		fmt.Fprintf(&tail, "\n\nYou are currently running on the model %s.", model)
		if len(req.AvailableModels) > 0 {
			fmt.Fprintf(&tail, " Models available for switching: %s.",
				strings.Join(req.AvailableModels, ", "))
		}
	}
	if req.ScopePath != "" {
		fmt.Fprintf(&tail, "\n\nThe host filesystem is mounted at %s. "+
			"Bash commands that reference this path run against the host with HOME set to it; "+
			"everything else stays inside your workspace.", req.ScopePath)
	}
	if req.HasEditTool {
		tail.WriteString("\n\nFor small changes to existing files, prefer str_replace over rewriting the whole file with create_file.")
	}
	tail.WriteString("\n\nWhen writing a large file, build it in sections across multiple tool calls instead of emitting one oversized write that may be cut off.")

	if tail.Len() > 0 {
		parts = append(parts, tail.String())
	}
	return strings.Join(parts, "\n")
}

// window returns the branch-scoped rolling window, bounded by
// max(now - rolling, last clear).
func (b *ContextBuilder) window(ctx context.Context, agent string, branchID int64) ([]models.Message, error) {
	if b.store == nil {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-b.rolling)
	lastClear, err := b.store.LastClearTime(ctx, agent)
	if err != nil && !errors.Is(err, models.ErrAgentNotFound) {
		return nil, fmt.Errorf("last clear time: %w", err)
	}
	if lastClear.After(cutoff) {
		cutoff = lastClear
	}
	msgs, err := b.store.MessagesSince(ctx, agent, cutoff, branchID)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	return msgs, nil
}
