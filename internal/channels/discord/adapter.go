// Package discord binds Chorus agents to Discord: one text channel per
// agent, inbound messages routed onto execution branches, live status
// embeds with a stop button, permission prompts with approve and deny
// buttons, and the /chorus admin command surface.
//
// The adapter wraps a discordgo session behind a narrow interface so
// tests can inject a mock. Outbound text flows through a per-channel
// sliding-window queue and is split at the Discord message length limit.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/channels"
	"github.com/haasonsaas/chorus/internal/config"
	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/internal/observability"
	"github.com/haasonsaas/chorus/internal/process"
	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

// agentCategory is the guild category holding agent channels.
const agentCategory = "Chorus Agents"

// discordSession is the slice of *discordgo.Session the adapter uses,
// extracted so tests can inject a mock.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	UpdateCustomStatus(state string) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Config wires the adapter to the rest of the runtime.
type Config struct {
	// Token is the bot token (required).
	Token string

	// DevGuildID scopes slash-command registration and channel
	// reconciliation to one guild when set.
	DevGuildID string

	// MaxReconnectAttempts bounds gateway reconnection; default 5.
	MaxReconnectAttempts int

	// ReconnectBackoff caps the exponential backoff; default 60s.
	ReconnectBackoff time.Duration

	// RateLimit and RateBurst tune the token bucket pacing one-shot API
	// calls (status and prompt embeds); defaults 5/s with burst 10.
	RateLimit float64
	RateBurst int

	// SendRate and SendWindow bound the per-channel sliding window for
	// outbound text; defaults 5 messages per 5s.
	SendRate   int
	SendWindow time.Duration

	Agents *agent.Manager   // required
	Dir    *agent.Directory // required
	Store  store.Store      // required

	// Home is the Chorus home directory.
	Home string // required

	// HostExecution forwards the full host environment to tool
	// subprocesses instead of the sanitized allowlist.
	HostExecution bool

	// Registry supplies the tool set; nil uses the default registry.
	Registry *tools.Registry

	// Builder assembles LLM context; nil builds one over Store.
	Builder *agent.ContextBuilder

	// Router classifies interjections while the main branch runs. Nil
	// starts a new branch for every non-reply message.
	Router *llm.Router

	// Processes is the tracked-process supervisor; nil disables the
	// process tools.
	Processes *process.Supervisor

	// Callbacks builds process hooks from natural language; optional.
	Callbacks tools.CallbackBuilder

	// Metrics records branch, loop, and LLM activity; optional.
	Metrics *observability.Metrics

	Defaults     config.GlobalDefaults
	AnthropicKey string
	OpenAIKey    string

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.Agents == nil {
		return errors.New("agent manager is required")
	}
	if c.Dir == nil {
		return errors.New("agent directory is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Home == "" {
		return errors.New("home directory is required")
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 60 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.SendRate == 0 {
		c.SendRate = 5
	}
	if c.SendWindow == 0 {
		c.SendWindow = 5 * time.Second
	}
	if c.Registry == nil {
		c.Registry = tools.DefaultRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Discord transport for Chorus. One adapter serves every
// agent; per-agent branch supervisors and context managers are created
// lazily as their channels see traffic.
type Adapter struct {
	config  Config
	logger  *slog.Logger
	session discordSession

	agents    *agent.Manager
	dir       *agent.Directory
	store     store.Store
	registry  *tools.Registry
	builder   *agent.ContextBuilder
	loop      *agent.Loop
	router    *llm.Router
	processes *process.Supervisor

	sender   *sender
	api      *channels.RateLimiter
	edits    *editLimiter
	presence *presence
	asks     *approvals

	mu             sync.RWMutex
	started        bool
	botUserID      string
	reconnectCount int
	channelAgents  map[string]string
	supervisors    map[string]*agent.Supervisor
	contexts       map[string]*agent.ContextManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// newProvider is the provider factory, replaceable in tests.
	newProvider func(name, apiKey, defaultModel string) (llm.Provider, error)
}

// New creates an adapter from a validated config.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("component", "discord")
	a := &Adapter{
		config:        cfg,
		logger:        logger,
		agents:        cfg.Agents,
		dir:           cfg.Dir,
		store:         cfg.Store,
		registry:      cfg.Registry,
		builder:       cfg.Builder,
		router:        cfg.Router,
		processes:     cfg.Processes,
		api:           channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		edits:         newEditLimiter(0),
		asks:          newApprovals(),
		channelAgents: make(map[string]string),
		supervisors:   make(map[string]*agent.Supervisor),
		contexts:      make(map[string]*agent.ContextManager),
		newProvider:   llm.New,
	}
	if a.builder == nil {
		a.builder = agent.NewContextBuilder(agent.ContextConfig{Store: cfg.Store, Logger: cfg.Logger})
	}
	a.loop = agent.NewLoop(agent.LoopConfig{Registry: cfg.Registry, Logger: cfg.Logger})
	a.sender = newSender(a.sessionRef, cfg.SendRate, cfg.SendWindow, logger)
	a.presence = newPresence(a.setCustomStatus, logger)
	return a, nil
}

// Start connects to the gateway and begins routing events. The session
// is created here unless a test injected one.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("adapter already started")
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleInteractionCreate)
	a.session.AddHandler(a.handleDisconnect)

	if err := a.connectWithRetry(ctx); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.started = true
	a.wg.Add(1)
	go a.cleanupLoop()
	a.logger.Info("discord adapter started")
	return nil
}

// Stop kills running branches, waits for workers within the context
// deadline, and closes the session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	session := a.session
	sups := make([]*agent.Supervisor, 0, len(a.supervisors))
	for _, sup := range a.supervisors {
		sups = append(sups, sup)
	}
	a.mu.Unlock()

	cancel()
	a.presence.stop()
	for _, sup := range sups {
		sup.KillAll()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stop timed out waiting for workers")
	}

	if err := session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// SendText delivers plain text to a channel, split at the message length
// limit and paced by the channel's sliding window. Returns the sent
// message ids.
func (a *Adapter) SendText(ctx context.Context, channelID, content string) ([]string, error) {
	return a.sender.Send(ctx, channelID, content, nil)
}

// NotifyAgent delivers hook and process notifications to the agent's
// bound channel.
func (a *Adapter) NotifyAgent(ctx context.Context, agentName, text string) error {
	ag, err := a.agents.Get(agentName)
	if err != nil {
		return err
	}
	if ag.ChannelID == "" {
		return fmt.Errorf("agent %s has no channel", agentName)
	}
	_, err = a.SendText(ctx, ag.ChannelID, text)
	return err
}

// SupervisorFor returns the agent's branch supervisor, creating it on
// first use.
func (a *Adapter) SupervisorFor(name string) *agent.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	sup, ok := a.supervisors[name]
	if !ok {
		sup = agent.NewSupervisor(agent.SupervisorConfig{Agent: name, Store: a.store, Logger: a.logger})
		a.supervisors[name] = sup
	}
	return sup
}

// supervisorPeek looks up a supervisor without creating one.
func (a *Adapter) supervisorPeek(name string) (*agent.Supervisor, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sup, ok := a.supervisors[name]
	return sup, ok
}

func (a *Adapter) contextFor(name string) *agent.ContextManager {
	a.mu.Lock()
	defer a.mu.Unlock()
	cm, ok := a.contexts[name]
	if !ok {
		cm = agent.NewContextManager(name, a.store, a.dir.SessionsDir(name), 0, a.logger)
		a.contexts[name] = cm
	}
	return cm
}

// agentForChannel resolves the agent bound to a channel, consulting the
// cache before the store.
func (a *Adapter) agentForChannel(ctx context.Context, channelID string) (*models.Agent, error) {
	a.mu.RLock()
	name, ok := a.channelAgents[channelID]
	a.mu.RUnlock()
	if ok {
		return a.agents.Get(name)
	}
	ag, err := a.agents.ByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.channelAgents[channelID] = ag.Name
	a.mu.Unlock()
	return ag, nil
}

func (a *Adapter) sessionRef() discordSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

func (a *Adapter) setCustomStatus(state string) error {
	session := a.sessionRef()
	if session == nil {
		return nil
	}
	return session.UpdateCustomStatus(state)
}

// isAdmin reports whether the user holds Manage Server in the channel's
// guild.
func (a *Adapter) isAdmin(userID, channelID string) bool {
	session := a.sessionRef()
	if session == nil {
		return false
	}
	perms, err := session.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionManageGuild != 0
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	if !a.started {
		// Ready after Stop; nothing to do.
		a.mu.Unlock()
		return
	}
	a.botUserID = r.User.ID
	a.reconnectCount = 0
	a.wg.Add(1)
	a.mu.Unlock()

	a.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))

	go func() {
		defer a.wg.Done()
		if err := a.registerCommands(r.User.ID); err != nil {
			a.logger.Error("slash command registration failed", "error", err)
		}
		a.reconcileChannels(a.ctx)
	}()
}

func (a *Adapter) handleDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	a.logger.Warn("disconnected from discord")
	go a.reconnect()
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < a.config.MaxReconnectAttempts; attempt++ {
		a.logger.Info("connecting to discord", "attempt", attempt+1, "max_attempts", a.config.MaxReconnectAttempts)
		if err = a.session.Open(); err == nil {
			return nil
		}
		backoff := calculateBackoff(attempt, a.config.ReconnectBackoff)
		a.logger.Warn("connection failed, retrying", "error", err, "backoff_ms", backoff.Milliseconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("connect after %d attempts: %w", a.config.MaxReconnectAttempts, err)
}

func (a *Adapter) reconnect() {
	defer a.wg.Done()
	if a.ctx.Err() != nil {
		return
	}

	a.mu.Lock()
	a.reconnectCount++
	attempt := a.reconnectCount
	session := a.session
	a.mu.Unlock()

	if attempt > a.config.MaxReconnectAttempts {
		a.logger.Error("max reconnection attempts reached", "attempts", attempt-1)
		return
	}

	backoff := calculateBackoff(attempt, a.config.ReconnectBackoff)
	select {
	case <-a.ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := session.Open(); err != nil {
		// The next gateway disconnect event triggers another attempt.
		a.logger.Error("reconnection failed", "error", err, "attempt", attempt)
		return
	}
	a.logger.Info("reconnected to discord", "attempt", attempt)
}

// registerCommands overwrites the /chorus command set, scoped to the dev
// guild when configured and global otherwise.
func (a *Adapter) registerCommands(appID string) error {
	session := a.sessionRef()
	if session == nil {
		return nil
	}
	_, err := session.ApplicationCommandBulkOverwrite(appID, a.config.DevGuildID, slashCommands())
	return err
}

// reconcileChannels repairs drift between the agent registry and the dev
// guild: category channels with no agent behind them are deleted, and
// agents whose channel vanished get a fresh one.
func (a *Adapter) reconcileChannels(ctx context.Context) {
	guildID := a.config.DevGuildID
	if guildID == "" {
		return
	}
	session := a.sessionRef()
	if session == nil {
		return
	}

	guildChannels, err := session.GuildChannels(guildID)
	if err != nil {
		a.logger.Warn("channel reconciliation failed", "error", err)
		return
	}
	agents, err := a.agents.List(ctx, guildID)
	if err != nil {
		a.logger.Warn("channel reconciliation failed", "error", err)
		return
	}

	categoryID := ""
	for _, ch := range guildChannels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == agentCategory {
			categoryID = ch.ID
			break
		}
	}

	byChannel := make(map[string]*models.Agent, len(agents))
	for _, ag := range agents {
		byChannel[ag.ChannelID] = ag
	}
	live := make(map[string]bool, len(guildChannels))
	for _, ch := range guildChannels {
		live[ch.ID] = true
		if categoryID == "" || ch.ParentID != categoryID || ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		if _, ok := byChannel[ch.ID]; ok {
			continue
		}
		if _, err := session.ChannelDelete(ch.ID); err != nil {
			a.logger.Warn("ghost channel delete failed", "channel", ch.ID, "error", err)
			continue
		}
		a.logger.Info("deleted ghost channel", "channel", ch.ID, "name", ch.Name)
	}

	for _, ag := range agents {
		if ag.ChannelID != "" && live[ag.ChannelID] {
			a.mu.Lock()
			a.channelAgents[ag.ChannelID] = ag.Name
			a.mu.Unlock()
			continue
		}
		ch, err := a.createAgentChannel(guildID, ag.Name)
		if err != nil {
			a.logger.Warn("channel recreate failed", "agent", ag.Name, "error", err)
			continue
		}
		if err := a.dir.UpdateChannelID(ag.Name, ch.ID); err != nil {
			a.logger.Warn("identity channel update failed", "agent", ag.Name, "error", err)
		}
		if err := a.store.UpdateAgentChannel(ctx, ag.Name, ch.ID); err != nil {
			a.logger.Warn("agent row channel update failed", "agent", ag.Name, "error", err)
		}
		a.mu.Lock()
		a.channelAgents[ch.ID] = ag.Name
		a.mu.Unlock()
		a.logger.Info("recreated agent channel", "agent", ag.Name, "channel", ch.ID)
	}
}

// createAgentChannel creates a text channel for an agent under the
// Chorus category, creating the category on first use.
func (a *Adapter) createAgentChannel(guildID, name string) (*discordgo.Channel, error) {
	session := a.sessionRef()
	if session == nil {
		return nil, errors.New("adapter not started")
	}
	existing, err := session.GuildChannels(guildID)
	if err != nil {
		return nil, err
	}
	categoryID := ""
	for _, ch := range existing {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == agentCategory {
			categoryID = ch.ID
			break
		}
	}
	if categoryID == "" {
		cat, err := session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
			Name: agentCategory,
			Type: discordgo.ChannelTypeGuildCategory,
		})
		if err != nil {
			return nil, err
		}
		categoryID = cat.ID
	}
	return session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: categoryID,
	})
}

// cleanupLoop prunes completed branches past their retention window.
func (a *Adapter) cleanupLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.RLock()
			sups := make([]*agent.Supervisor, 0, len(a.supervisors))
			for _, sup := range a.supervisors {
				sups = append(sups, sup)
			}
			a.mu.RUnlock()
			for _, sup := range sups {
				sup.CleanupCompleted()
			}
		}
	}
}

// calculateBackoff doubles from 1s per attempt, capped at maxWait.
func calculateBackoff(attempt int, maxWait time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > maxWait {
		backoff = maxWait
	}
	return backoff
}

// isRateLimitError detects Discord API throttling by message shape.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "Too Many Requests")
}
