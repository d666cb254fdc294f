package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/internal/observability"
	"github.com/haasonsaas/chorus/internal/permissions"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

// runParams carries everything a branch run needs from the routing site.
type runParams struct {
	ag          *models.Agent
	b           *agent.Branch
	sup         *agent.Supervisor
	cm          *agent.ContextManager
	channelID   string
	requesterID string
	isAdmin     bool

	// replyToID is the triggering message; responses reference it.
	replyToID string

	// modelOverride wins over the agent's configured model.
	modelOverride string

	// hookDepth is non-zero for branches spawned by process hooks;
	// processes they spawn inherit it so hook chains stay bounded.
	hookDepth int
}

// startRun hands the branch to its supervisor with a runner closure.
func (a *Adapter) startRun(p runParams) {
	if err := p.sup.Start(p.b, a.makeRunner(p)); err != nil {
		a.logger.Warn("branch start failed", "agent", p.ag.Name, "branch", p.b.ID, "error", err)
	}
}

func (a *Adapter) makeRunner(p runParams) agent.Runner {
	return func(ctx context.Context, b *agent.Branch) error {
		a.config.Metrics.BranchStarted(p.ag.Name)
		err := a.runBranch(ctx, p, b)
		switch {
		case errors.Is(err, context.Canceled):
			a.config.Metrics.BranchCompleted(p.ag.Name, "cancelled")
		case err != nil:
			a.config.Metrics.BranchCompleted(p.ag.Name, "error")
		default:
			a.config.Metrics.BranchCompleted(p.ag.Name, "completed")
		}
		return err
	}
}

// runBranch drives one branch end to end: resolve the provider, post the
// live status embed, assemble context, run the tool loop, persist and
// deliver the result.
func (a *Adapter) runBranch(ctx context.Context, p runParams, b *agent.Branch) error {
	profile, err := permissions.Preset(p.ag.Permissions)
	if err != nil {
		a.SendText(ctx, p.channelID, fmt.Sprintf("Unknown permission profile %q.", p.ag.Permissions))
		return fmt.Errorf("resolve permissions: %w", err)
	}

	model := p.modelOverride
	if model == "" {
		model = p.ag.Model
	}
	if model == "" {
		model = a.config.Defaults.DefaultModel
	}

	providerName := llm.ProviderForModel(model)
	key := a.config.AnthropicKey
	missing := "No Anthropic API key configured."
	if providerName == llm.ProviderOpenAI {
		key = a.config.OpenAIKey
		missing = "No OpenAI API key configured."
	}
	if key == "" {
		a.SendText(ctx, p.channelID, missing)
		return nil
	}
	provider, err := a.newProvider(providerName, key, model)
	if err != nil {
		a.SendText(ctx, p.channelID, "Provider setup failed: "+err.Error())
		return fmt.Errorf("create provider: %w", err)
	}
	provider = observability.InstrumentProvider(provider, a.config.Metrics)

	var ref *discordgo.MessageReference
	if p.replyToID != "" {
		ref = &discordgo.MessageReference{MessageID: p.replyToID, ChannelID: p.channelID}
	}

	view := a.newLiveStatus(p.ag.Name, b.ID, p.channelID)
	if err := view.start(ctx, ref); err != nil {
		a.logger.Warn("status embed create failed", "branch", b.ID, "error", err)
		view = nil
	} else {
		p.sup.RegisterExternal(view.id(), b.ID)
	}

	a.presence.branchStarted(p.ag.Name, b.ID)
	defer a.presence.branchCompleted(p.ag.Name, b.ID)
	stopTyping := a.keepTyping(p.channelID)
	defer stopTyping()

	messages, err := a.buildContext(ctx, p, b, model)
	if err != nil {
		view.finalize("error", err.Error(), "")
		return fmt.Errorf("build context: %w", err)
	}

	result, err := a.loop.Run(ctx, agent.LoopRequest{
		Provider:      provider,
		Messages:      messages,
		Exec:          a.execContext(p, b, profile),
		Model:         model,
		MaxIterations: a.config.Defaults.MaxToolLoopIterations,
		Ask:           a.askCallback(p, b, view),
		Drain:         b.DrainInjected,
		OnEvent:       a.statusBridge(ctx, p, b, view),
		WebSearch:     p.ag.WebSearch && provider.SupportsWebSearch(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			view.finalize("cancelled", "", "")
			return err
		}
		view.finalize("error", err.Error(), "")
		return fmt.Errorf("run branch #%d: %w", b.ID, err)
	}

	text := result.Text
	extID := ""
	if view != nil {
		extID = view.id()
	}
	// Persist survives run cancellation between loop return and send.
	persistErr := p.cm.PersistMessage(context.Background(), &models.Message{
		Role:       models.RoleAssistant,
		Content:    text,
		BranchID:   b.ID,
		ExternalID: extID,
	})
	if persistErr != nil {
		a.logger.Warn("assistant message persist failed", "branch", b.ID, "error", persistErr)
	}

	view.finalize("completed", "", text)
	if view == nil || len([]rune(text)) > embedDescriptionLimit {
		ids, sendErr := a.sender.Send(ctx, p.channelID, text, ref)
		if sendErr != nil {
			a.logger.Warn("response send failed", "branch", b.ID, "error", sendErr)
		}
		for _, id := range ids {
			p.sup.RegisterExternal(id, b.ID)
		}
	}
	return nil
}

// buildContext assembles the LLM context for a branch run.
func (a *Adapter) buildContext(ctx context.Context, p runParams, b *agent.Branch, model string) ([]models.Message, error) {
	var prevSummary string
	var prevID int64
	if b.ID > 1 {
		if prev, ok := p.sup.Get(b.ID - 1); ok {
			prevSummary = prev.Summary()
			prevID = prev.ID
		}
	}
	_, hasEdit := a.registry.Get("str_replace")
	return a.builder.Build(ctx, agent.BuildRequest{
		Agent:            p.ag,
		BranchID:         b.ID,
		Model:            model,
		AvailableModels:  llm.CachedModels(a.config.Home),
		DocsDir:          a.dir.DocsDir(p.ag.Name),
		HasEditTool:      hasEdit,
		PreviousSummary:  prevSummary,
		PreviousBranchID: prevID,
		Status:           p.sup.StatusReportFor(b.ID),
	})
}

func (a *Adapter) execContext(p runParams, b *agent.Branch, profile *permissions.Profile) tools.ExecContext {
	exec := tools.ExecContext{
		Workspace:     a.dir.WorkspaceDir(p.ag.Name),
		Profile:       profile,
		AgentName:     p.ag.Name,
		ChorusHome:    a.config.Home,
		IsAdmin:       p.isAdmin,
		HostExecution: a.config.HostExecution,
		Store:         a.store,
		Branches:      p.sup,
		Messenger:     a,
		BranchID:      b.ID,
		UserID:        p.requesterID,
		HookDepth:     p.hookDepth,
	}
	if a.processes != nil {
		exec.Supervisor = a.processes
	}
	if a.config.Callbacks != nil {
		exec.BuildCallbacks = a.config.Callbacks
	}
	return exec
}

// statusBridge translates loop events into status embed updates and
// recorded branch steps.
func (a *Adapter) statusBridge(ctx context.Context, p runParams, b *agent.Branch, view *liveStatus) agent.EventFunc {
	return func(ev agent.Event) {
		switch ev.Type {
		case agent.EventLLMCallStart:
			a.config.Metrics.LoopIteration(p.ag.Name)
			view.update(func(s *statusSnapshot) {
				s.Status = "processing"
				s.CurrentStep = fmt.Sprintf("Thinking (call %d)", ev.Iteration)
				s.LLMIterations = ev.Iteration
			})
		case agent.EventLLMCallComplete:
			view.update(func(s *statusSnapshot) {
				s.Usage = ev.TotalUsage
				s.LLMIterations = ev.Iteration
			})
		case agent.EventToolCallStart:
			desc := tools.SummarizeToolCall(ev.ToolName, ev.ToolArguments)
			p.sup.BeginStep(ctx, b, desc)
			view.update(func(s *statusSnapshot) {
				s.CurrentStep = desc
				metrics := b.MetricsSnapshot()
				s.StepNumber = metrics.StepNumber()
				s.ToolCallsMade = ev.ToolCallsMade
			})
		case agent.EventToolCallComplete:
			view.update(func(s *statusSnapshot) {
				s.ToolCallsMade = ev.ToolCallsMade
				s.ToolsUsed = ev.ToolsUsed
			})
		case agent.EventLoopComplete:
			view.update(func(s *statusSnapshot) {
				s.Usage = ev.TotalUsage
				s.LLMIterations = ev.Iteration
				s.ToolCallsMade = ev.ToolCallsMade
				s.ToolsUsed = ev.ToolsUsed
			})
		}
	}
}

// keepTyping shows the typing indicator until the returned stop func is
// called. Discord drops the indicator after ~10s, so it refreshes on a
// shorter interval.
func (a *Adapter) keepTyping(channelID string) func() {
	session := a.sessionRef()
	if session == nil {
		return func() {}
	}
	session.ChannelTyping(channelID)

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				session.ChannelTyping(channelID)
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// askCallback surfaces Ask permission decisions as a Discord prompt and
// flips the branch to waiting while the prompt is open.
func (a *Adapter) askCallback(p runParams, b *agent.Branch, view *liveStatus) agent.AskFunc {
	return func(ctx context.Context, toolName, argsJSON string) (bool, error) {
		b.SetStatus(models.BranchWaitingPermission)
		view.update(func(s *statusSnapshot) {
			s.Status = "waiting"
			s.CurrentStep = "Waiting for permission: " + toolName
		})
		defer func() {
			b.SetStatus(models.BranchRunning)
			view.update(func(s *statusSnapshot) { s.Status = "processing" })
		}()
		return a.promptPermission(ctx, p.channelID, p.requesterID, toolName, argsJSON)
	}
}

// SpawnAgentBranch starts a branch on another agent carrying a message
// from the sender. Implements the agent messaging tool contract.
func (a *Adapter) SpawnAgentBranch(ctx context.Context, targetAgent, message, senderAgent string) error {
	ag, err := a.agents.Get(targetAgent)
	if err != nil {
		return err
	}
	if ag.ChannelID == "" {
		return fmt.Errorf("agent %s has no channel", targetAgent)
	}
	content := fmt.Sprintf("Message from agent %s: %s", senderAgent, message)

	sup := a.SupervisorFor(targetAgent)
	cm := a.contextFor(targetAgent)
	b := sup.Create(content, false)
	b.SetSummary(branchSummary(content))
	if err := cm.PersistMessage(ctx, &models.Message{
		Role:     models.RoleUser,
		Content:  content,
		BranchID: b.ID,
	}); err != nil {
		a.logger.Warn("agent message persist failed", "branch", b.ID, "error", err)
	}
	a.startRun(runParams{ag: ag, b: b, sup: sup, cm: cm, channelID: ag.ChannelID})
	return nil
}

// SpawnHookBranch starts a branch reacting to a process hook, running on
// the hook's model override. The recursion depth rides along so processes
// the branch spawns cannot chain past the dispatcher's limit. Implements
// the hook dispatcher's spawner contract.
func (a *Adapter) SpawnHookBranch(ctx context.Context, agentName, hookContext, model string, recursionDepth int) error {
	ag, err := a.agents.Get(agentName)
	if err != nil {
		return err
	}
	if ag.ChannelID == "" {
		return fmt.Errorf("agent %s has no channel", agentName)
	}

	sup := a.SupervisorFor(agentName)
	cm := a.contextFor(agentName)
	b := sup.Create(hookContext, false)
	b.SetSummary(branchSummary(hookContext))
	if err := cm.PersistMessage(ctx, &models.Message{
		Role:     models.RoleUser,
		Content:  hookContext,
		BranchID: b.ID,
	}); err != nil {
		a.logger.Warn("hook context persist failed", "branch", b.ID, "error", err)
	}
	a.startRun(runParams{
		ag: ag, b: b, sup: sup, cm: cm,
		channelID:     ag.ChannelID,
		modelOverride: model,
		hookDepth:     recursionDepth,
	})
	return nil
}
