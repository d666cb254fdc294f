package discord

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/pkg/models"
)

// branchSummaryLimit caps the auto-generated branch summary length.
const branchSummaryLimit = 50

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.RLock()
	started := a.started
	ctx := a.ctx
	botID := a.botUserID
	a.mu.RUnlock()
	if !started {
		return
	}
	if m.Author.ID == botID {
		return
	}

	a.routeInbound(ctx, m)
}

func (a *Adapter) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	a.mu.RLock()
	started := a.started
	ctx := a.ctx
	a.mu.RUnlock()
	if !started {
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		a.handleCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		a.handleComponent(ctx, i)
	}
}

// routeInbound maps one channel message onto the branch system: replies
// go to the referenced branch, interjections on a busy main branch are
// classified by the router, and everything else starts a fresh branch.
func (a *Adapter) routeInbound(ctx context.Context, m *discordgo.MessageCreate) {
	ag, err := a.agentForChannel(ctx, m.ChannelID)
	if err != nil {
		if !errors.Is(err, models.ErrAgentNotFound) {
			a.logger.Warn("agent lookup failed", "channel", m.ChannelID, "error", err)
		}
		return
	}

	sup := a.SupervisorFor(ag.Name)
	cm := a.contextFor(ag.Name)
	admin := a.isAdmin(m.Author.ID, m.ChannelID)

	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		if b, ok := sup.Route(ref.MessageID); ok {
			switch st := b.Status(); {
			case st == models.BranchRunning || st == models.BranchWaitingPermission:
				a.persistUser(ctx, cm, b.ID, m)
				b.Inject(models.Message{Role: models.RoleUser, Content: m.Content})
			case st.Terminal():
				// Branches run once; a reply to a finished branch opens a
				// follow-up that inherits the main flag.
				nb := sup.Create(m.Content, sup.Main() == b)
				nb.SetSummary(branchSummary(m.Content))
				sup.RegisterExternal(m.ID, nb.ID)
				a.persistUser(ctx, cm, nb.ID, m)
				a.startRun(runParams{
					ag:          ag,
					b:           nb,
					sup:         sup,
					cm:          cm,
					channelID:   m.ChannelID,
					requesterID: m.Author.ID,
					isAdmin:     admin,
					replyToID:   m.ID,
				})
			default:
				a.persistUser(ctx, cm, b.ID, m)
				a.startRun(runParams{
					ag:          ag,
					b:           b,
					sup:         sup,
					cm:          cm,
					channelID:   m.ChannelID,
					requesterID: m.Author.ID,
					isAdmin:     admin,
					replyToID:   m.ID,
				})
			}
			return
		}
		// Reply to a message no branch owns; fall through to routing.
	}

	if main := sup.Main(); main != nil && main.Status() == models.BranchRunning && a.router != nil {
		decision := a.router.Route(ctx, m.Content, main.Summary(), main.MetricsSnapshot().CurrentStep)
		if decision == llm.RouteInject {
			a.persistUser(ctx, cm, main.ID, m)
			main.Inject(models.Message{Role: models.RoleUser, Content: m.Content})
			return
		}
	}

	b := sup.Create(m.Content, true)
	b.SetSummary(branchSummary(m.Content))
	sup.RegisterExternal(m.ID, b.ID)
	a.persistUser(ctx, cm, b.ID, m)
	a.startRun(runParams{
		ag:          ag,
		b:           b,
		sup:         sup,
		cm:          cm,
		channelID:   m.ChannelID,
		requesterID: m.Author.ID,
		isAdmin:     admin,
		replyToID:   m.ID,
	})
}

func (a *Adapter) persistUser(ctx context.Context, cm *agent.ContextManager, branchID int64, m *discordgo.MessageCreate) {
	err := cm.PersistMessage(ctx, &models.Message{
		Role:       models.RoleUser,
		Content:    m.Content,
		BranchID:   branchID,
		ExternalID: m.ID,
	})
	if err != nil {
		a.logger.Warn("user message persist failed", "branch", branchID, "error", err)
	}
}

// branchSummary derives a short label from the opening message.
func branchSummary(content string) string {
	runes := []rune(content)
	if len(runes) <= branchSummaryLimit {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(string(runes[:branchSummaryLimit])) + "..."
}
