package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/tools"
)

// askTimeout bounds how long a permission prompt stays open. Expiry
// counts as a denial.
const askTimeout = 120 * time.Second

// pendingAsk is one open permission prompt.
type pendingAsk struct {
	requesterID string
	channelID   string
	messageID   string
	tool        string
	args        string
	action      string

	// decision carries the user's choice; buffered so the resolver never
	// blocks on a prompt that already timed out.
	decision chan bool
}

// approvals tracks open permission prompts by id.
type approvals struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingAsk
}

func newApprovals() *approvals {
	return &approvals{pending: make(map[int64]*pendingAsk)}
}

func (r *approvals) add(p *pendingAsk) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.pending[r.nextID] = p
	return r.nextID
}

func (r *approvals) get(id int64) (*pendingAsk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	return p, ok
}

// resolve removes the prompt and signals the decision. Reports false when
// the prompt already closed.
func (r *approvals) resolve(id int64, allow bool) (*pendingAsk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	p.decision <- allow
	return p, true
}

// take removes the prompt without signalling, for timeout and cancel.
func (r *approvals) take(id int64) (*pendingAsk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	return p, true
}

// promptPermission posts an approve/deny prompt and blocks for the
// decision. Timeout and context cancellation count as denial; only the
// requester may respond.
func (a *Adapter) promptPermission(ctx context.Context, channelID, requesterID, toolName, argsJSON string) (bool, error) {
	var args map[string]any
	json.Unmarshal([]byte(argsJSON), &args)
	action := tools.BuildAction(toolName, args)

	p := &pendingAsk{
		requesterID: requesterID,
		channelID:   channelID,
		tool:        toolName,
		args:        argsJSON,
		action:      action,
		decision:    make(chan bool, 1),
	}
	id := a.asks.add(p)

	session := a.sessionRef()
	if session == nil {
		a.asks.take(id)
		return false, errors.New("adapter not started")
	}
	if err := a.api.Wait(ctx); err != nil {
		a.asks.take(id)
		return false, err
	}
	msg, err := session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{askEmbed(action, toolName, argsJSON)},
		Components: askComponents(id, false),
	})
	if err != nil {
		a.asks.take(id)
		return false, fmt.Errorf("send permission prompt: %w", err)
	}
	p.messageID = msg.ID

	timer := time.NewTimer(askTimeout)
	defer timer.Stop()
	select {
	case allowed := <-p.decision:
		// The button handler already updated the prompt message.
		return allowed, nil
	case <-timer.C:
		if _, ok := a.asks.take(id); !ok {
			// Resolved in the race window; honor the real decision.
			select {
			case allowed := <-p.decision:
				return allowed, nil
			default:
				return false, nil
			}
		}
		a.disableAsk(p, id, "Timed out")
		return false, nil
	case <-ctx.Done():
		if _, ok := a.asks.take(id); ok {
			a.disableAsk(p, id, "Cancelled")
		}
		return false, ctx.Err()
	}
}

func askEmbed(action, toolName, argsJSON string) *discordgo.MessageEmbed {
	argsDisplay := argsJSON
	if argsDisplay == "" {
		argsDisplay = "{}"
	}
	return &discordgo.MessageEmbed{
		Title:       "Permission Required",
		Description: "`" + action + "`",
		Color:       colorBlue,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tool", Value: toolName, Inline: true},
			{Name: "Arguments", Value: "```\n" + truncateRunes(argsDisplay, 1000) + "\n```"},
		},
	}
}

func askComponents(id int64, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Allow",
				Style:    discordgo.SuccessButton,
				CustomID: fmt.Sprintf("chorus-ask:allow:%d", id),
				Disabled: disabled,
			},
			discordgo.Button{
				Label:    "Deny",
				Style:    discordgo.DangerButton,
				CustomID: fmt.Sprintf("chorus-ask:deny:%d", id),
				Disabled: disabled,
			},
		}},
	}
}

// disableAsk closes out a prompt nobody answered.
func (a *Adapter) disableAsk(p *pendingAsk, id int64, outcome string) {
	session := a.sessionRef()
	if session == nil || p.messageID == "" {
		return
	}
	embed := askEmbed(p.action, p.tool, p.args)
	embed.Color = colorGreyple
	embed.Footer = &discordgo.MessageEmbedFooter{Text: outcome}
	components := askComponents(id, true)
	edit := discordgo.NewMessageEdit(p.channelID, p.messageID).SetEmbed(embed)
	edit.Components = &components
	if _, err := session.ChannelMessageEditComplex(edit); err != nil {
		a.logger.Warn("permission prompt close failed", "message", p.messageID, "error", err)
	}
}

// handleComponent dispatches button presses by custom id prefix.
func (a *Adapter) handleComponent(ctx context.Context, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	switch {
	case strings.HasPrefix(customID, "chorus-ask:"):
		a.handleAskButton(i, customID)
	case strings.HasPrefix(customID, "chorus-kill:"):
		a.handleKillButton(i, customID)
	case strings.HasPrefix(customID, "chorus-destroy:"):
		a.handleDestroyButton(ctx, i, customID)
	case customID == "chorus-cancel":
		a.respondInteraction(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    "Cancelled.",
				Components: []discordgo.MessageComponent{},
			},
		})
	}
}

func (a *Adapter) handleAskButton(i *discordgo.InteractionCreate, customID string) {
	parts := strings.Split(customID, ":")
	if len(parts) != 3 {
		return
	}
	allow := parts[1] == "allow"
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return
	}

	user := interactionUser(i)
	if user == nil {
		return
	}
	p, ok := a.asks.get(id)
	if !ok {
		a.respondEphemeral(i, "That permission request is no longer pending.")
		return
	}
	if user.ID != p.requesterID {
		a.respondEphemeral(i, "Only the requester can respond to this prompt.")
		return
	}
	p, ok = a.asks.resolve(id, allow)
	if !ok {
		a.respondEphemeral(i, "That permission request is no longer pending.")
		return
	}

	outcome := "Denied"
	if allow {
		outcome = "Allowed"
	}
	embed := askEmbed(p.action, p.tool, p.args)
	if i.Message != nil && len(i.Message.Embeds) > 0 {
		copied := *i.Message.Embeds[0]
		embed = &copied
	}
	embed.Footer = &discordgo.MessageEmbedFooter{Text: outcome}
	if !allow {
		embed.Color = colorRed
	}
	a.respondInteraction(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: askComponents(id, true),
		},
	})
}

func (a *Adapter) handleKillButton(i *discordgo.InteractionCreate, customID string) {
	parts := strings.Split(customID, ":")
	if len(parts) != 3 {
		return
	}
	agentName := parts[1]
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return
	}

	sup, ok := a.supervisorPeek(agentName)
	if !ok {
		a.respondEphemeral(i, fmt.Sprintf("Branch #%d is not active.", id))
		return
	}
	if _, ok := sup.Get(id); !ok {
		a.respondEphemeral(i, fmt.Sprintf("Branch #%d is not active.", id))
		return
	}
	a.respondEphemeral(i, fmt.Sprintf("Stopping branch #%d.", id))
	// Kill blocks until the runner exits; keep the handler responsive.
	go sup.Kill(id)
}

func (a *Adapter) handleDestroyButton(ctx context.Context, i *discordgo.InteractionCreate, customID string) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 {
		return
	}
	name := parts[1]
	keep := parts[2] == "true"

	if i.Member == nil || i.Member.Permissions&discordgo.PermissionManageGuild == 0 {
		a.respondEphemeral(i, "This command requires the Manage Server permission.")
		return
	}

	content, err := a.destroyAgent(ctx, name, keep)
	if err != nil {
		content = err.Error()
	}
	a.respondInteraction(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	})
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
