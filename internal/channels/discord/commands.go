package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/permissions"
)

// slashCommands declares the /chorus command tree.
func slashCommands() []*discordgo.ApplicationCommand {
	permChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, 4)
	for _, name := range permissions.PresetNames() {
		permChoices = append(permChoices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}

	return []*discordgo.ApplicationCommand{{
		Name:        "chorus",
		Description: "Manage Chorus agents",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "create",
				Description: "Create an agent with its own channel",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "name", Description: "Agent name", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "description", Description: "What the agent is for"},
					{Type: discordgo.ApplicationCommandOptionString, Name: "model", Description: "Model override"},
					{Type: discordgo.ApplicationCommandOptionString, Name: "permissions", Description: "Permission preset", Choices: permChoices},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "web_search", Description: "Enable web search"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "destroy",
				Description: "Destroy an agent and its channel",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "name", Description: "Agent name", Required: true},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "keep_files", Description: "Keep the workspace on disk"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List agents in this server",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "configure",
				Description: "Change an agent setting",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "name", Description: "Agent name", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "key", Description: "Setting to change", Required: true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "model", Value: "model"},
							{Name: "permissions", Value: "permissions"},
							{Name: "system_prompt", Value: "system_prompt"},
							{Name: "web_search", Value: "web_search"},
						}},
					{Type: discordgo.ApplicationCommandOptionString, Name: "value", Description: "New value", Required: true},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show active branches",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "agent", Description: "Agent name (defaults to this channel's agent)"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "sessions",
				Description: "List saved context sessions",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "agent", Description: "Agent name (defaults to this channel's agent)"},
					{Type: discordgo.ApplicationCommandOptionInteger, Name: "limit", Description: "Max sessions to show"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "approve",
				Description: "Resolve a pending permission request",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionInteger, Name: "id", Description: "Request id", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "decision", Description: "allow or deny", Required: true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "allow", Value: "allow"},
							{Name: "deny", Value: "deny"},
						}},
				},
			},
		},
	}}
}

func subOptions(i *discordgo.InteractionCreate) (string, []*discordgo.ApplicationCommandInteractionDataOption) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return "", nil
	}
	sub := data.Options[0]
	return sub.Name, sub.Options
}

func stringOpt(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name {
			return o.StringValue()
		}
	}
	return ""
}

func boolOpt(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) (bool, bool) {
	for _, o := range opts {
		if o.Name == name {
			return o.BoolValue(), true
		}
	}
	return false, false
}

func intOpt(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) (int64, bool) {
	for _, o := range opts {
		if o.Name == name {
			return o.IntValue(), true
		}
	}
	return 0, false
}

func (a *Adapter) handleCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.ApplicationCommandData().Name != "chorus" {
		return
	}
	sub, opts := subOptions(i)
	switch sub {
	case "create":
		a.cmdCreate(ctx, i, opts)
	case "destroy":
		a.cmdDestroy(ctx, i, opts)
	case "list":
		a.cmdList(ctx, i)
	case "configure":
		a.cmdConfigure(ctx, i, opts)
	case "status":
		a.cmdStatus(ctx, i, opts)
	case "sessions":
		a.cmdSessions(ctx, i, opts)
	case "approve":
		a.cmdApprove(i, opts)
	}
}

// requireAdmin gates mutating subcommands on Manage Server.
func (a *Adapter) requireAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member != nil && i.Member.Permissions&discordgo.PermissionManageGuild != 0 {
		return true
	}
	a.respondEphemeral(i, "This command requires the Manage Server permission.")
	return false
}

func (a *Adapter) cmdCreate(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	if !a.requireAdmin(i) {
		return
	}
	name := stringOpt(opts, "name")
	a.respondDeferred(i)

	ch, err := a.createAgentChannel(i.GuildID, name)
	if err != nil {
		a.editResponse(i, "Could not create a channel: "+err.Error())
		return
	}

	overrides := agent.CreateOverrides{
		SystemPrompt: stringOpt(opts, "description"),
		Model:        stringOpt(opts, "model"),
		Permissions:  stringOpt(opts, "permissions"),
	}
	if ws, ok := boolOpt(opts, "web_search"); ok {
		overrides.WebSearch = &ws
	}

	ag, err := a.agents.Create(ctx, name, i.GuildID, ch.ID, overrides)
	if err != nil {
		if session := a.sessionRef(); session != nil {
			session.ChannelDelete(ch.ID)
		}
		a.editResponse(i, err.Error())
		return
	}

	a.mu.Lock()
	a.channelAgents[ch.ID] = ag.Name
	a.mu.Unlock()

	a.editResponse(i, fmt.Sprintf("Agent **%s** created in <#%s>", ag.Name, ch.ID))

	modelDisplay := ag.Model
	if modelDisplay == "" {
		modelDisplay = "server default"
	}
	welcome := fmt.Sprintf("**%s** is ready.\n\n**Model:** `%s`\n**Permissions:** `%s`\n\n"+
		"Just type a message to start talking. This channel is the agent's workspace; it can read and write files, run commands, and manage its own config.\n\n"+
		"**Useful commands:**\n"+
		"- `/chorus configure` — change model, prompt, or permissions\n"+
		"- `/chorus status` — running branches\n"+
		"- `/chorus sessions` — saved context sessions\n",
		ag.Name, modelDisplay, ag.Permissions)
	if _, err := a.SendText(ctx, ch.ID, welcome); err != nil {
		a.logger.Warn("welcome message send failed", "agent", ag.Name, "error", err)
	}
}

func (a *Adapter) cmdDestroy(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	if !a.requireAdmin(i) {
		return
	}
	name := stringOpt(opts, "name")
	keep, _ := boolOpt(opts, "keep_files")

	if _, err := a.agents.Get(name); err != nil {
		a.respondEphemeral(i, err.Error())
		return
	}

	a.respondInteraction(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: fmt.Sprintf("Destroy agent **%s**? This cannot be undone.", name),
			Flags:   discordgo.MessageFlagsEphemeral,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Confirm",
						Style:    discordgo.DangerButton,
						CustomID: fmt.Sprintf("chorus-destroy:%s:%t", name, keep),
					},
					discordgo.Button{
						Label:    "Cancel",
						Style:    discordgo.SecondaryButton,
						CustomID: "chorus-cancel",
					},
				}},
			},
		},
	})
}

// destroyAgent tears an agent down: kill branches, remove the registry
// entry, drop caches, delete the channel.
func (a *Adapter) destroyAgent(ctx context.Context, name string, keepFiles bool) (string, error) {
	ag, err := a.agents.Get(name)
	if err != nil {
		return "", err
	}
	if sup, ok := a.supervisorPeek(name); ok {
		sup.KillAll()
	}
	if err := a.agents.Destroy(ctx, name, keepFiles); err != nil {
		return "", err
	}

	a.mu.Lock()
	delete(a.channelAgents, ag.ChannelID)
	delete(a.supervisors, name)
	delete(a.contexts, name)
	a.mu.Unlock()

	if ag.ChannelID != "" {
		if session := a.sessionRef(); session != nil {
			if _, err := session.ChannelDelete(ag.ChannelID); err != nil {
				a.logger.Warn("channel delete failed", "agent", name, "channel", ag.ChannelID, "error", err)
			}
		}
	}
	return fmt.Sprintf("Agent **%s** destroyed.", name), nil
}

func (a *Adapter) cmdList(ctx context.Context, i *discordgo.InteractionCreate) {
	agents, err := a.agents.List(ctx, i.GuildID)
	if err != nil {
		a.respondEphemeral(i, err.Error())
		return
	}

	embed := &discordgo.MessageEmbed{Title: "Agents", Color: colorBlue}
	if len(agents) == 0 {
		embed.Description = "No agents created yet."
	} else {
		embed.Description = fmt.Sprintf("%d agent(s)", len(agents))
		for _, ag := range agents {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  ag.Name,
				Value: fmt.Sprintf("<#%s> | %s", ag.ChannelID, ag.Permissions),
			})
		}
	}
	a.respondEmbed(i, embed)
}

func (a *Adapter) cmdConfigure(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	if !a.requireAdmin(i) {
		return
	}
	name := stringOpt(opts, "name")
	key := stringOpt(opts, "key")
	value := stringOpt(opts, "value")
	if err := a.agents.Configure(ctx, name, key, value); err != nil {
		a.respondEphemeral(i, err.Error())
		return
	}
	a.respondEphemeral(i, fmt.Sprintf("Updated **%s**.%s", name, key))
}

// resolveAgentArg picks the named agent, falling back to the channel's.
func (a *Adapter) resolveAgentArg(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) (string, bool) {
	if name := stringOpt(opts, "agent"); name != "" {
		return name, true
	}
	ag, err := a.agentForChannel(ctx, i.ChannelID)
	if err != nil {
		a.respondEphemeral(i, "No agent bound to this channel; pass agent:.")
		return "", false
	}
	return ag.Name, true
}

func (a *Adapter) cmdStatus(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	name, ok := a.resolveAgentArg(ctx, i, opts)
	if !ok {
		return
	}
	sup, ok := a.supervisorPeek(name)
	if !ok {
		a.respond(i, "No active branches.", false)
		return
	}
	a.respond(i, sup.StatusReport(), false)
}

func (a *Adapter) cmdSessions(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	name, ok := a.resolveAgentArg(ctx, i, opts)
	if !ok {
		return
	}
	limit := int64(10)
	if n, ok := intOpt(opts, "limit"); ok && n > 0 {
		limit = n
	}

	sessions, err := a.contextFor(name).ListSessions(ctx, int(limit))
	if err != nil {
		a.respondEphemeral(i, err.Error())
		return
	}

	embed := &discordgo.MessageEmbed{Title: "Sessions", Color: colorBlue}
	if len(sessions) == 0 {
		embed.Description = "No saved sessions."
	} else {
		embed.Description = fmt.Sprintf("%d session(s)", len(sessions))
		for _, s := range sessions {
			desc := s.Description
			if desc == "" {
				desc = "(none)"
			}
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("`%.8s...`", s.ID),
				Value: fmt.Sprintf("%s\n%d messages · %s", desc, s.MessageCount, s.SavedAt.Format("2006-01-02 15:04")),
			})
		}
	}
	a.respondEmbed(i, embed)
}

// cmdApprove resolves a pending permission prompt without the buttons,
// for clients where components are awkward.
func (a *Adapter) cmdApprove(i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) {
	id, _ := intOpt(opts, "id")
	allow := stringOpt(opts, "decision") == "allow"

	user := interactionUser(i)
	if user == nil {
		return
	}
	p, ok := a.asks.get(id)
	if !ok {
		a.respondEphemeral(i, fmt.Sprintf("No pending permission request #%d.", id))
		return
	}
	if user.ID != p.requesterID {
		a.respondEphemeral(i, "Only the requester can respond to this prompt.")
		return
	}
	if _, ok := a.asks.resolve(id, allow); !ok {
		a.respondEphemeral(i, fmt.Sprintf("No pending permission request #%d.", id))
		return
	}
	outcome := "denied"
	if allow {
		outcome = "allowed"
	}
	a.respondEphemeral(i, fmt.Sprintf("Request #%d %s.", id, outcome))
}

func (a *Adapter) respondInteraction(i *discordgo.InteractionCreate, resp *discordgo.InteractionResponse) {
	session := a.sessionRef()
	if session == nil {
		return
	}
	if err := session.InteractionRespond(i.Interaction, resp); err != nil {
		a.logger.Warn("interaction respond failed", "error", err)
	}
}

func (a *Adapter) respond(i *discordgo.InteractionCreate, content string, ephemeral bool) {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	a.respondInteraction(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
}

func (a *Adapter) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	a.respond(i, content, true)
}

func (a *Adapter) respondEmbed(i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	a.respondInteraction(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
	})
}

func (a *Adapter) respondDeferred(i *discordgo.InteractionCreate) {
	a.respondInteraction(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

func (a *Adapter) editResponse(i *discordgo.InteractionCreate, content string) {
	session := a.sessionRef()
	if session == nil {
		return
	}
	if _, err := session.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		a.logger.Warn("interaction edit failed", "error", err)
	}
}

