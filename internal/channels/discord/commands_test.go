package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/pkg/models"
)

func commandInteraction(sub string, admin bool, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	var perms int64
	if admin {
		perms = discordgo.PermissionManageGuild
	}
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "guild-1",
		ChannelID: "chan-cmd",
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "chorus",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:    sub,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: opts,
			}},
		},
		Member: &discordgo.Member{User: &discordgo.User{ID: "admin-1"}, Permissions: perms},
	}}
}

func strOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionString, Value: value,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionBoolean, Value: value,
	}
}

// intOption carries the value as float64, matching Discord's JSON numbers.
func intOption(name string, value float64) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: value,
	}
}

func TestSlashCommands_Shape(t *testing.T) {
	cmds := slashCommands()
	if len(cmds) != 1 || cmds[0].Name != "chorus" {
		t.Fatalf("commands = %+v", cmds)
	}
	subs := cmds[0].Options
	if len(subs) != 7 {
		t.Fatalf("subcommands = %d, want 7", len(subs))
	}
	var create *discordgo.ApplicationCommandOption
	for _, sub := range subs {
		if sub.Type != discordgo.ApplicationCommandOptionSubCommand {
			t.Errorf("option %s is not a subcommand", sub.Name)
		}
		if sub.Name == "create" {
			create = sub
		}
	}
	if create == nil {
		t.Fatal("missing create subcommand")
	}
	if create.Options[0].Name != "name" || !create.Options[0].Required {
		t.Errorf("create first option = %+v, want required name", create.Options[0])
	}
	for _, opt := range create.Options {
		if opt.Name == "permissions" && len(opt.Choices) == 0 {
			t.Error("permissions option should list the presets")
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	a, mock := newTestAdapter(t)

	i := commandInteraction("list", false)
	if a.requireAdmin(i) {
		t.Error("plain member must not pass the admin gate")
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "This command requires the Manage Server permission." {
		t.Errorf("response = %+v", resp)
	}

	if !a.requireAdmin(commandInteraction("list", true)) {
		t.Error("Manage Server should pass the admin gate")
	}
}

func TestCmdCreate(t *testing.T) {
	a, mock := newTestAdapter(t)

	i := commandInteraction("create", true,
		strOption("name", "helper"),
		strOption("description", "Research helper"),
		boolOption("web_search", true),
	)
	a.handleCommand(context.Background(), i)

	ag, err := a.agents.Get("helper")
	if err != nil {
		t.Fatalf("agent not created: %v", err)
	}
	if !ag.WebSearch {
		t.Error("web_search override not applied")
	}
	if ag.ChannelID == "" {
		t.Fatal("agent has no channel")
	}

	mock.mu.Lock()
	created := append([]discordgo.GuildChannelCreateData(nil), mock.created...)
	mock.mu.Unlock()
	if len(created) != 2 {
		t.Fatalf("created %d channels, want category + text", len(created))
	}
	if created[0].Name != agentCategory || created[0].Type != discordgo.ChannelTypeGuildCategory {
		t.Errorf("first created = %+v, want the category", created[0])
	}
	if created[1].Name != "helper" || created[1].Type != discordgo.ChannelTypeGuildText {
		t.Errorf("second created = %+v, want the agent channel", created[1])
	}

	mock.mu.Lock()
	deferred := len(mock.responses) > 0 && mock.responses[0].Type == discordgo.InteractionResponseDeferredChannelMessageWithSource
	mock.mu.Unlock()
	if !deferred {
		t.Error("create should defer while it provisions")
	}
	mock.mu.Lock()
	edits := len(mock.webhookEdits)
	var editContent string
	if edits > 0 && mock.webhookEdits[0].Content != nil {
		editContent = *mock.webhookEdits[0].Content
	}
	mock.mu.Unlock()
	if edits != 1 || !strings.Contains(editContent, "Agent **helper** created in") {
		t.Errorf("edit = %q", editContent)
	}

	var welcome string
	for _, c := range mock.sentContents() {
		if strings.HasPrefix(c, "**helper** is ready.") {
			welcome = c
		}
	}
	if welcome == "" {
		t.Fatal("welcome message not sent")
	}
	if !strings.Contains(welcome, "`guarded`") {
		t.Errorf("welcome = %q, want the permission preset", welcome)
	}

	a.mu.RLock()
	cached := a.channelAgents[ag.ChannelID]
	a.mu.RUnlock()
	if cached != "helper" {
		t.Errorf("channel cache = %q", cached)
	}
}

func TestCmdCreate_RequiresAdmin(t *testing.T) {
	a, mock := newTestAdapter(t)

	a.handleCommand(context.Background(), commandInteraction("create", false, strOption("name", "helper")))

	if _, err := a.agents.Get("helper"); err == nil {
		t.Error("agent must not be created without Manage Server")
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "This command requires the Manage Server permission." {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdCreate_InvalidName(t *testing.T) {
	a, mock := newTestAdapter(t)

	a.handleCommand(context.Background(), commandInteraction("create", true, strOption("name", "Bad Name!")))

	// The channel was provisioned first, so failure must clean it up.
	mock.mu.Lock()
	deleted := len(mock.deleted)
	mock.mu.Unlock()
	if deleted != 1 {
		t.Errorf("deleted %d channels, want the orphan removed", deleted)
	}
}

func TestCmdList(t *testing.T) {
	a, mock := newTestAdapter(t)

	a.handleCommand(context.Background(), commandInteraction("list", false))
	resp := mock.lastResponse()
	if resp == nil || len(resp.Data.Embeds) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Data.Embeds[0].Description != "No agents created yet." {
		t.Errorf("description = %q", resp.Data.Embeds[0].Description)
	}

	for _, spec := range []struct{ name, channel string }{{"alpha", "chan-a"}, {"beta", "chan-b"}} {
		if _, err := a.agents.Create(context.Background(), spec.name, "guild-1", spec.channel, agent.CreateOverrides{}); err != nil {
			t.Fatalf("Create %s: %v", spec.name, err)
		}
	}

	a.handleCommand(context.Background(), commandInteraction("list", false))
	resp = mock.lastResponse()
	embed := resp.Data.Embeds[0]
	if embed.Description != "2 agent(s)" {
		t.Errorf("description = %q", embed.Description)
	}
	if len(embed.Fields) != 2 {
		t.Fatalf("fields = %+v", embed.Fields)
	}
	if embed.Fields[0].Value != "<#chan-a> | guarded" {
		t.Errorf("field value = %q", embed.Fields[0].Value)
	}
}

func TestCmdConfigure(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-1", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.handleCommand(context.Background(), commandInteraction("configure", true,
		strOption("name", "helper"), strOption("key", "model"), strOption("value", "gpt-4o")))

	ag, err := a.agents.Get("helper")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ag.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", ag.Model)
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "Updated **helper**.model" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdConfigure_BadKey(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-1", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.handleCommand(context.Background(), commandInteraction("configure", true,
		strOption("name", "helper"), strOption("key", "nickname"), strOption("value", "bob")))

	resp := mock.lastResponse()
	if resp == nil || !strings.Contains(resp.Data.Content, "cannot configure key") {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdDestroy_AsksForConfirmation(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-1", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.handleCommand(context.Background(), commandInteraction("destroy", true, strOption("name", "helper")))

	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "Destroy agent **helper**? This cannot be undone." {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Error("confirmation should be ephemeral")
	}
	row, ok := resp.Data.Components[0].(discordgo.ActionsRow)
	if !ok {
		t.Fatalf("components = %+v", resp.Data.Components)
	}
	confirm := row.Components[0].(discordgo.Button)
	if confirm.CustomID != "chorus-destroy:helper:false" {
		t.Errorf("confirm id = %q", confirm.CustomID)
	}
	if _, err := a.agents.Get("helper"); err != nil {
		t.Error("agent must survive until the button is pressed")
	}
}

func TestDestroyButton(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-5", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Warm every cache the destroy path must clear.
	a.SupervisorFor("helper")
	a.contextFor("helper")
	if _, err := a.agentForChannel(context.Background(), "chan-5"); err != nil {
		t.Fatalf("agentForChannel: %v", err)
	}

	i := componentInteraction("chorus-destroy:helper:false", "admin-1")
	i.Member.Permissions = discordgo.PermissionManageGuild
	a.handleComponent(context.Background(), i)

	if _, err := a.agents.Get("helper"); err == nil {
		t.Error("agent should be destroyed")
	}
	mock.mu.Lock()
	deleted := append([]string(nil), mock.deleted...)
	mock.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "chan-5" {
		t.Errorf("deleted = %v, want [chan-5]", deleted)
	}
	a.mu.RLock()
	sups, ctxs, chans := len(a.supervisors), len(a.contexts), len(a.channelAgents)
	a.mu.RUnlock()
	if sups != 0 || ctxs != 0 || chans != 0 {
		t.Errorf("caches = %d/%d/%d, want cleared", sups, ctxs, chans)
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "Agent **helper** destroyed." {
		t.Errorf("response = %+v", resp)
	}
}

func TestDestroyButton_RequiresAdmin(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-5", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.handleComponent(context.Background(), componentInteraction("chorus-destroy:helper:false", "user-1"))

	if _, err := a.agents.Get("helper"); err != nil {
		t.Error("agent must survive a non-admin press")
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "This command requires the Manage Server permission." {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdStatus(t *testing.T) {
	a, mock := newTestAdapter(t)

	a.handleCommand(context.Background(), commandInteraction("status", false, strOption("agent", "helper")))
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "No active branches." {
		t.Errorf("response = %+v", resp)
	}

	sup := a.SupervisorFor("helper")
	release := make(chan struct{})
	defer close(release)
	b := sup.Create("digging through logs", true)
	b.SetSummary("digging through logs")
	err := sup.Start(b, func(ctx context.Context, _ *agent.Branch) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, "branch running", func() bool { return b.Status() == models.BranchRunning })

	a.handleCommand(context.Background(), commandInteraction("status", false, strOption("agent", "helper")))
	resp = mock.lastResponse()
	if resp == nil || !strings.Contains(resp.Data.Content, "Active branches:") {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.Contains(resp.Data.Content, "digging through logs") {
		t.Errorf("report = %q", resp.Data.Content)
	}
}

func TestResolveAgentArg_ChannelFallback(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-cmd", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// No agent option: the invoking channel's binding wins.
	a.handleCommand(context.Background(), commandInteraction("status", false))
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "No active branches." {
		t.Errorf("response = %+v", resp)
	}

	// Unbound channel and no option: the caller is told to name one.
	i := commandInteraction("status", false)
	i.ChannelID = "chan-unbound"
	a.handleCommand(context.Background(), i)
	resp = mock.lastResponse()
	if resp == nil || resp.Data.Content != "No agent bound to this channel; pass agent:." {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdSessions_Empty(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-1", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.handleCommand(context.Background(), commandInteraction("sessions", false, strOption("agent", "helper")))

	resp := mock.lastResponse()
	if resp == nil || len(resp.Data.Embeds) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	embed := resp.Data.Embeds[0]
	if embed.Title != "Sessions" || embed.Description != "No saved sessions." {
		t.Errorf("embed = %+v", embed)
	}
}

func TestCmdApprove(t *testing.T) {
	a, mock := newTestAdapter(t)
	p := &pendingAsk{requesterID: "admin-1", decision: make(chan bool, 1)}
	id := a.asks.add(p)

	a.handleCommand(context.Background(), commandInteraction("approve", false,
		intOption("id", float64(id)), strOption("decision", "allow")))

	select {
	case allowed := <-p.decision:
		if !allowed {
			t.Error("decision = false, want true")
		}
	default:
		t.Fatal("approve did not resolve the prompt")
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "Request #1 allowed." {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdApprove_WrongUser(t *testing.T) {
	a, mock := newTestAdapter(t)
	p := &pendingAsk{requesterID: "someone-else", decision: make(chan bool, 1)}
	id := a.asks.add(p)

	a.handleCommand(context.Background(), commandInteraction("approve", false,
		intOption("id", float64(id)), strOption("decision", "deny")))

	if _, ok := a.asks.get(id); !ok {
		t.Error("prompt should stay pending")
	}
	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "Only the requester can respond to this prompt." {
		t.Errorf("response = %+v", resp)
	}
}

func TestCmdApprove_Missing(t *testing.T) {
	a, mock := newTestAdapter(t)

	a.handleCommand(context.Background(), commandInteraction("approve", false,
		intOption("id", 9), strOption("decision", "allow")))

	resp := mock.lastResponse()
	if resp == nil || resp.Data.Content != "No pending permission request #9." {
		t.Errorf("response = %+v", resp)
	}
}
