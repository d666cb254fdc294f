package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/channels"
	"github.com/haasonsaas/chorus/pkg/models"
)

const (
	// embedDescriptionLimit is Discord's embed description cap.
	embedDescriptionLimit = 4000

	// editMinInterval spaces message edits across every live embed the
	// adapter maintains. Discord throttles edits globally per bot.
	editMinInterval = 1100 * time.Millisecond

	// presenceDebounce batches presence updates.
	presenceDebounce = 5 * time.Second

	colorBlue    = 0x3498DB
	colorRed     = 0xE74C3C
	colorGreyple = 0x99AAB5
)

// statusSnapshot is the render state of one branch's status embed.
type statusSnapshot struct {
	AgentName   string
	BranchID    int64
	Status      string
	StepNumber  int
	CurrentStep string

	Usage         models.Usage
	LLMIterations int
	ToolCallsMade int
	ToolsUsed     []string

	Elapsed time.Duration

	ErrorMessage    string
	ResponseContent string
}

func statusColor(status string) int {
	switch status {
	case "processing", "waiting", "completed":
		return colorBlue
	case "error", "cancelled":
		return colorRed
	default:
		return colorGreyple
	}
}

// renderStatus builds the embed for a snapshot. Terminal snapshots with a
// response show the response itself; everything else shows progress.
func renderStatus(s statusSnapshot) *discordgo.MessageEmbed {
	terminal := s.Status == "completed" || s.Status == "error" || s.Status == "cancelled"

	if terminal && s.ResponseContent != "" {
		desc := s.ResponseContent
		if len([]rune(desc)) > embedDescriptionLimit {
			desc = truncateRunes(desc, embedDescriptionLimit) + "…"
		}
		if s.ErrorMessage != "" {
			desc += "\n**Error:** " + s.ErrorMessage
		}
		footer := strings.Join([]string{
			fmt.Sprintf("branch #%d", s.BranchID),
			fmt.Sprintf("%d steps", s.StepNumber),
			fmt.Sprintf("%s in / %s out", commaFormat(s.Usage.InputTokens), commaFormat(s.Usage.OutputTokens)),
			fmt.Sprintf("%.1fs", s.Elapsed.Seconds()),
		}, " · ")
		return &discordgo.MessageEmbed{
			Title:       s.AgentName,
			Description: desc,
			Footer:      &discordgo.MessageEmbedFooter{Text: footer},
			Color:       statusColor(s.Status),
		}
	}

	var line1 string
	switch {
	case terminal:
		line1 = fmt.Sprintf("**%s** · %d steps", titleCase(s.Status), s.StepNumber)
	case s.StepNumber > 0:
		line1 = fmt.Sprintf("**%s** · Step %d: %s", titleCase(s.Status), s.StepNumber, s.CurrentStep)
	default:
		line1 = fmt.Sprintf("**%s** · %s", titleCase(s.Status), s.CurrentStep)
	}

	parts := []string{fmt.Sprintf("%s in / %s out", commaFormat(s.Usage.InputTokens), commaFormat(s.Usage.OutputTokens))}
	if s.LLMIterations > 0 {
		parts = append(parts, fmt.Sprintf("%d call(s)", s.LLMIterations))
	}
	if s.ToolCallsMade > 0 {
		parts = append(parts, fmt.Sprintf("%d tools", s.ToolCallsMade))
	}
	parts = append(parts, fmt.Sprintf("%.1fs", s.Elapsed.Seconds()))
	desc := line1 + "\n" + strings.Join(parts, " · ")
	if s.ErrorMessage != "" {
		desc += "\n**Error:** " + s.ErrorMessage
	}

	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s · branch #%d", s.AgentName, s.BranchID),
		Description: desc,
		Color:       statusColor(s.Status),
	}
}

// titleCase uppercases the first letter; statuses are single lowercase
// words.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// commaFormat renders n with thousands separators.
func commaFormat(n int) string {
	s := strconv.Itoa(n)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var out strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(r)
	}
	if neg {
		return "-" + out.String()
	}
	return out.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// editLimiter spaces embed edits. One limiter covers the whole adapter
// because Discord throttles message edits per bot, not per channel.
type editLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
}

func newEditLimiter(min time.Duration) *editLimiter {
	if min <= 0 {
		min = editMinInterval
	}
	return &editLimiter{minInterval: min, now: time.Now}
}

// canEdit reports whether an edit may go out now and records it if so.
func (e *editLimiter) canEdit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if !e.last.IsZero() && now.Sub(e.last) < e.minInterval {
		return false
	}
	e.last = now
	return true
}

// untilNext returns the wait before the next edit slot.
func (e *editLimiter) untilNext() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last.IsZero() {
		return 0
	}
	remaining := e.minInterval - e.now().Sub(e.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// record marks an edit sent outside canEdit, such as the final edit.
func (e *editLimiter) record() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = e.now()
}

// liveStatus owns one branch's status embed: it posts the message, then
// applies throttled edits as the run progresses. A nil liveStatus is a
// no-op so callers need no guards after a failed create.
type liveStatus struct {
	session discordSession
	api     *channels.RateLimiter
	edits   *editLimiter
	logger  *slog.Logger

	channelID string
	killID    string

	mu        sync.Mutex
	snap      statusSnapshot
	startedAt time.Time
	messageID string
	pending   *time.Timer
	done      bool
	now       func() time.Time
}

func (a *Adapter) newLiveStatus(agentName string, branchID int64, channelID string) *liveStatus {
	return &liveStatus{
		session:   a.sessionRef(),
		api:       a.api,
		edits:     a.edits,
		logger:    a.logger,
		channelID: channelID,
		killID:    fmt.Sprintf("chorus-kill:%s:%d", agentName, branchID),
		snap: statusSnapshot{
			AgentName:   agentName,
			BranchID:    branchID,
			Status:      "processing",
			CurrentStep: "Starting",
		},
		now: time.Now,
	}
}

// id returns the posted message id, empty before start.
func (v *liveStatus) id() string {
	if v == nil {
		return ""
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.messageID
}

// start posts the initial embed with a stop button.
func (v *liveStatus) start(ctx context.Context, ref *discordgo.MessageReference) error {
	if v == nil {
		return nil
	}
	if err := v.api.Wait(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startedAt = v.now()
	send := &discordgo.MessageSend{
		Embeds:    []*discordgo.MessageEmbed{renderStatus(v.snap)},
		Reference: ref,
	}
	if v.killID != "" {
		send.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Stop", Style: discordgo.DangerButton, CustomID: v.killID},
			}},
		}
	}
	msg, err := v.session.ChannelMessageSendComplex(v.channelID, send)
	if err != nil {
		return err
	}
	v.messageID = msg.ID
	v.edits.record()
	return nil
}

// update mutates the snapshot and edits the message, deferring the edit
// when the limiter has no slot.
func (v *liveStatus) update(mutate func(*statusSnapshot)) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done || v.messageID == "" {
		return
	}
	mutate(&v.snap)
	v.snap.Elapsed = v.now().Sub(v.startedAt)
	if v.edits.canEdit() {
		v.editLocked(false)
		return
	}
	if v.pending == nil {
		v.pending = time.AfterFunc(v.edits.untilNext(), v.flushPending)
	}
}

func (v *liveStatus) flushPending() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = nil
	if v.done || v.messageID == "" {
		return
	}
	v.snap.Elapsed = v.now().Sub(v.startedAt)
	v.editLocked(false)
	v.edits.record()
}

// editLocked sends the current snapshot as an edit. Caller holds mu.
func (v *liveStatus) editLocked(final bool) {
	edit := discordgo.NewMessageEdit(v.channelID, v.messageID).SetEmbed(renderStatus(v.snap))
	if final {
		edit.Components = &[]discordgo.MessageComponent{}
	}
	if _, err := v.session.ChannelMessageEditComplex(edit); err != nil {
		v.logger.Warn("status embed edit failed", "message", v.messageID, "error", err)
	}
}

// finalize renders the terminal state and removes the stop button. Always
// edits immediately regardless of the limiter.
func (v *liveStatus) finalize(status, errMsg, response string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done {
		return
	}
	v.done = true
	if v.pending != nil {
		v.pending.Stop()
		v.pending = nil
	}
	v.snap.Status = status
	v.snap.ErrorMessage = errMsg
	v.snap.ResponseContent = response
	v.snap.Elapsed = v.now().Sub(v.startedAt)
	if v.messageID == "" {
		return
	}
	v.editLocked(true)
	v.edits.record()
}

// presence drives the bot's custom status from branch activity, debounced
// so bursts of starts and stops collapse into one update.
type presence struct {
	set    func(string) error
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]map[int64]struct{}
	last    time.Time
	pending *time.Timer
	now     func() time.Time
}

func newPresence(set func(string) error, logger *slog.Logger) *presence {
	return &presence{
		set:    set,
		logger: logger,
		active: make(map[string]map[int64]struct{}),
		now:    time.Now,
	}
}

func (p *presence) branchStarted(agent string, branchID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	branches, ok := p.active[agent]
	if !ok {
		branches = make(map[int64]struct{})
		p.active[agent] = branches
	}
	branches[branchID] = struct{}{}
	p.scheduleLocked()
}

func (p *presence) branchCompleted(agent string, branchID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if branches, ok := p.active[agent]; ok {
		delete(branches, branchID)
		if len(branches) == 0 {
			delete(p.active, agent)
		}
	}
	p.scheduleLocked()
}

// scheduleLocked applies now when the debounce window has passed, else
// arms one deferred apply. Caller holds mu.
func (p *presence) scheduleLocked() {
	if p.now().Sub(p.last) >= presenceDebounce {
		p.applyLocked()
		return
	}
	if p.pending == nil {
		remaining := presenceDebounce - p.now().Sub(p.last)
		p.pending = time.AfterFunc(remaining, p.flush)
	}
}

func (p *presence) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.applyLocked()
}

// applyLocked pushes the current state. Caller holds mu.
func (p *presence) applyLocked() {
	tasks := 0
	for _, branches := range p.active {
		tasks += len(branches)
	}
	state := "Idle"
	if tasks > 0 {
		state = fmt.Sprintf("Processing %d task(s) | %d agent(s)", tasks, len(p.active))
	}
	p.last = p.now()
	if err := p.set(state); err != nil {
		p.logger.Debug("presence update failed", "error", err)
	}
}

func (p *presence) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}
