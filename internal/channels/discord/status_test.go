package discord

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/internal/channels"
	"github.com/haasonsaas/chorus/pkg/models"
)

func TestRenderStatus_Progress(t *testing.T) {
	embed := renderStatus(statusSnapshot{
		AgentName:     "research",
		BranchID:      3,
		Status:        "processing",
		StepNumber:    2,
		CurrentStep:   "💻 bash: npm test",
		Usage:         models.Usage{InputTokens: 1234, OutputTokens: 567},
		LLMIterations: 3,
		ToolCallsMade: 2,
		Elapsed:       4200 * time.Millisecond,
	})

	if embed.Title != "research · branch #3" {
		t.Errorf("title = %q", embed.Title)
	}
	if !strings.Contains(embed.Description, "**Processing** · Step 2: 💻 bash: npm test") {
		t.Errorf("description missing step line: %q", embed.Description)
	}
	for _, want := range []string{"1,234 in / 567 out", "3 call(s)", "2 tools", "4.2s"} {
		if !strings.Contains(embed.Description, want) {
			t.Errorf("description missing %q: %q", want, embed.Description)
		}
	}
	if embed.Color != colorBlue {
		t.Errorf("color = %#x, want blue", embed.Color)
	}
}

func TestRenderStatus_NoStepsYet(t *testing.T) {
	embed := renderStatus(statusSnapshot{
		AgentName:   "research",
		BranchID:    1,
		Status:      "processing",
		CurrentStep: "Starting",
	})
	if !strings.Contains(embed.Description, "**Processing** · Starting") {
		t.Errorf("description = %q", embed.Description)
	}
}

func TestRenderStatus_CompletedWithResponse(t *testing.T) {
	embed := renderStatus(statusSnapshot{
		AgentName:       "research",
		BranchID:        3,
		Status:          "completed",
		StepNumber:      4,
		Usage:           models.Usage{InputTokens: 1234, OutputTokens: 567},
		Elapsed:         4200 * time.Millisecond,
		ResponseContent: "All done.",
	})

	if embed.Title != "research" {
		t.Errorf("title = %q, want the agent name", embed.Title)
	}
	if embed.Description != "All done." {
		t.Errorf("description = %q", embed.Description)
	}
	if embed.Footer == nil {
		t.Fatal("expected a footer")
	}
	want := "branch #3 · 4 steps · 1,234 in / 567 out · 4.2s"
	if embed.Footer.Text != want {
		t.Errorf("footer = %q, want %q", embed.Footer.Text, want)
	}
}

func TestRenderStatus_TruncatesLongResponse(t *testing.T) {
	embed := renderStatus(statusSnapshot{
		AgentName:       "research",
		BranchID:        1,
		Status:          "completed",
		ResponseContent: strings.Repeat("x", embedDescriptionLimit+500),
	})

	runes := []rune(embed.Description)
	if len(runes) != embedDescriptionLimit+1 {
		t.Errorf("description length = %d runes, want %d", len(runes), embedDescriptionLimit+1)
	}
	if !strings.HasSuffix(embed.Description, "…") {
		t.Error("expected truncation marker")
	}
}

func TestRenderStatus_Error(t *testing.T) {
	embed := renderStatus(statusSnapshot{
		AgentName:    "research",
		BranchID:     2,
		Status:       "error",
		ErrorMessage: "tool exploded",
	})

	if !strings.Contains(embed.Description, "**Error:** tool exploded") {
		t.Errorf("description = %q", embed.Description)
	}
	if embed.Color != colorRed {
		t.Errorf("color = %#x, want red", embed.Color)
	}
}

func TestStatusColor(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{"processing", colorBlue},
		{"waiting", colorBlue},
		{"completed", colorBlue},
		{"error", colorRed},
		{"cancelled", colorRed},
		{"idle", colorGreyple},
	}
	for _, tt := range tests {
		if got := statusColor(tt.status); got != tt.want {
			t.Errorf("statusColor(%q) = %#x, want %#x", tt.status, got, tt.want)
		}
	}
}

func TestCommaFormat(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
	}
	for _, tt := range tests {
		if got := commaFormat(tt.n); got != tt.want {
			t.Errorf("commaFormat(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 3); got != "hél" {
		t.Errorf("truncateRunes = %q", got)
	}
	if got := truncateRunes("hi", 10); got != "hi" {
		t.Errorf("truncateRunes short = %q", got)
	}
}

func TestEditLimiter(t *testing.T) {
	clock := newFakeClock()
	e := newEditLimiter(time.Second)
	e.now = clock.now

	if !e.canEdit() {
		t.Fatal("first edit should pass")
	}
	if e.canEdit() {
		t.Error("second immediate edit should be deferred")
	}
	if d := e.untilNext(); d != time.Second {
		t.Errorf("untilNext = %v, want 1s", d)
	}

	clock.current = clock.current.Add(1100 * time.Millisecond)
	if !e.canEdit() {
		t.Error("edit after the interval should pass")
	}
}

func TestEditLimiter_DefaultInterval(t *testing.T) {
	e := newEditLimiter(0)
	if e.minInterval != editMinInterval {
		t.Errorf("minInterval = %v, want %v", e.minInterval, editMinInterval)
	}
}

func newTestView(mock *mockSession) *liveStatus {
	return &liveStatus{
		session:   mock,
		api:       channels.NewRateLimiter(1000, 10),
		edits:     newEditLimiter(time.Second),
		logger:    testLogger(),
		channelID: "chan-1",
		killID:    "chorus-kill:research:1",
		snap: statusSnapshot{
			AgentName:   "research",
			BranchID:    1,
			Status:      "processing",
			CurrentStep: "Starting",
		},
		now: time.Now,
	}
}

func TestLiveStatus_StartPostsEmbed(t *testing.T) {
	mock := newMockSession()
	v := newTestView(mock)

	if err := v.start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if v.id() == "" {
		t.Error("expected a message id after start")
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.messages))
	}
	msg := mock.messages[0]
	if len(msg.embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(msg.embeds))
	}
	if !msg.hasComponents {
		t.Error("expected a stop button")
	}
}

func TestLiveStatus_UpdateDeferredByLimiter(t *testing.T) {
	mock := newMockSession()
	v := newTestView(mock)
	if err := v.start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The limiter slot was consumed by start; this update must defer.
	v.update(func(s *statusSnapshot) { s.CurrentStep = "💻 bash: npm test" })
	if mock.editCount() != 0 {
		t.Fatalf("expected no immediate edit, got %d", mock.editCount())
	}

	v.mu.Lock()
	if v.pending == nil {
		v.mu.Unlock()
		t.Fatal("expected a deferred edit to be scheduled")
	}
	v.pending.Stop()
	v.mu.Unlock()

	v.flushPending()
	if mock.editCount() != 1 {
		t.Errorf("expected the deferred edit to flush, got %d", mock.editCount())
	}
}

func TestLiveStatus_UpdateEditsWhenSlotFree(t *testing.T) {
	mock := newMockSession()
	v := newTestView(mock)
	clock := newFakeClock()
	v.edits.now = clock.now
	if err := v.start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.current = clock.current.Add(2 * time.Second)
	v.update(func(s *statusSnapshot) { s.CurrentStep = "💻 bash: npm test" })
	if mock.editCount() != 1 {
		t.Errorf("expected an immediate edit, got %d", mock.editCount())
	}
}

func TestLiveStatus_FinalizeRemovesComponents(t *testing.T) {
	mock := newMockSession()
	v := newTestView(mock)
	if err := v.start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	v.finalize("completed", "", "All done.")
	if mock.editCount() != 1 {
		t.Fatalf("expected 1 edit, got %d", mock.editCount())
	}

	mock.mu.Lock()
	edit := mock.edits[0]
	mock.mu.Unlock()
	if edit.Components == nil || len(*edit.Components) != 0 {
		t.Error("finalize should clear the components")
	}

	// Finalize is idempotent.
	v.finalize("error", "late", "")
	if mock.editCount() != 1 {
		t.Errorf("second finalize should be a no-op, got %d edits", mock.editCount())
	}
}

func TestLiveStatus_NilIsNoOp(t *testing.T) {
	var v *liveStatus
	v.update(func(s *statusSnapshot) { s.Status = "x" })
	v.finalize("completed", "", "done")
	if v.id() != "" {
		t.Error("nil view should have no id")
	}
}

func TestPresence(t *testing.T) {
	var mu sync.Mutex
	var states []string
	p := newPresence(func(s string) error {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
		return nil
	}, testLogger())
	clock := newFakeClock()
	p.now = clock.now

	p.branchStarted("research", 1)
	p.branchStarted("research", 2)
	p.branchStarted("writer", 7)
	p.flush()

	clock.current = clock.current.Add(10 * time.Second)
	p.branchCompleted("research", 1)
	p.branchCompleted("research", 2)
	p.branchCompleted("writer", 7)
	p.flush()
	p.stop()

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"Processing 1 task(s) | 1 agent(s)",
		"Processing 3 task(s) | 2 agent(s)",
		"Processing 2 task(s) | 2 agent(s)",
		"Idle",
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %q, want %q", i, states[i], want[i])
		}
	}
}
