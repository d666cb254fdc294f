package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// slowProvider blocks until the context expires.
type slowProvider struct{}

func (s *slowProvider) Name() string            { return "slow" }
func (s *slowProvider) SupportsWebSearch() bool { return false }

func (s *slowProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPickCheapModel(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")

	provider, model, ok := PickCheapModel()
	if !ok || provider != ProviderAnthropic || model != cheapModelAnthropic {
		t.Errorf("expected Anthropic preferred, got %s/%s ok=%v", provider, model, ok)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	provider, model, ok = PickCheapModel()
	if !ok || provider != ProviderOpenAI || model != cheapModelOpenAI {
		t.Errorf("expected OpenAI fallback, got %s/%s ok=%v", provider, model, ok)
	}

	t.Setenv("OPENAI_API_KEY", "  ")
	if _, _, ok := PickCheapModel(); ok {
		t.Error("expected no pick with blank keys")
	}
}

func TestRunSubAgent_NoKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	result := RunSubAgent(context.Background(), "You summarize.", []models.Message{
		{Role: models.RoleUser, Content: "Summarize this."},
	}, "", 0)

	if result.Success {
		t.Error("expected failure without keys")
	}
	if !strings.Contains(result.Err, "No API keys available") {
		t.Errorf("Err = %q", result.Err)
	}
}

func TestRunSubAgentWithProvider(t *testing.T) {
	stub := &stubProvider{resp: &Response{
		Text:  "  The file parses dates.  ",
		Model: "claude-haiku-4-5-20251001",
		Usage: models.Usage{InputTokens: 40, OutputTokens: 12},
	}}

	result := runSubAgent(context.Background(), stub, "test-model", "You summarize code.", []models.Message{
		{Role: models.RoleUser, Content: "Summarize parser.go"},
	}, time.Second)

	if !result.Success {
		t.Fatalf("expected success, got Err=%q", result.Err)
	}
	if result.Output != "The file parses dates." {
		t.Errorf("Output = %q", result.Output)
	}
	if result.ModelUsed != "claude-haiku-4-5-20251001" {
		t.Errorf("ModelUsed = %q", result.ModelUsed)
	}
	if result.Usage.InputTokens != 40 {
		t.Errorf("Usage = %+v", result.Usage)
	}

	// The system prompt lands as the first message.
	req := stub.lastReq
	if len(req.Messages) != 2 || req.Messages[0].Role != models.RoleSystem {
		t.Fatalf("expected prepended system message, got %+v", req.Messages)
	}
	if req.Messages[0].Content != "You summarize code." {
		t.Errorf("system content = %q", req.Messages[0].Content)
	}
	if req.Model != "test-model" {
		t.Errorf("model = %q", req.Model)
	}
}

func TestRunSubAgent_KeepsExistingSystem(t *testing.T) {
	stub := &stubProvider{resp: &Response{Text: "ok"}}

	runSubAgent(context.Background(), stub, "m", "ignored", []models.Message{
		{Role: models.RoleSystem, Content: "Existing instructions."},
		{Role: models.RoleUser, Content: "Go."},
	}, time.Second)

	req := stub.lastReq
	if len(req.Messages) != 2 {
		t.Fatalf("expected no extra system message, got %d messages", len(req.Messages))
	}
	if req.Messages[0].Content != "Existing instructions." {
		t.Errorf("system content = %q", req.Messages[0].Content)
	}
}

func TestRunSubAgent_EmptyContent(t *testing.T) {
	stub := &stubProvider{resp: &Response{
		Text:  "   ",
		Model: "m",
		Usage: models.Usage{InputTokens: 5},
	}}

	result := runSubAgent(context.Background(), stub, "m", "", []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, time.Second)

	if result.Success {
		t.Error("expected failure on empty content")
	}
	if result.Err != "LLM returned empty content" {
		t.Errorf("Err = %q", result.Err)
	}
	if result.ModelUsed != "m" || result.Usage.InputTokens != 5 {
		t.Errorf("usage should survive empty responses: %+v", result)
	}
}

func TestRunSubAgent_ProviderError(t *testing.T) {
	stub := &stubProvider{err: errors.New("overloaded")}

	result := runSubAgent(context.Background(), stub, "m", "", []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, time.Second)

	if result.Success || result.Err != "overloaded" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunSubAgent_Timeout(t *testing.T) {
	result := runSubAgent(context.Background(), &slowProvider{}, "m", "", []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, 10*time.Millisecond)

	if result.Success {
		t.Error("expected timeout failure")
	}
	if result.Err != "Timeout after 10ms" {
		t.Errorf("Err = %q", result.Err)
	}
}
