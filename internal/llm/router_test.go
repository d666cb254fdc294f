package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/chorus/pkg/models"
)

// stubProvider returns a canned response and records the last request so
// tests can assert on prompt construction.
type stubProvider struct {
	name    string
	resp    *Response
	err     error
	lastReq *Request
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubProvider) SupportsWebSearch() bool { return false }

func (s *stubProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestRouterRoute(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
		want     RouteDecision
	}{
		{name: "explicit inject", response: "INJECT", want: RouteInject},
		{name: "explicit new branch", response: "NEW_BRANCH", want: RouteNewBranch},
		{name: "lowercase new branch", response: "new_branch", want: RouteNewBranch},
		{name: "padded response", response: "  NEW_BRANCH\n", want: RouteNewBranch},
		{name: "verbose response", response: "I think NEW_BRANCH fits here", want: RouteNewBranch},
		{name: "gibberish defaults to inject", response: "maybe?", want: RouteInject},
		{name: "empty response defaults to inject", response: "", want: RouteInject},
		{name: "provider error defaults to inject", err: errors.New("connection refused"), want: RouteInject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubProvider{resp: &Response{Text: tt.response}, err: tt.err}
			router := NewRouter(stub, "test-model")

			got := router.Route(context.Background(), "new message", "fixing the parser", "running tests")
			if got != tt.want {
				t.Errorf("Route() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouterPromptShape(t *testing.T) {
	stub := &stubProvider{resp: &Response{Text: "INJECT"}}
	router := NewRouter(stub, "test-model")

	router.Route(context.Background(), "also add tests", "fixing the parser", "editing lexer.go")

	req := stub.lastReq
	if req == nil {
		t.Fatal("provider was not called")
	}
	if req.Model != "test-model" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != models.RoleSystem {
		t.Errorf("first message role = %q", req.Messages[0].Role)
	}
	if !strings.Contains(req.Messages[0].Content, "EXACTLY one word") {
		t.Error("system prompt missing response format instruction")
	}
	user := req.Messages[1].Content
	for _, fragment := range []string{
		"Current branch: fixing the parser",
		"Current step: editing lexer.go",
		"New message: also add tests",
	} {
		if !strings.Contains(user, fragment) {
			t.Errorf("user content missing %q:\n%s", fragment, user)
		}
	}
}

func TestNewRouterFromKeys(t *testing.T) {
	if _, err := NewRouterFromKeys("", ""); err == nil {
		t.Error("expected error with no keys")
	}

	router, err := NewRouterFromKeys("anthropic-key", "openai-key")
	if err != nil {
		t.Fatalf("NewRouterFromKeys: %v", err)
	}
	if router.model != cheapModelAnthropic {
		t.Errorf("expected Anthropic preferred, got model %q", router.model)
	}
	if router.provider.Name() != ProviderAnthropic {
		t.Errorf("provider = %q", router.provider.Name())
	}

	router, err = NewRouterFromKeys("", "openai-key")
	if err != nil {
		t.Fatalf("NewRouterFromKeys openai-only: %v", err)
	}
	if router.model != cheapModelOpenAI {
		t.Errorf("expected OpenAI fallback, got model %q", router.model)
	}
}

func TestRouteDecisionString(t *testing.T) {
	if RouteInject.String() != "inject" {
		t.Errorf("RouteInject = %q", RouteInject.String())
	}
	if RouteNewBranch.String() != "new_branch" {
		t.Errorf("RouteNewBranch = %q", RouteNewBranch.String())
	}
}
