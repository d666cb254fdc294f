package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultSubAgentTimeout bounds a sub-agent's single LLM call.
const DefaultSubAgentTimeout = 15 * time.Second

// SubAgentResult is the outcome of a sub-agent execution.
type SubAgentResult struct {
	Success   bool
	Output    string
	ModelUsed string
	Usage     models.Usage
	Err       string
}

// cheapModels lists provider preference for sub-agents and routing:
// Anthropic Haiku first, then OpenAI gpt-4o-mini.
var cheapModels = []struct {
	envVar   string
	provider string
	model    string
}{
	{"ANTHROPIC_API_KEY", ProviderAnthropic, cheapModelAnthropic},
	{"OPENAI_API_KEY", ProviderOpenAI, cheapModelOpenAI},
}

// PickCheapModel selects the cheapest available model from environment
// API keys. Returns ok false when no key is set.
func PickCheapModel() (provider, model string, ok bool) {
	for _, c := range cheapModels {
		if strings.TrimSpace(os.Getenv(c.envVar)) != "" {
			return c.provider, c.model, true
		}
	}
	return "", "", false
}

// RunSubAgent makes a one-shot LLM call on the cheapest available model.
// Sub-agents have no tool access; they serve specialized tasks such as
// filtering, formatting, or error recovery.
//
// modelOverride replaces the default model only when it matches the
// selected provider (claude* for Anthropic, gpt* for OpenAI). A timeout
// of 0 uses DefaultSubAgentTimeout. Failures are reported in the result,
// never as a panic or error return.
func RunSubAgent(ctx context.Context, systemPrompt string, messages []models.Message, modelOverride string, timeout time.Duration) SubAgentResult {
	var providerName, model, apiKey string
	for _, c := range cheapModels {
		if key := strings.TrimSpace(os.Getenv(c.envVar)); key != "" {
			providerName, model, apiKey = c.provider, c.model, key
			break
		}
	}
	if providerName == "" {
		return SubAgentResult{
			Err: "No API keys available (ANTHROPIC_API_KEY or OPENAI_API_KEY)",
		}
	}

	if modelOverride != "" {
		switch {
		case strings.HasPrefix(modelOverride, "claude") && providerName == ProviderAnthropic:
			model = modelOverride
		case strings.HasPrefix(modelOverride, "gpt") && providerName == ProviderOpenAI:
			model = modelOverride
		}
	}

	provider, err := New(providerName, apiKey, model)
	if err != nil {
		return SubAgentResult{ModelUsed: model, Err: err.Error()}
	}
	return runSubAgent(ctx, provider, model, systemPrompt, messages, timeout)
}

// runSubAgent executes the call against an explicit provider.
func runSubAgent(ctx context.Context, provider Provider, model, systemPrompt string, messages []models.Message, timeout time.Duration) SubAgentResult {
	if timeout <= 0 {
		timeout = DefaultSubAgentTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Prepend the system message unless one is already present.
	working := messages
	if systemPrompt != "" && (len(messages) == 0 || messages[0].Role != models.RoleSystem) {
		working = make([]models.Message, 0, len(messages)+1)
		working = append(working, models.Message{Role: models.RoleSystem, Content: systemPrompt})
		working = append(working, messages...)
	}

	resp, err := provider.Chat(ctx, &Request{Model: model, Messages: working})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return SubAgentResult{ModelUsed: model, Err: fmt.Sprintf("Timeout after %s", timeout)}
		}
		return SubAgentResult{ModelUsed: model, Err: err.Error()}
	}

	output := strings.TrimSpace(resp.Text)
	if output == "" {
		return SubAgentResult{
			ModelUsed: resp.Model,
			Usage:     resp.Usage,
			Err:       "LLM returned empty content",
		}
	}

	return SubAgentResult{
		Success:   true,
		Output:    output,
		ModelUsed: resp.Model,
		Usage:     resp.Usage,
	}
}
