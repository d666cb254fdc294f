package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/pkg/models"
)

// refinementTimeout bounds the refinement LLM call.
const refinementTimeout = 10 * time.Second

const refinementMetaPrompt = "You are configuring a new AI agent. Given the agent's name and description, " +
	"refine the system prompt to be specific to this agent's role.\n\n" +
	"Keep all structural elements (tool instructions, workspace rules, permission " +
	"awareness, docs/ directory references) from the template. Add personality, " +
	"domain expertise, and task-specific guidance based on the name and description.\n\n" +
	"Output ONLY the refined system prompt, nothing else."

// RefineFunc tailors a template system prompt for a newly created agent.
// Implementations return a usable prompt even on failure.
type RefineFunc func(ctx context.Context, agentName, userDescription, templatePrompt string) (string, error)

// RefinePrompt rewrites templatePrompt for one agent with a cheap model.
// The returned prompt is always usable: on any failure (no API keys, LLM
// error, timeout, empty output) it is templatePrompt unchanged, with the
// cause in the error.
func RefinePrompt(ctx context.Context, agentName, userDescription, templatePrompt string) (string, error) {
	desc := userDescription
	if desc == "" {
		desc = "none provided — infer from the name"
	}
	content := fmt.Sprintf("Agent name: %s\nUser description: %s\nTemplate prompt:\n%s",
		agentName, desc, templatePrompt)

	result := llm.RunSubAgent(ctx, refinementMetaPrompt,
		[]models.Message{{Role: models.RoleUser, Content: content}}, "", refinementTimeout)
	if !result.Success {
		return templatePrompt, errors.New(result.Err)
	}
	return result.Output, nil
}
