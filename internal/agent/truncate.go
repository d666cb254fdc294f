package agent

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// hardCapTokens bounds the context budget regardless of what a model
// reports as its context window.
const hardCapTokens = 200_000

// budgetFraction of the usable window is given to the message list; the
// rest is headroom for the response and provider-side framing.
const budgetFraction = 0.80

// messageOverheadTokens approximates per-message framing cost (role tags,
// block separators) on top of the content itself.
const messageOverheadTokens = 4

// modelContextLimit returns the context window size for a model family.
// Unknown models get the hard cap; the budget formula clamps there anyway.
func modelContextLimit(model string) int {
	switch {
	case strings.HasPrefix(model, "gpt-3.5"):
		return 16_385
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4-turbo"), strings.HasPrefix(model, "chatgpt-"):
		return 128_000
	case strings.HasPrefix(model, "gpt-4.1"):
		return 1_000_000
	default:
		// Claude models and the o-series reasoning models.
		return 200_000
	}
}

// TokenBudget returns the message budget for a model:
// floor(min(limit, hard cap) * budgetFraction).
func TokenBudget(model string) int {
	limit := modelContextLimit(model)
	if limit > hardCapTokens {
		limit = hardCapTokens
	}
	return int(float64(limit) * budgetFraction)
}

// estimateTokens approximates the token cost of one message: ceil(chars/4)
// over the content plus tool-call argument bodies, plus framing overhead.
func estimateTokens(msg models.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name)
		if len(tc.Arguments) > 0 {
			if body, err := json.Marshal(tc.Arguments); err == nil {
				chars += len(body)
			}
		}
	}
	chars += len(msg.RawBlocks)
	return (chars+3)/4 + messageOverheadTokens
}

// EstimateTokens sums the estimated token cost of a message list.
func EstimateTokens(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m)
	}
	return total
}

// TruncateOldest fits msgs into budget by dropping the oldest non-system
// messages first. System messages are always kept and message order is
// preserved. Used at assembly time, where the window is a flat list of
// plain conversation turns.
func TruncateOldest(msgs []models.Message, budget int) []models.Message {
	total := EstimateTokens(msgs)
	if total <= budget {
		return msgs
	}

	drop := make([]bool, len(msgs))
	for i, m := range msgs {
		if total <= budget {
			break
		}
		if m.Role == models.RoleSystem {
			continue
		}
		drop[i] = true
		total -= estimateTokens(m)
	}

	kept := make([]models.Message, 0, len(msgs))
	for i, m := range msgs {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

// messageBlock is one atomic unit for mid-loop truncation: a single plain
// message, or an assistant-with-tool-calls message together with its tool
// results. Splitting such a group would send a tool_use without its
// tool_result (or vice versa), which both provider dialects reject.
type messageBlock struct {
	msgs   []models.Message
	tokens int
}

// buildBlocks groups the non-system messages into atomic blocks, in order.
func buildBlocks(msgs []models.Message) []messageBlock {
	var blocks []messageBlock
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		block := messageBlock{msgs: []models.Message{m}, tokens: estimateTokens(m)}
		i++
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			for i < len(msgs) && msgs[i].Role == models.RoleTool {
				block.msgs = append(block.msgs, msgs[i])
				block.tokens += estimateTokens(msgs[i])
				i++
			}
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// TruncateBlocks fits msgs into budget for a mid-loop provider call. System
// messages are always kept; conversation messages are grouped into atomic
// blocks and the oldest blocks are dropped first. When the system messages
// alone exceed the budget, the system messages plus the single most recent
// block are returned so the model always sees the latest exchange.
func TruncateBlocks(msgs []models.Message, budget int) []models.Message {
	var system, conversation []models.Message
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			conversation = append(conversation, m)
		}
	}

	systemTokens := EstimateTokens(system)
	blocks := buildBlocks(conversation)
	if len(blocks) == 0 {
		return system
	}

	remaining := budget - systemTokens
	keepFrom := len(blocks)
	used := 0
	for i := len(blocks) - 1; i >= 0; i-- {
		if used+blocks[i].tokens > remaining {
			break
		}
		used += blocks[i].tokens
		keepFrom = i
	}
	if keepFrom == len(blocks) {
		// Nothing fits; keep the most recent block regardless.
		keepFrom = len(blocks) - 1
	}

	out := make([]models.Message, 0, len(msgs))
	out = append(out, system...)
	for _, b := range blocks[keepFrom:] {
		out = append(out, b.msgs...)
	}
	return out
}
