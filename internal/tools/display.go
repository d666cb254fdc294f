package tools

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Status surfaces show one line per tool call. The line is built from a
// small per-tool table: an emoji plus the first argument worth showing,
// so a busy branch reads "💻 bash: npm test" instead of a bare name.

// maxCallDetailLen caps the detail portion of a summary line. Discord
// embed fields truncate hard, so long commands are cut here with an
// ellipsis instead.
const maxCallDetailLen = 80

const defaultToolEmoji = "🔧"

// toolDisplay describes how one tool's invocations are summarized.
// detailKeys are probed in order; the first present printable argument
// becomes the detail text.
type toolDisplay struct {
	emoji      string
	detailKeys []string
}

var toolDisplays = map[string]toolDisplay{
	"claude_code": {emoji: "🤖", detailKeys: []string{"task"}},

	"create_file": {emoji: "📝", detailKeys: []string{"path"}},
	"str_replace": {emoji: "✏️", detailKeys: []string{"path"}},
	"view":        {emoji: "👀", detailKeys: []string{"path"}},

	"bash": {emoji: "💻", detailKeys: []string{"command"}},

	"git_init":          {emoji: "🌱"},
	"git_commit":        {emoji: "📦", detailKeys: []string{"message"}},
	"git_push":          {emoji: "📦", detailKeys: []string{"remote"}},
	"git_branch":        {emoji: "🌿", detailKeys: []string{"branch_name"}},
	"git_checkout":      {emoji: "🌿", detailKeys: []string{"ref"}},
	"git_diff":          {emoji: "🔍", detailKeys: []string{"ref1"}},
	"git_log":           {emoji: "📜"},
	"git_merge_request": {emoji: "📦", detailKeys: []string{"title"}},

	"run_concurrent":        {emoji: "⚙️", detailKeys: []string{"command"}},
	"run_background":        {emoji: "⚙️", detailKeys: []string{"command"}},
	"list_processes":        {emoji: "📋"},
	"kill_process":          {emoji: "🛑", detailKeys: []string{"pid"}},
	"add_process_callbacks": {emoji: "🔔", detailKeys: []string{"pid"}},

	"self_edit_system_prompt": {emoji: "🪞"},
	"self_edit_docs":          {emoji: "🪞", detailKeys: []string{"path"}},
	"self_edit_permissions":   {emoji: "🔐", detailKeys: []string{"profile"}},
	"self_edit_model":         {emoji: "🧠", detailKeys: []string{"model"}},
	"self_edit_web_search":    {emoji: "🔍", detailKeys: []string{"enabled"}},

	"send_to_agent":   {emoji: "📨", detailKeys: []string{"target_agent"}},
	"read_agent_docs": {emoji: "📚", detailKeys: []string{"target_agent"}},
	"list_agents":     {emoji: "📋"},
	"list_models":     {emoji: "📋"},
	"agent_info":      {emoji: "ℹ️"},
	"branch_status":   {emoji: "🌿"},

	"web_search": {emoji: "🔍", detailKeys: []string{"query"}},
}

// SummarizeToolCall renders a tool invocation as a one-line status
// description. Unknown tools fall back to a generic emoji and the bare
// name; argument extraction is best effort and never fails.
func SummarizeToolCall(name string, args map[string]any) string {
	d := toolDisplays[name]
	emoji := d.emoji
	if emoji == "" {
		emoji = defaultToolEmoji
	}
	line := emoji + " " + name
	if detail := toolCallDetail(d, args); detail != "" {
		line += ": " + detail
	}
	return line
}

func toolCallDetail(d toolDisplay, args map[string]any) string {
	for _, key := range d.detailKeys {
		v, ok := args[key]
		if !ok {
			continue
		}
		if s := displayValue(v); s != "" {
			return clipDetail(s)
		}
	}
	return ""
}

// displayValue renders a scalar argument for the status line. Composite
// values yield no detail.
func displayValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers decode as float64; pids must not render as "42.000000".
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil, map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

// clipDetail keeps the first line of the detail and bounds its length.
func clipDetail(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if utf8.RuneCountInString(s) <= maxCallDetailLen {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxCallDetailLen])) + "…"
}
