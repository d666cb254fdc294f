package permissions

import (
	"fmt"
	"sort"
)

// Built-in presets. "standard" allows local work and asks before anything
// that leaves the machine. "guarded" allows everything except forge and
// infrastructure writes. "locked" is read-only file access.
var presets = map[string]*Profile{
	"open": mustProfile(
		[]string{`.*`},
		nil,
		nil,
	),
	"standard": mustProfile(
		[]string{
			`tool:file:.*`,
			`tool:git:(init|config|add|commit|branch|checkout|diff|log)( .*)?`,
			`tool:self_edit:docs .*`,
			`tool:info:.*`,
		},
		[]string{
			`tool:bash:.*`,
			`tool:git:(push|merge_request).*`,
			`tool:self_edit:(system_prompt|permissions|model).*`,
			`tool:web_search:.*`,
			`tool:claude_code:.*`,
		},
		nil,
	),
	"guarded": mustProfile(
		[]string{`.*`},
		nil,
		[]string{
			// gh write operations
			`tool:bash:.*\bgh\s+\S+\s+(create|delete|close|merge|edit|comment|review|approve|reopen)\b.*`,
			// gh api with write methods
			`tool:bash:.*\bgh\s+api\s+.*(-X|--method)\s+(POST|PUT|PATCH|DELETE)\b.*`,
			// doctl write operations
			`tool:bash:.*\bdoctl\s+.*\b(create|delete|update|destroy)\b.*`,
			// git push and merge
			`tool:git:(push|merge_request).*`,
		},
	),
	"locked": mustProfile(
		[]string{`tool:file:view.*`},
		nil,
		nil,
	),
}

func mustProfile(allow, ask, deny []string) *Profile {
	p, err := NewProfile(allow, ask, deny)
	if err != nil {
		panic(err)
	}
	return p
}

// Preset returns a built-in profile by name.
func Preset(name string) (*Profile, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownPreset, name, PresetNames())
	}
	return p, nil
}

// PresetNames returns the built-in preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidPreset reports whether name is a built-in preset.
func ValidPreset(name string) bool {
	_, ok := presets[name]
	return ok
}
