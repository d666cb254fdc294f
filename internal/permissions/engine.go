// Package permissions implements the regex engine that gates every tool
// invocation. Each invocation is summarized as an action string
// "tool:<category>:<detail>" and matched against a profile; the outcome is
// Allow, Ask, or Deny. Pure logic, no I/O.
package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidPattern reports a regex that failed to compile at profile
	// construction.
	ErrInvalidPattern = errors.New("invalid permission pattern")
	// ErrUnknownPreset reports a preset name with no built-in profile.
	ErrUnknownPreset = errors.New("unknown permission preset")
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// Profile is a set of regex patterns controlling what an agent may do.
// Patterns compile once at construction; matching is case-sensitive and
// anchored to the whole action string. Check order: deny, allow, ask,
// implicit deny.
type Profile struct {
	Allow []string `json:"allow"`
	Ask   []string `json:"ask"`
	Deny  []string `json:"deny,omitempty"`

	compiledAllow []*regexp.Regexp
	compiledAsk   []*regexp.Regexp
	compiledDeny  []*regexp.Regexp
}

// NewProfile compiles the pattern lists into a profile. Any pattern that
// fails to compile makes construction fail with ErrInvalidPattern.
func NewProfile(allow, ask, deny []string) (*Profile, error) {
	p := &Profile{Allow: allow, Ask: ask, Deny: deny}
	var err error
	if p.compiledDeny, err = compileAll(deny); err != nil {
		return nil, fmt.Errorf("%w: deny: %v", ErrInvalidPattern, err)
	}
	if p.compiledAllow, err = compileAll(allow); err != nil {
		return nil, fmt.Errorf("%w: allow: %v", ErrInvalidPattern, err)
	}
	if p.compiledAsk, err = compileAll(ask); err != nil {
		return nil, fmt.Errorf("%w: ask: %v", ErrInvalidPattern, err)
	}
	return p, nil
}

// compileAll anchors each pattern to the full action string. Dot does not
// match newlines, so details containing newlines fail any non-multiline
// pattern.
func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
		if err != nil {
			return nil, fmt.Errorf("%q: %v", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Check matches action against the profile. The first deny pattern that
// matches denies; else the first allow pattern allows; else the first ask
// pattern asks; else deny.
func (p *Profile) Check(action string) Decision {
	for _, re := range p.compiledDeny {
		if re.MatchString(action) {
			return Deny
		}
	}
	for _, re := range p.compiledAllow {
		if re.MatchString(action) {
			return Allow
		}
	}
	for _, re := range p.compiledAsk {
		if re.MatchString(action) {
			return Ask
		}
	}
	return Deny
}

// UnmarshalJSON decodes and recompiles a profile, so profiles loaded from
// agent files are immediately usable.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw struct {
		Allow []string `json:"allow"`
		Ask   []string `json:"ask"`
		Deny  []string `json:"deny"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewProfile(raw.Allow, raw.Ask, raw.Deny)
	if err != nil {
		return err
	}
	*p = *built
	return nil
}

// FormatAction builds a canonical action string.
func FormatAction(category, detail string) string {
	return "tool:" + category + ":" + detail
}
