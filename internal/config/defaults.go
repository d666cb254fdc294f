package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// GlobalDefaults are the server-wide agent settings persisted at
// <home>/config.json. They apply to every agent that has no per-agent
// override and are editable at runtime through the admin surface.
type GlobalDefaults struct {
	DefaultModel          string `json:"default_model" yaml:"default_model"`
	DefaultPermissions    string `json:"default_permissions" yaml:"default_permissions"`
	IdleTimeout           int    `json:"idle_timeout" yaml:"idle_timeout"`
	MaxToolLoopIterations int    `json:"max_tool_loop_iterations" yaml:"max_tool_loop_iterations"`
	MaxBashTimeout        int    `json:"max_bash_timeout" yaml:"max_bash_timeout"`
}

func (d *GlobalDefaults) applyDefaults() {
	if d.DefaultPermissions == "" {
		d.DefaultPermissions = "standard"
	}
	if d.IdleTimeout == 0 {
		d.IdleTimeout = 1800
	}
	if d.MaxToolLoopIterations == 0 {
		d.MaxToolLoopIterations = 25
	}
	if d.MaxBashTimeout == 0 {
		d.MaxBashTimeout = 120
	}
}

func (d *GlobalDefaults) validate() error {
	if d.IdleTimeout < 0 {
		return fmt.Errorf("defaults.idle_timeout must be positive; got %d", d.IdleTimeout)
	}
	if d.MaxToolLoopIterations < 0 {
		return fmt.Errorf("defaults.max_tool_loop_iterations must be positive; got %d", d.MaxToolLoopIterations)
	}
	if d.MaxBashTimeout < 0 {
		return fmt.Errorf("defaults.max_bash_timeout must be positive; got %d", d.MaxBashTimeout)
	}
	return nil
}

// LoadGlobalDefaults reads the defaults file at path. When the file does not
// exist it is created from seed so later edits have a file to land in.
func LoadGlobalDefaults(path string, seed GlobalDefaults) (*GlobalDefaults, error) {
	seed.applyDefaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if saveErr := seed.Save(path); saveErr != nil {
			return nil, saveErr
		}
		return &seed, nil
	}
	if err != nil {
		return nil, err
	}
	defaults := seed
	if err := json.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defaults.applyDefaults()
	return &defaults, nil
}

// Save persists the defaults as indented JSON, creating parent directories.
func (d *GlobalDefaults) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
