package agent

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	home := t.TempDir()
	return NewDirectory(home, filepath.Join(home, "no-template"), testLogger())
}

func TestEnsureHomeIdempotent(t *testing.T) {
	d := newTestDirectory(t)
	for i := 0; i < 2; i++ {
		if err := d.EnsureHome(); err != nil {
			t.Fatalf("EnsureHome (%d): %v", i, err)
		}
	}
	for _, dir := range []string{d.AgentsDir(), filepath.Join(d.Home(), "db")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s missing after EnsureHome", dir)
		}
	}
}

func TestDirectoryCreateScaffolds(t *testing.T) {
	d := newTestDirectory(t)

	agent, err := d.Create("topo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if agent.Name != "topo" {
		t.Errorf("name = %q", agent.Name)
	}
	if agent.SystemPrompt != models.DefaultSystemPrompt || agent.Permissions != models.DefaultPermissions {
		t.Errorf("defaults not applied: %+v", agent)
	}
	if agent.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	for _, sub := range []string{"workspace", "docs", "sessions", "processes"} {
		info, err := os.Stat(filepath.Join(d.AgentDir("topo"), sub))
		if err != nil || !info.IsDir() {
			t.Errorf("%s/ not scaffolded", sub)
		}
	}

	data, err := os.ReadFile(d.IdentityPath("topo"))
	if err != nil {
		t.Fatalf("read identity: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("identity file has no trailing newline")
	}
	if !strings.Contains(string(data), "\n    \"name\"") {
		t.Error("identity file is not four-space indented")
	}

	if _, err := d.Create("topo"); !errors.Is(err, models.ErrAgentExists) {
		t.Errorf("second Create = %v, want ErrAgentExists", err)
	}
}

func TestDirectoryCreateFromTemplate(t *testing.T) {
	home := t.TempDir()
	template := filepath.Join(home, "template")
	if err := os.MkdirAll(filepath.Join(template, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(template, "docs", "seed.md"), []byte("seeded"), 0o644); err != nil {
		t.Fatal(err)
	}
	seeded := &models.Agent{
		Name:         "template",
		SystemPrompt: "You are a focused research assistant.",
		Model:        "claude-sonnet-4-5-20250929",
		Permissions:  "guarded",
		WebSearch:    true,
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.MarshalIndent(seeded, "", "    ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(template, "agent.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDirectory(home, template, testLogger())
	agent, err := d.Create("topo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Template settings carry over; name and timestamp are fresh.
	if agent.Name != "topo" {
		t.Errorf("name = %q", agent.Name)
	}
	if agent.SystemPrompt != seeded.SystemPrompt || agent.Model != seeded.Model ||
		agent.Permissions != "guarded" || !agent.WebSearch {
		t.Errorf("template settings lost: %+v", agent)
	}
	if agent.CreatedAt.Equal(seeded.CreatedAt) {
		t.Error("created_at was not refreshed")
	}

	if _, err := os.Stat(filepath.Join(d.DocsDir("topo"), "seed.md")); err != nil {
		t.Error("template docs were not copied")
	}
}

func TestReadIdentityMissing(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.ReadIdentity("ghost"); !errors.Is(err, models.ErrAgentNotFound) {
		t.Errorf("ReadIdentity = %v, want ErrAgentNotFound", err)
	}
}

func TestUpdateChannelID(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Create("topo"); err != nil {
		t.Fatal(err)
	}

	if err := d.UpdateChannelID("topo", "chan-9"); err != nil {
		t.Fatalf("UpdateChannelID: %v", err)
	}
	agent, err := d.ReadIdentity("topo")
	if err != nil {
		t.Fatal(err)
	}
	if agent.ChannelID != "chan-9" {
		t.Errorf("channel id = %q", agent.ChannelID)
	}

	if err := d.UpdateChannelID("ghost", "chan-9"); !errors.Is(err, models.ErrAgentNotFound) {
		t.Errorf("UpdateChannelID(ghost) = %v, want ErrAgentNotFound", err)
	}
}

func TestDirectoryDestroy(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Create("topo"); err != nil {
		t.Fatal(err)
	}

	if err := d.Destroy("topo", false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := d.Get("topo"); ok {
		t.Error("agent dir survived Destroy")
	}
	if err := d.Destroy("topo", false); !errors.Is(err, models.ErrAgentNotFound) {
		t.Errorf("second Destroy = %v, want ErrAgentNotFound", err)
	}
}

func TestDirectoryDestroyKeepFiles(t *testing.T) {
	d := newTestDirectory(t)
	trash := filepath.Join(d.Home(), ".trash")

	if _, err := d.Create("topo"); err != nil {
		t.Fatal(err)
	}
	if err := d.Destroy("topo", true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(trash, "topo", "agent.json")); err != nil {
		t.Error("agent files not preserved in trash")
	}

	// Destroying a recreated agent with the same name gets a suffixed slot.
	if _, err := d.Create("topo"); err != nil {
		t.Fatal(err)
	}
	if err := d.Destroy("topo", true); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(trash, "topo-2", "agent.json")); err != nil {
		t.Error("trash collision did not get a numeric suffix")
	}
}

func TestDirectoryGetAndList(t *testing.T) {
	d := newTestDirectory(t)

	names, err := d.List()
	if err != nil || names != nil {
		t.Errorf("List before any create = %v, %v", names, err)
	}

	for _, name := range []string{"zeta", "alpha"} {
		if _, err := d.Create(name); err != nil {
			t.Fatal(err)
		}
	}
	// Stray files in the agents dir are not agents.
	if err := os.WriteFile(filepath.Join(d.AgentsDir(), "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err = d.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(names, []string{"alpha", "zeta"}) {
		t.Errorf("List = %v, want sorted agent names", names)
	}

	if _, ok := d.Get("alpha"); !ok {
		t.Error("Get(alpha) = false")
	}
	if _, ok := d.Get("ghost"); ok {
		t.Error("Get(ghost) = true")
	}
}
