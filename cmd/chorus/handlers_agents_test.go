package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

// testHome points every config-resolving handler at a throwaway home with
// no config file, so commands run on the sqlite store inside it.
func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CHORUS_HOME", home)
	t.Setenv("CHORUS_CONFIG", "")
	t.Setenv("CHORUS_TEMPLATE_DIR", "")
	t.Setenv("DATABASE_URL", "")
	return home
}

func TestAgentsLifecycle(t *testing.T) {
	testHome(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := runAgentsCreate(ctx, &out, "", "coder", "builds things", "", "guarded", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out.String(), "Created agent: coder") {
		t.Errorf("create output = %q, want creation notice", out.String())
	}
	if !strings.Contains(out.String(), "Permissions: guarded") {
		t.Errorf("create output = %q, want the permissions line", out.String())
	}

	out.Reset()
	if err := runAgentsList(ctx, &out, "", ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	listed := out.String()
	if !strings.Contains(listed, "coder") || !strings.Contains(listed, "guarded") {
		t.Errorf("list output = %q, want the agent row", listed)
	}

	out.Reset()
	if err := runAgentsConfigure(ctx, &out, "", "coder", "model", "gpt-4o"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !strings.Contains(out.String(), "model = gpt-4o") {
		t.Errorf("configure output = %q, want the assignment", out.String())
	}

	out.Reset()
	if err := runAgentsList(ctx, &out, "", ""); err != nil {
		t.Fatalf("list after configure: %v", err)
	}
	if !strings.Contains(out.String(), "gpt-4o") {
		t.Errorf("list output = %q, want the new model", out.String())
	}

	out.Reset()
	if err := runAgentsDestroy(ctx, &out, "", "coder", false); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	out.Reset()
	if err := runAgentsList(ctx, &out, "", ""); err != nil {
		t.Fatalf("list after destroy: %v", err)
	}
	if !strings.Contains(out.String(), "No agents defined.") {
		t.Errorf("list output = %q, want the empty notice", out.String())
	}
}

func TestAgentsCreate_SecondChannellessAgent(t *testing.T) {
	testHome(t)
	ctx := context.Background()

	if err := runAgentsCreate(ctx, io.Discard, "", "first", "", "", "", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := runAgentsCreate(ctx, io.Discard, "", "second", "", "", "", nil); err != nil {
		t.Fatalf("second create: %v", err)
	}

	var out bytes.Buffer
	if err := runAgentsList(ctx, &out, "", ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "first") || !strings.Contains(out.String(), "second") {
		t.Errorf("list output = %q, want both agents", out.String())
	}
}

func TestAgentsConfigure_RejectsUnknownKey(t *testing.T) {
	testHome(t)
	ctx := context.Background()

	if err := runAgentsCreate(ctx, io.Discard, "", "coder", "", "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := runAgentsConfigure(ctx, io.Discard, "", "coder", "name", "other"); err == nil {
		t.Fatal("expected an error for a non-configurable key")
	}
}

func TestAgentsDestroy_UnknownAgent(t *testing.T) {
	testHome(t)
	if err := runAgentsDestroy(context.Background(), io.Discard, "", "ghost", false); err == nil {
		t.Fatal("expected an error for an unknown agent")
	}
}
