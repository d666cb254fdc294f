package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Errors surfaced by the file tools. The tool loop converts them into
// error results the model can react to.
var (
	ErrPathTraversal  = errors.New("path traversal")
	ErrStringNotFound = errors.New("string not found")
	ErrAmbiguousMatch = errors.New("ambiguous match")
	ErrBinaryFile     = errors.New("binary file")
	ErrFileNotFound   = errors.New("file not found")
)

// FileResult is the structured result returned by the file tools.
type FileResult struct {
	Path           string `json:"path"`
	Action         string `json:"action"`
	Success        bool   `json:"success"`
	ContentSnippet string `json:"content_snippet,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ResolveInWorkspace resolves relative inside workspace, rejecting any
// path whose real location escapes the workspace. Symlinks are resolved
// before the containment check so they cannot be used to break out.
func ResolveInWorkspace(workspace, relative string) (string, error) {
	wsReal, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %s: %w", workspace, err)
	}
	joined := filepath.Join(wsReal, relative)
	if filepath.IsAbs(relative) {
		// An absolute path stands on its own; the containment check below
		// still applies, so only absolute paths inside the workspace pass.
		joined = relative
	}
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", relative, err)
	}
	if resolved != wsReal && !strings.HasPrefix(resolved, wsReal+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q resolves outside workspace", ErrPathTraversal, relative)
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of
// path and rejoins the non-existent remainder, mirroring a non-strict
// realpath for targets that are about to be created.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for p := filepath.Clean(path); ; {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Clean(path), nil
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

// CreateFile creates or overwrites a file inside the workspace, making
// intermediate directories as needed.
func CreateFile(workspace, path, content string) (*FileResult, error) {
	resolved, err := ResolveInWorkspace(workspace, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &FileResult{Path: path, Action: "created", Success: true}, nil
}

const contextLines = 3

// StrReplace replaces exactly one occurrence of oldStr with newStr in a
// workspace file, preserving the file mode.
func StrReplace(workspace, path, oldStr, newStr string) (*FileResult, error) {
	resolved, err := ResolveInWorkspace(workspace, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(raw)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return nil, fmt.Errorf("%w in %s: %q", ErrStringNotFound, path, oldStr)
	}
	if count > 1 {
		return nil, fmt.Errorf("%w: string appears %d times in %s, must be unique", ErrAmbiguousMatch, count, path)
	}

	newContent := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(resolved, []byte(newContent), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &FileResult{
		Path:           path,
		Action:         "str_replace",
		Success:        true,
		ContentSnippet: contextAround(newContent, newStr),
	}, nil
}

// contextAround returns numbered lines around the first occurrence of
// target. When target spans lines or is empty, the first few lines are
// returned instead.
func contextAround(content, target string) string {
	lines := strings.Split(content, "\n")
	targetLine := -1
	for i, line := range lines {
		if strings.Contains(line, target) {
			targetLine = i
			break
		}
	}

	var start, end int
	if targetLine < 0 {
		start = 0
		end = min(len(lines), contextLines*2+1)
	} else {
		start = max(0, targetLine-contextLines)
		end = min(len(lines), targetLine+contextLines+1)
	}

	numbered := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		numbered = append(numbered, fmt.Sprintf("%d\t%s", i+1, lines[i]))
	}
	return strings.Join(numbered, "\n")
}

const binaryCheckSize = 8192

// View returns a file's contents with 1-based line numbers, or a sorted
// listing when path is a directory. Binary files are rejected based on a
// NUL byte in the first 8 KiB.
func View(workspace, path string, offset, limit int) (*FileResult, error) {
	resolved, err := ResolveInWorkspace(workspace, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}

	if info.IsDir() {
		listing, err := directoryListing(resolved)
		if err != nil {
			return nil, err
		}
		return &FileResult{
			Path:           path,
			Action:         "view",
			Success:        true,
			ContentSnippet: fmt.Sprintf("Directory listing of %s/:\n%s", path, listing),
		}, nil
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	checkLen := min(len(raw), binaryCheckSize)
	if bytes.IndexByte(raw[:checkLen], 0) >= 0 {
		return nil, fmt.Errorf("%w: %s appears to be binary", ErrBinaryFile, path)
	}

	var lines []string
	if len(raw) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	}

	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	numbered := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		numbered = append(numbered, fmt.Sprintf("%d\t%s", i+1, lines[i]))
	}

	return &FileResult{
		Path:           path,
		Action:         "view",
		Success:        true,
		ContentSnippet: strings.Join(numbered, "\n"),
	}, nil
}

func directoryListing(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func handleCreateFile(ctx context.Context, inv Invocation) (string, error) {
	result, err := CreateFile(inv.Exec.Workspace, stringArg(inv.Args, "path"), stringArg(inv.Args, "content"))
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleStrReplace(ctx context.Context, inv Invocation) (string, error) {
	result, err := StrReplace(inv.Exec.Workspace,
		stringArg(inv.Args, "path"), stringArg(inv.Args, "old_str"), stringArg(inv.Args, "new_str"))
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleView(ctx context.Context, inv Invocation) (string, error) {
	result, err := View(inv.Exec.Workspace, stringArg(inv.Args, "path"),
		intArg(inv.Args, "offset", 0), intArg(inv.Args, "limit", 0))
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}
