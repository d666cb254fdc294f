package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/chorus/internal/permissions"
)

// Errors surfaced by the git tools.
var (
	ErrNoOriginRemote   = errors.New("no origin remote configured")
	ErrUnsupportedForge = errors.New("unsupported forge")
)

// GitResult is the structured result of a git operation.
type GitResult struct {
	Operation  string `json:"operation"`
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// openProfile is used for the inner bash invocations of git operations.
// The git-level permission check has already run by then; checking the
// raw "git ..." command string again would double-prompt.
var openProfile = mustPreset("open")

func mustPreset(name string) *permissions.Profile {
	p, err := permissions.Preset(name)
	if err != nil {
		panic(err)
	}
	return p
}

var commitHashRe = regexp.MustCompile(`\[[\w/.-]+\s+([0-9a-f]{7,40})\]`)

var safeShellRe = regexp.MustCompile(`^[a-zA-Z0-9@%+=:,./_-]+$`)

// shellQuote returns s quoted for POSIX sh, single-quote style.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// GitOptions carry the host-execution knobs shared by all git operations.
type GitOptions struct {
	HostExecution bool
	ScopePath     string
	AgentName     string
}

const gitTimeout = 60 * time.Second

// runGit executes "git <args>" after checking tool:git:<operation> <args>
// against the profile.
func runGit(ctx context.Context, workspace, args string, profile *permissions.Profile, operation string, opts GitOptions) (*GitResult, error) {
	action := permissions.FormatAction("git", strings.TrimSpace(operation+" "+args))
	switch profile.Check(action) {
	case permissions.Deny:
		return nil, fmt.Errorf("%w: %s", ErrCommandDenied, action)
	case permissions.Ask:
		return nil, &NeedsApprovalError{Command: "git " + args, Action: action}
	}

	result, err := ExecuteBash(ctx, "git "+args, workspace, openProfile, &BashOptions{
		Timeout:       gitTimeout,
		AgentName:     opts.AgentName,
		HostExecution: opts.HostExecution,
		ScopePath:     opts.ScopePath,
	})
	if err != nil {
		return nil, err
	}

	return &GitResult{
		Operation: operation,
		Success:   result.ExitCode != nil && *result.ExitCode == 0,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
	}, nil
}

// GitInit initializes a repository in the workspace and sets the agent's
// committer identity.
func GitInit(ctx context.Context, workspace, agentName string, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	result, err := runGit(ctx, workspace, "init", profile, "init", opts)
	if err != nil || !result.Success {
		return result, err
	}
	if _, err := runGit(ctx, workspace, "config user.name "+shellQuote(agentName), profile, "config", opts); err != nil {
		return nil, err
	}
	if _, err := runGit(ctx, workspace, "config user.email "+shellQuote(agentName+"@chorus.local"), profile, "config", opts); err != nil {
		return nil, err
	}
	return result, nil
}

// GitCommit stages files and commits. With no files, everything is
// staged via "git add -A". The commit hash is extracted on success.
func GitCommit(ctx context.Context, workspace, message string, profile *permissions.Profile, files []string, opts GitOptions) (*GitResult, error) {
	if len(files) > 0 {
		for _, f := range files {
			if _, err := runGit(ctx, workspace, "add "+shellQuote(f), profile, "add", opts); err != nil {
				return nil, err
			}
		}
	} else {
		if _, err := runGit(ctx, workspace, "add -A", profile, "add", opts); err != nil {
			return nil, err
		}
	}

	result, err := runGit(ctx, workspace, "commit -m "+shellQuote(message), profile, "commit", opts)
	if err != nil {
		return nil, err
	}
	if result.Success {
		if m := commitHashRe.FindStringSubmatch(result.Stdout); m != nil {
			result.CommitHash = m[1]
		}
	}
	return result, nil
}

// GitPush pushes a branch to a remote.
func GitPush(ctx context.Context, workspace, remote, branch string, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	return runGit(ctx, workspace, "push "+shellQuote(remote)+" "+shellQuote(branch), profile, "push", opts)
}

// GitBranch lists branches, or creates/deletes the named branch.
func GitBranch(ctx context.Context, workspace, branchName string, del bool, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	if branchName == "" {
		return runGit(ctx, workspace, "branch", profile, "branch", opts)
	}
	if del {
		return runGit(ctx, workspace, "branch -d "+shellQuote(branchName), profile, "branch", opts)
	}
	return runGit(ctx, workspace, "branch "+shellQuote(branchName), profile, "branch", opts)
}

// GitCheckout checks out a branch, tag, or commit.
func GitCheckout(ctx context.Context, workspace, ref string, create bool, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	flag := ""
	if create {
		flag = "-b "
	}
	return runGit(ctx, workspace, "checkout "+flag+shellQuote(ref), profile, "checkout", opts)
}

// GitDiff shows the working tree diff, or the diff against one or
// between two refs.
func GitDiff(ctx context.Context, workspace, ref1, ref2 string, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	var args string
	switch {
	case ref1 != "" && ref2 != "":
		args = "diff " + shellQuote(ref1) + " " + shellQuote(ref2)
	case ref1 != "":
		args = "diff " + shellQuote(ref1)
	default:
		args = "diff"
	}
	return runGit(ctx, workspace, args, profile, "diff", opts)
}

// GitLog shows the commit log.
func GitLog(ctx context.Context, workspace string, count int, oneline bool, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	if count <= 0 {
		count = 20
	}
	args := "log -n " + strconv.Itoa(count)
	if oneline {
		args += " --oneline"
	}
	return runGit(ctx, workspace, args, profile, "log", opts)
}

// detectForge inspects the origin remote URL and returns "github" or
// "gitlab".
func detectForge(ctx context.Context, workspace string, opts GitOptions) (string, error) {
	result, err := ExecuteBash(ctx, "git remote get-url origin", workspace, openProfile, &BashOptions{
		Timeout:       10 * time.Second,
		AgentName:     opts.AgentName,
		HostExecution: opts.HostExecution,
		ScopePath:     opts.ScopePath,
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s", ErrNoOriginRemote, strings.TrimSpace(result.Stderr))
	}

	url := strings.TrimSpace(result.Stdout)
	switch {
	case strings.Contains(url, "github.com"):
		return "github", nil
	case strings.Contains(url, "gitlab"):
		return "gitlab", nil
	}
	return "", fmt.Errorf("%w: remote URL %s", ErrUnsupportedForge, url)
}

// GitMergeRequest creates a pull/merge request via the forge CLI: gh for
// GitHub, glab for GitLab.
func GitMergeRequest(ctx context.Context, workspace, title, description, sourceBranch, targetBranch string, profile *permissions.Profile, opts GitOptions) (*GitResult, error) {
	action := permissions.FormatAction("git", fmt.Sprintf("merge_request %s -> %s", sourceBranch, targetBranch))
	switch profile.Check(action) {
	case permissions.Deny:
		return nil, fmt.Errorf("%w: %s", ErrCommandDenied, action)
	case permissions.Ask:
		return nil, &NeedsApprovalError{
			Command: fmt.Sprintf("merge_request %s -> %s", sourceBranch, targetBranch),
			Action:  action,
		}
	}

	forge, err := detectForge(ctx, workspace, opts)
	if err != nil {
		return nil, err
	}

	var cmd string
	if forge == "github" {
		cmd = fmt.Sprintf("gh pr create --title %s --body %s --head %s --base %s",
			shellQuote(title), shellQuote(description), shellQuote(sourceBranch), shellQuote(targetBranch))
	} else {
		cmd = fmt.Sprintf("glab mr create --title %s --description %s --source-branch %s --target-branch %s",
			shellQuote(title), shellQuote(description), shellQuote(sourceBranch), shellQuote(targetBranch))
	}

	result, err := ExecuteBash(ctx, cmd, workspace, openProfile, &BashOptions{
		Timeout:       30 * time.Second,
		AgentName:     opts.AgentName,
		HostExecution: opts.HostExecution,
		ScopePath:     opts.ScopePath,
	})
	if err != nil {
		return nil, err
	}

	return &GitResult{
		Operation: "merge_request",
		Success:   result.ExitCode != nil && *result.ExitCode == 0,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
	}, nil
}

// Registered git handlers run with the open profile for the same reason
// as handleBash: the dispatch layer has already gated the call.

func (e ExecContext) gitOptions() GitOptions {
	return GitOptions{
		HostExecution: e.HostExecution,
		ScopePath:     e.ScopePath,
		AgentName:     e.AgentName,
	}
}

func handleGitInit(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitInit(ctx, inv.Exec.Workspace, inv.Exec.AgentName, openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitCommit(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitCommit(ctx, inv.Exec.Workspace, stringArg(inv.Args, "message"), openProfile,
		stringSliceArg(inv.Args, "files"), inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitPush(ctx context.Context, inv Invocation) (string, error) {
	remote := stringArg(inv.Args, "remote")
	if remote == "" {
		remote = "origin"
	}
	result, err := GitPush(ctx, inv.Exec.Workspace, remote, stringArg(inv.Args, "branch"), openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitBranch(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitBranch(ctx, inv.Exec.Workspace, stringArg(inv.Args, "branch_name"),
		boolArg(inv.Args, "delete"), openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitCheckout(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitCheckout(ctx, inv.Exec.Workspace, stringArg(inv.Args, "ref"),
		boolArg(inv.Args, "create"), openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitDiff(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitDiff(ctx, inv.Exec.Workspace, stringArg(inv.Args, "ref1"),
		stringArg(inv.Args, "ref2"), openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitLog(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitLog(ctx, inv.Exec.Workspace, intArg(inv.Args, "count", 20),
		boolArg(inv.Args, "oneline"), openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleGitMergeRequest(ctx context.Context, inv Invocation) (string, error) {
	result, err := GitMergeRequest(ctx, inv.Exec.Workspace,
		stringArg(inv.Args, "title"), stringArg(inv.Args, "description"),
		stringArg(inv.Args, "source_branch"), stringArg(inv.Args, "target_branch"),
		openProfile, inv.Exec.gitOptions())
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}
