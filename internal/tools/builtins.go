package tools

import "encoding/json"

// DefaultRegistry builds a registry with the builtin tool surface. The
// claude_code tool is included only when the claude CLI is installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, def := range builtinDefinitions() {
		r.MustRegister(def)
	}
	if ClaudeCodeAvailable() {
		r.MustRegister(claudeCodeDefinition())
	}
	return r
}

func claudeCodeDefinition() *Definition {
	return &Definition{
		Name: "claude_code",
		Description: "Delegate a coding task to Claude Code. It runs in the agent " +
			"workspace with its own editing and bash tools, does the work, and " +
			"reports back. Use for multi-file edits, refactors, and builds.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {
					"type": "string",
					"description": "Natural language description of the coding task"
				}
			},
			"required": ["task"]
		}`),
		Handler: handleClaudeCode,
	}
}

func builtinDefinitions() []*Definition {
	return []*Definition{
		{
			Name: "create_file",
			Description: "Create or overwrite a file in the agent workspace. " +
				"Intermediate directories are created automatically.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {
						"type": "string",
						"description": "Relative path within the workspace"
					},
					"content": {
						"type": "string",
						"description": "File content (UTF-8)"
					}
				},
				"required": ["path", "content"]
			}`),
			Handler: handleCreateFile,
		},
		{
			Name: "str_replace",
			Description: "Replace exactly one occurrence of a string in a file. " +
				"Fails if the string is not found or appears more than once.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {
						"type": "string",
						"description": "Relative path within the workspace"
					},
					"old_str": {
						"type": "string",
						"description": "Exact string to find (must be unique)"
					},
					"new_str": {
						"type": "string",
						"description": "Replacement string"
					}
				},
				"required": ["path", "old_str", "new_str"]
			}`),
			Handler: handleStrReplace,
		},
		{
			Name: "view",
			Description: "View a file's contents with line numbers. " +
				"Supports optional offset and limit for large files.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {
						"type": "string",
						"description": "Relative path within the workspace"
					},
					"offset": {
						"type": "integer",
						"description": "1-based line number to start from"
					},
					"limit": {
						"type": "integer",
						"description": "Number of lines to return"
					}
				},
				"required": ["path"]
			}`),
			Handler: handleView,
		},
		{
			Name: "bash",
			Description: "Run a shell command in the agent workspace. Output is " +
				"captured and truncated to the last 50000 characters per stream.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {
						"type": "string",
						"description": "Shell command to execute"
					},
					"timeout": {
						"type": "integer",
						"description": "Timeout in seconds (default 120)"
					}
				},
				"required": ["command"]
			}`),
			Handler: handleBash,
		},
		{
			Name:        "git_init",
			Description: "Initialize a git repository in the workspace and set the agent's committer identity.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"required": []
			}`),
			Handler: handleGitInit,
		},
		{
			Name: "git_commit",
			Description: "Stage files and create a commit. With no files given, " +
				"all changes are staged.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {
						"type": "string",
						"description": "Commit message"
					},
					"files": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Specific files to stage (default: all changes)"
					}
				},
				"required": ["message"]
			}`),
			Handler: handleGitCommit,
		},
		{
			Name:        "git_push",
			Description: "Push a branch to a remote.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"remote": {
						"type": "string",
						"description": "Remote name (default: origin)"
					},
					"branch": {
						"type": "string",
						"description": "Branch to push"
					}
				},
				"required": ["branch"]
			}`),
			Handler: handleGitPush,
		},
		{
			Name:        "git_branch",
			Description: "List branches, or create or delete the named branch.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"branch_name": {
						"type": "string",
						"description": "Branch to create or delete (omit to list)"
					},
					"delete": {
						"type": "boolean",
						"description": "Delete the named branch"
					}
				},
				"required": []
			}`),
			Handler: handleGitBranch,
		},
		{
			Name:        "git_checkout",
			Description: "Checkout a branch, tag, or commit.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"ref": {
						"type": "string",
						"description": "Branch, tag, or commit to checkout"
					},
					"create": {
						"type": "boolean",
						"description": "Create the branch first (-b)"
					}
				},
				"required": ["ref"]
			}`),
			Handler: handleGitCheckout,
		},
		{
			Name:        "git_diff",
			Description: "Show the working tree diff, or the diff against one or between two refs.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"ref1": {
						"type": "string",
						"description": "First ref (omit for working tree vs HEAD)"
					},
					"ref2": {
						"type": "string",
						"description": "Second ref"
					}
				},
				"required": []
			}`),
			Handler: handleGitDiff,
		},
		{
			Name:        "git_log",
			Description: "Show the commit log.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"count": {
						"type": "integer",
						"description": "Number of commits to show (default 20)"
					},
					"oneline": {
						"type": "boolean",
						"description": "Compact one-line format"
					}
				},
				"required": []
			}`),
			Handler: handleGitLog,
		},
		{
			Name: "git_merge_request",
			Description: "Create a pull or merge request on the repository's forge. " +
				"Uses gh for GitHub and glab for GitLab, detected from the origin remote.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {
						"type": "string",
						"description": "Title of the request"
					},
					"description": {
						"type": "string",
						"description": "Body text of the request"
					},
					"source_branch": {
						"type": "string",
						"description": "Branch with the changes"
					},
					"target_branch": {
						"type": "string",
						"description": "Branch to merge into"
					}
				},
				"required": ["title", "description", "source_branch", "target_branch"]
			}`),
			Handler: handleGitMergeRequest,
		},
		{
			Name: "run_concurrent",
			Description: "Start a process that runs alongside this branch. Describe in " +
				"instructions what should happen when it produces output or exits; " +
				"callbacks are built from that description.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {
						"type": "string",
						"description": "Shell command to execute"
					},
					"instructions": {
						"type": "string",
						"description": "What to do when the process produces output or exits"
					}
				},
				"required": ["command"]
			}`),
			Handler: handleRunConcurrent,
		},
		{
			Name: "run_background",
			Description: "Start a process that keeps running after this branch ends. " +
				"Callbacks built from instructions spawn new branches when they fire.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {
						"type": "string",
						"description": "Shell command to execute"
					},
					"instructions": {
						"type": "string",
						"description": "What to do when the process produces output or exits"
					},
					"model": {
						"type": "string",
						"description": "Model override for branches spawned by callbacks"
					}
				},
				"required": ["command"]
			}`),
			Handler: handleRunBackground,
		},
		{
			Name:        "list_processes",
			Description: "List this agent's tracked processes with status and exit codes.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"required": []
			}`),
			Handler: handleListProcesses,
		},
		{
			Name:        "kill_process",
			Description: "Stop a tracked process. SIGTERM first, SIGKILL after a grace period.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pid": {
						"type": "integer",
						"description": "PID of the tracked process"
					}
				},
				"required": ["pid"]
			}`),
			Handler: handleKillProcess,
		},
		{
			Name: "add_process_callbacks",
			Description: "Attach additional callbacks to a running tracked process, " +
				"built from natural language instructions.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pid": {
						"type": "integer",
						"description": "PID of the tracked process"
					},
					"instructions": {
						"type": "string",
						"description": "What to do when the process produces output or exits"
					}
				},
				"required": ["pid", "instructions"]
			}`),
			Handler: handleAddProcessCallbacks,
		},
		{
			Name:        "self_edit_system_prompt",
			Description: "Replace this agent's system prompt. Takes effect on the next branch.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"new_prompt": {
						"type": "string",
						"description": "The new system prompt"
					}
				},
				"required": ["new_prompt"]
			}`),
			Handler: handleSelfEditSystemPrompt,
		},
		{
			Name: "self_edit_docs",
			Description: "Create or update a markdown file in this agent's docs/ " +
				"directory. Docs are included in the system prompt of every branch.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {
						"type": "string",
						"description": "Relative path within docs/"
					},
					"content": {
						"type": "string",
						"description": "File content (UTF-8)"
					}
				},
				"required": ["path", "content"]
			}`),
			Handler: handleSelfEditDocs,
		},
		{
			Name: "self_edit_permissions",
			Description: "Switch this agent to a named permission preset. " +
				"Setting 'open' requires an admin.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"profile": {
						"type": "string",
						"description": "Preset name: open, standard, guarded, or locked"
					}
				},
				"required": ["profile"]
			}`),
			Handler: handleSelfEditPermissions,
		},
		{
			Name: "self_edit_model",
			Description: "Change this agent's model. Short names like 'haiku' are " +
				"resolved against the available-model cache.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"model": {
						"type": "string",
						"description": "Model ID or short name"
					}
				},
				"required": ["model"]
			}`),
			Handler: handleSelfEditModel,
		},
		{
			Name:        "self_edit_web_search",
			Description: "Enable or disable provider-side web search for this agent.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"enabled": {
						"type": "boolean",
						"description": "Whether web search is enabled"
					}
				},
				"required": ["enabled"]
			}`),
			Handler: handleSelfEditWebSearch,
		},
		{
			Name: "send_to_agent",
			Description: "Send a fire-and-forget message to another agent. The target " +
				"handles it as a new branch under its own permissions.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"target_agent": {
						"type": "string",
						"description": "Name of the agent to message"
					},
					"message": {
						"type": "string",
						"description": "Message text"
					}
				},
				"required": ["target_agent", "message"]
			}`),
			Handler: handleSendToAgent,
		},
		{
			Name:        "read_agent_docs",
			Description: "Read all markdown files from another agent's docs/ directory.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"target_agent": {
						"type": "string",
						"description": "Name of the agent whose docs to read"
					}
				},
				"required": ["target_agent"]
			}`),
			Handler: handleReadAgentDocs,
		},
		{
			Name:        "list_agents",
			Description: "List the other agents with their models and descriptions.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"required": []
			}`),
			Handler: handleListAgents,
		},
		{
			Name:        "list_models",
			Description: "List the models available from validated provider keys.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"required": []
			}`),
			Handler: handleListModels,
		},
		{
			Name:        "agent_info",
			Description: "Show this agent's configuration: model, permissions, web search, workspace.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"required": []
			}`),
			Handler: handleAgentInfo,
		},
		{
			Name:        "branch_status",
			Description: "Show the status of this agent's execution branches.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"required": []
			}`),
			Handler: handleBranchStatus,
		},
	}
}
