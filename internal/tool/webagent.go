package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const webAgentDescription = `Consult the WebAgent -- a senior-advisor subagent that can review, plan, and debug with read and bash access.

WHEN TO USE: code reviews and architecture feedback, tracking down a bug spanning multiple files,
planning complex implementations or refactors, analyzing code quality.

WHEN NOT TO USE: simple file reads or searches (use Read/Grep directly), broad codebase exploration
(use Explore or Task), or when you need to execute the change yourself (use Edit/Write/Bash directly).

Be specific about what the WebAgent should review, plan, or debug, and provide any files or context
that would help.`

// WebAgentTool is a fixed-subagent-type wrapper around the Task tool: it
// always dispatches to the "webagent" agent.
type WebAgentTool struct {
	executor TaskExecutor
}

// NewWebAgentTool creates a new webagent tool.
func NewWebAgentTool() *WebAgentTool {
	return &WebAgentTool{}
}

// SetExecutor sets the task executor.
func (t *WebAgentTool) SetExecutor(executor TaskExecutor) {
	t.executor = executor
}

func (t *WebAgentTool) ID() string          { return "WebAgent" }
func (t *WebAgentTool) Description() string { return webAgentDescription }

func (t *WebAgentTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {
				"type": "string",
				"description": "A short (3-5 word) description of the task"
			},
			"task": {
				"type": "string",
				"description": "The task or question to get guidance on. Be specific about what kind of review, plan, or debugging help is needed"
			},
			"context": {
				"type": "string",
				"description": "Optional context about the current situation or what's already been tried"
			},
			"files": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Optional file paths the WebAgent should examine as part of its analysis"
			}
		},
		"required": ["description", "task"]
	}`)
}

type webAgentArguments struct {
	Description string   `json:"description"`
	Task        string   `json:"task"`
	Context     string   `json:"context,omitempty"`
	Files       []string `json:"files,omitempty"`
}

func (t *WebAgentTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var args webAgentArguments
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if args.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if args.Task == "" {
		return nil, fmt.Errorf("task is required")
	}

	toolCtx.SetMetadata(args.Description, map[string]any{
		"subagent": "webagent",
		"status":   "starting",
	})

	var prompt strings.Builder
	if args.Context != "" {
		fmt.Fprintf(&prompt, "Context: %s\n\n", args.Context)
	}
	fmt.Fprintf(&prompt, "Task: %s\n", args.Task)
	if len(args.Files) > 0 {
		prompt.WriteString("\nRelated files to review:\n")
		for _, f := range args.Files {
			fmt.Fprintf(&prompt, "@%s\n", f)
		}
	}

	if t.executor == nil {
		return &Result{
			Title:  fmt.Sprintf("WebAgent: %s", args.Description),
			Output: fmt.Sprintf("[Subtask execution not configured]\n\n%s", prompt.String()),
			Metadata: map[string]any{
				"subagent": "webagent",
				"status":   "skipped",
			},
		}, nil
	}

	result, err := t.executor.ExecuteSubtask(ctx, toolCtx.SessionID, "webagent", prompt.String(), TaskOptions{
		Description: args.Description,
	})
	if err != nil {
		return &Result{
			Title:  fmt.Sprintf("WebAgent failed: %s", args.Description),
			Output: fmt.Sprintf("Error: %s", err.Error()),
			Metadata: map[string]any{
				"subagent": "webagent",
				"status":   "failed",
				"error":    err.Error(),
			},
		}, nil
	}

	metadata := map[string]any{
		"subagent": "webagent",
		"status":   "completed",
	}
	if result.SessionID != "" {
		metadata["sessionID"] = result.SessionID
	}

	return &Result{
		Title:    fmt.Sprintf("WebAgent consulted: %s", args.Description),
		Output:   result.Output,
		Metadata: metadata,
	}, nil
}
