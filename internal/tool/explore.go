package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

const exploreDescription = `Spin up a read-only exploration specialist to locate files, search code, and summarize findings.

Use this whenever you need broader repository context, structured file searches, or need to trace how
logic flows across multiple directories. The explore subagent can read files and run read-only search
commands but cannot edit anything.`

// ExploreTool is a fixed-subagent-type wrapper around the Task tool: it
// always dispatches to the "explore" agent rather than asking the caller
// to name a subagentType.
type ExploreTool struct {
	executor TaskExecutor
}

// NewExploreTool creates a new explore tool.
func NewExploreTool() *ExploreTool {
	return &ExploreTool{}
}

// SetExecutor sets the task executor.
func (t *ExploreTool) SetExecutor(executor TaskExecutor) {
	t.executor = executor
}

func (t *ExploreTool) ID() string          { return "Explore" }
func (t *ExploreTool) Description() string { return exploreDescription }

func (t *ExploreTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {
				"type": "string",
				"description": "Short (3-5 words) label for the exploration goal"
			},
			"prompt": {
				"type": "string",
				"description": "Full instructions describing what to search for and what to report back"
			},
			"thoroughness": {
				"type": "string",
				"enum": ["quick", "medium", "very thorough"],
				"description": "Controls how deep the subagent should search the repo"
			}
		},
		"required": ["description", "prompt"]
	}`)
}

// exploreArguments mirrors the schema above.
type exploreArguments struct {
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	Thoroughness string `json:"thoroughness,omitempty"`
}

func (t *ExploreTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var args exploreArguments
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if args.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if args.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	thoroughness := args.Thoroughness
	if thoroughness == "" {
		thoroughness = "medium"
	}

	toolCtx.SetMetadata(args.Description, map[string]any{
		"subagent": "explore",
		"status":   "starting",
	})

	if t.executor == nil {
		return &Result{
			Title:  fmt.Sprintf("Explore: %s", args.Description),
			Output: fmt.Sprintf("[Subtask execution not configured]\n\nPrompt: %s\nthoroughness: %s", args.Prompt, thoroughness),
			Metadata: map[string]any{
				"subagent": "explore",
				"status":   "skipped",
			},
		}, nil
	}

	prompt := args.Prompt + "\nthoroughness: " + thoroughness
	result, err := t.executor.ExecuteSubtask(ctx, toolCtx.SessionID, "explore", prompt, TaskOptions{
		Description: args.Description,
	})
	if err != nil {
		return &Result{
			Title:  fmt.Sprintf("Explore failed: %s", args.Description),
			Output: fmt.Sprintf("Error: %s", err.Error()),
			Metadata: map[string]any{
				"subagent": "explore",
				"status":   "failed",
				"error":    err.Error(),
			},
		}, nil
	}

	metadata := map[string]any{
		"subagent": "explore",
		"status":   "completed",
	}
	if result.SessionID != "" {
		metadata["sessionID"] = result.SessionID
	}

	return &Result{
		Title:    fmt.Sprintf("Explored: %s", args.Description),
		Output:   result.Output,
		Metadata: metadata,
	}, nil
}
