package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
)

const todoreadDescription = `Use this tool to read your todo list`

// TodoReadTool reads the current TodoList of the session bound to the call.
type TodoReadTool struct {
	workDir string
}

// NewTodoReadTool creates a new todoread tool.
func NewTodoReadTool(workDir string) *TodoReadTool {
	return &TodoReadTool{workDir: workDir}
}

func (t *TodoReadTool) ID() string          { return "todoread" }
func (t *TodoReadTool) Description() string { return todoreadDescription }

func (t *TodoReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {},
		"required": []
	}`)
}

func (t *TodoReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	if toolCtx.Session == nil {
		return nil, fmt.Errorf("todoread: no session bound to this call")
	}
	todos := toolCtx.Session.TodoSnapshot()

	nonCompleted := 0
	for _, todo := range todos {
		if todo.Status != "completed" {
			nonCompleted++
		}
	}

	output, _ := json.MarshalIndent(todos, "", "  ")
	return &Result{
		Title:  fmt.Sprintf("%d todos", nonCompleted),
		Output: string(output),
		Metadata: map[string]any{
			"todos": todos,
		},
	}, nil
}

func (t *TodoReadTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
