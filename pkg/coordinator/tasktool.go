package coordinator

import (
	"context"
	"fmt"

	"github.com/mariozechner/agentcore/pkg/entry"
	"github.com/mariozechner/agentcore/pkg/tool"
)

// TaskTool adapts a Coordinator to the tool interface: it is the single
// entry point a turn dispatches to in order to launch a sub-agent. Unlike
// bash/file/web-fetch, which embedders supply, the task tool is part of the
// Coordinator's own surface and so is implemented here.
type TaskTool struct {
	coord *Coordinator
}

// NewTaskTool wraps coord as a tool.Tool.
func NewTaskTool(coord *Coordinator) *TaskTool {
	return &TaskTool{coord: coord}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Launch a sub-agent to work on a self-contained task and return its final answer."
}

func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "description": "Short description of the task."},
			"prompt":      map[string]any{"type": "string", "description": "The full task prompt for the sub-agent."},
			"role":        map[string]any{"type": "string", "description": "Optional named subagent role/persona."},
			"engine":      map[string]any{"type": "string", "enum": []string{"internal", "codex", "claude", "kimi"}},
		},
		"required": []string{"description", "prompt"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, callID string, args map[string]any, abort *tool.AbortSignal, onUpdate tool.OnUpdate) (tool.Result, error) {
	opts := SubagentOpts{
		Description: stringArg(args, "description"),
		Prompt:      stringArg(args, "prompt"),
		Role:        stringArg(args, "role"),
		Engine:      Engine(stringArg(args, "engine")),
	}

	runCtx := ctx
	if abort != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-abort.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	answer, err := t.coord.RunSubagent(runCtx, opts)
	if err != nil {
		if abort != nil && abort.Aborted() {
			return tool.Result{Cancelled: true, IsError: true, Content: []entry.Content{entry.TextBlock("Operation aborted")}}, nil
		}
		return tool.Result{IsError: true, Content: []entry.Content{entry.TextBlock(fmt.Sprintf("task failed: %v", err))}}, nil
	}
	return tool.Result{Content: []entry.Content{entry.TextBlock(answer)}}, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
