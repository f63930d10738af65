// Package executor implements the Executor operation dispatcher (spec §4.1)
// and the Sub-Agent Supervisor (spec §4.7) it relies on to run Task/Explore
// tool calls as full child TaskExecutor invocations.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/coda-run/coda/internal/agent"
	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/provider"
	"github.com/coda-run/coda/internal/storage"
	"github.com/coda-run/coda/internal/task"
	"github.com/coda-run/coda/internal/tool"
	"github.com/coda-run/coda/internal/turn"
)

// Supervisor implements tool.TaskExecutor to run Task/Explore tool calls as
// a full child task.RunTask invocation (spec §4.7).
type Supervisor struct {
	eventLogs        *storage.EventLogStore
	providerRegistry *provider.Registry
	toolRegistry     *tool.Registry
	agentRegistry    *agent.Registry
	queue            *event.Queue
	workDir          string

	defaultProviderID string
	defaultModelID    string

	claimsMu sync.Mutex
	claims   map[string]bool // per-turn SubAgentResumeClaims (spec §4.7)

	modelsMu       sync.Mutex
	subAgentModels map[string]string // sub_agent_type -> model override (ChangeSubAgentModel)

	// configuredModels holds project-config defaults (types.Config.SubAgentModels),
	// consulted below subAgentModels and above the dispatcher default.
	configuredModels map[string]string
}

// SupervisorConfig configures a new Supervisor.
type SupervisorConfig struct {
	EventLogs         *storage.EventLogStore
	ProviderRegistry  *provider.Registry
	ToolRegistry      *tool.Registry
	AgentRegistry     *agent.Registry
	Queue             *event.Queue
	WorkDir           string
	DefaultProviderID string
	DefaultModelID    string
	// SubAgentModels seeds per-agent-type default model overrides from
	// project config (types.Config.SubAgentModels), overridable at runtime
	// via ChangeSubAgentModel/SetSubAgentModel.
	SubAgentModels map[string]string
}

// NewSupervisor builds a Supervisor ready to be installed via
// tool.Registry.SetTaskExecutor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	configured := make(map[string]string, len(cfg.SubAgentModels))
	for k, v := range cfg.SubAgentModels {
		configured[k] = v
	}
	return &Supervisor{
		eventLogs:         cfg.EventLogs,
		providerRegistry:  cfg.ProviderRegistry,
		toolRegistry:      cfg.ToolRegistry,
		agentRegistry:     cfg.AgentRegistry,
		queue:             cfg.Queue,
		workDir:           cfg.WorkDir,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
		claims:            make(map[string]bool),
		subAgentModels:    make(map[string]string),
		configuredModels:  configured,
	}
}

// SetSubAgentModel records a model override for one parent session's binding
// of a sub-agent type, consulted by resolveModel ahead of the agent's own
// configured model (spec §4.1 ChangeSubAgentModel{session_id, sub_agent_type,
// model_name?}, §4.7 "explicit config -> fall back to the main model").
func (s *Supervisor) SetSubAgentModel(parentSessionID, subAgentType, modelID string) {
	key := parentSessionID + "|" + subAgentType
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()
	if modelID == "" {
		delete(s.subAgentModels, key)
		return
	}
	s.subAgentModels[key] = modelID
}

// ExecuteSubtask implements tool.TaskExecutor. It claims (or fails to claim)
// a resumable child session, builds the child's scoped tool set, runs it to
// completion through task.RunTask, and returns the rolled-up result.
func (s *Supervisor) ExecuteSubtask(
	ctx context.Context,
	parentSessionID string,
	agentName string,
	prompt string,
	opts tool.TaskOptions,
) (*tool.TaskResult, error) {
	agentConfig, err := s.agentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("executor: agent not found: %s: %w", agentName, err)
	}
	if !agentConfig.IsSubagent() {
		return nil, fmt.Errorf("executor: agent %s cannot be used as subagent (mode: %s)", agentName, agentConfig.Mode)
	}

	childSessionID := opts.ResumeFrom
	resuming := childSessionID != ""
	if resuming {
		if !s.claimResume(childSessionID) {
			return &tool.TaskResult{
				SessionID: childSessionID,
				Error:     fmt.Sprintf("session %s is already claimed by another concurrent resume this turn", childSessionID),
			}, nil
		}
		defer s.releaseResume(childSessionID)
	} else {
		childSessionID = ulid.Make().String()
	}

	childSession, err := s.loadOrCreateChild(childSessionID, parentSessionID, resuming)
	if err != nil {
		return nil, fmt.Errorf("executor: child session: %w", err)
	}
	var childLog *storage.EventLog
	if s.eventLogs != nil {
		childLog = s.eventLogs.Open(hashDirectory(s.workDir), childSessionID)
		childSession.OnAppend = func(events []history.Event) {
			childLog.Append(events...)
		}
	}

	providerID, modelID := s.resolveModel(parentSessionID, agentName, opts.Model)
	prov, err := s.providerRegistry.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("executor: resolve provider %s: %w", providerID, err)
	}

	childRegistry, err := s.buildChildRegistry(agentConfig, opts.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("executor: build child tool set: %w", err)
	}
	childRunner := tool.NewRunner(childRegistry, s.workDir)

	prompt = withReportBackInstructions(prompt, opts.OutputFormat)
	childSession.Append(nowMS(), history.NewUserMessage([]history.Part{history.TextPart(prompt)}))

	startIndex := childSession.Len() - 1

	params := task.Params{
		SessionID: childSessionID,
		Session:   childSession,
		Queue:     s.queue,
		Turn: turn.Params{
			SessionID: childSessionID,
			Provider:  prov,
			ModelID:   modelID,
			Tools:     turn.ToolInfosFiltered(childRegistry, nil),
			Runner:    childRunner,
			Queue:     s.queue,
			ToolBase: &tool.Context{
				SessionID: childSessionID,
				Agent:     agentName,
				WorkDir:   s.workDir,
				AbortCh:   ctxAbortCh(ctx),
				Session:   childSession,
			},
		},
	}

	res := task.RunTask(ctx, task.Input{}, params)
	if childLog != nil {
		childLog.WaitForFlush()
	}

	output, hasStructured := extractOutput(childSession, startIndex, opts.OutputFormat)

	result := &tool.TaskResult{
		Output:              output,
		SessionID:           childSessionID,
		AgentID:             agentName,
		HasStructuredOutput: hasStructured,
		Metadata: map[string]any{
			"task_metadata": &res.Metadata.MainAgent,
		},
	}
	if res.State == task.StateFailed {
		result.Error = "subtask failed"
	}
	return result, nil
}

// claimResume arbitrates the per-turn SubAgentResumeClaims set: at most one
// caller may claim a given session id for resumption at a time (spec §4.7).
func (s *Supervisor) claimResume(sessionID string) bool {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	if s.claims[sessionID] {
		return false
	}
	s.claims[sessionID] = true
	return true
}

func (s *Supervisor) releaseResume(sessionID string) {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	delete(s.claims, sessionID)
}

func (s *Supervisor) loadOrCreateChild(childSessionID, parentSessionID string, resuming bool) (*history.Session, error) {
	if !resuming || s.eventLogs == nil {
		sess := history.NewSession(childSessionID, s.workDir)
		sess.ParentID = parentSessionID
		return sess, nil
	}

	projectKey := hashDirectory(s.workDir)
	path := s.eventLogs.PathFor(projectKey, childSessionID)
	sess, err := storage.Load(path, childSessionID, s.workDir, true)
	if err != nil {
		return nil, err
	}
	sess.ParentID = parentSessionID
	return sess, nil
}

// resolveModel applies spec §4.7's "explicit config -> fall back to the main
// model" rule: an explicit per-call override wins, else an agent-type-specific
// override set via ChangeSubAgentModel, else the project-config default for
// the agent type, else the supervisor's own default.
func (s *Supervisor) resolveModel(parentSessionID, agentName, callOverride string) (providerID, modelID string) {
	providerID = s.defaultProviderID
	modelID = s.defaultModelID

	if configured, ok := s.configuredModels[agentName]; ok {
		modelID = configured
	}

	s.modelsMu.Lock()
	override, ok := s.subAgentModels[parentSessionID+"|"+agentName]
	s.modelsMu.Unlock()
	if ok {
		modelID = override
	}

	if literal, ok := literalModelID(callOverride); ok {
		modelID = literal
	} else if callOverride != "" {
		modelID = callOverride
	}
	return providerID, modelID
}

// literalModelID maps the three short model names the UI and Task tool
// accept (spec §4.7 "model: sonnet|opus|haiku") onto concrete model ids.
func literalModelID(name string) (string, bool) {
	switch name {
	case "sonnet":
		return "claude-sonnet-4-20250514", true
	case "opus":
		return "claude-opus-4-20250514", true
	case "haiku":
		return "claude-haiku-3-20240307", true
	default:
		return "", false
	}
}

// buildChildRegistry constructs an ephemeral tool.Registry scoped to this
// call: the parent's tools filtered by the agent's enabled/disabled list,
// plus — when the call specifies a structured output_format — a synthetic
// ReportBack tool carrying that JSON schema (spec §4.7). A fresh registry
// per call (rather than registering ReportBack into the shared registry)
// avoids two concurrent structured-output calls racing on the same tool id.
func (s *Supervisor) buildChildRegistry(agentConfig *agent.Agent, outputFormat json.RawMessage) (*tool.Registry, error) {
	reg := tool.NewRegistry(s.workDir, s.toolRegistry.Storage())
	for _, t := range s.toolRegistry.List() {
		if t.ID() == "Task" {
			continue // sub-agents don't recurse into further Task launches
		}
		if !agentConfig.ToolEnabled(t.ID()) {
			continue
		}
		reg.Register(t)
	}

	if len(outputFormat) > 0 {
		reg.Register(tool.NewBaseTool(
			"ReportBack",
			"Call this exactly once to report your final structured result and end the task.",
			outputFormat,
			func(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
				return &tool.Result{Title: "Reported back", Output: string(input)}, nil
			},
		))
	}
	return reg, nil
}

// withReportBackInstructions appends the spec §4.7 instruction telling the
// child to end by calling ReportBack when structured output was requested.
func withReportBackInstructions(prompt string, outputFormat []byte) string {
	if len(outputFormat) == 0 {
		return prompt
	}
	return prompt + "\n\nWhen you have your final answer, call the ReportBack tool exactly once with your result matching the required schema, then stop."
}

// extractOutput returns the subtask's reported output: the ReportBack
// tool's arguments if one was called, otherwise the concatenated text of
// the last assistant message.
func extractOutput(session *history.Session, startIndex int, outputFormat []byte) (output string, hasStructured bool) {
	snap := session.Snapshot()
	var lastAssistantText string

	for i := startIndex; i < len(snap); i++ {
		e := snap[i]
		switch e.Kind {
		case history.KindToolResult:
			if e.ToolName == "ReportBack" {
				output = e.ToolOutputText
				hasStructured = true
			}
		case history.KindAssistantMessage:
			var text string
			for _, p := range e.AssistantParts {
				if p.Kind == history.PartText {
					text += p.Text
				}
			}
			if text != "" {
				lastAssistantText = text
			}
		}
	}

	if hasStructured {
		return output, true
	}
	if len(outputFormat) > 0 {
		// Structured output was requested but the child never called
		// ReportBack; fall back to its last text rather than an empty result.
		return lastAssistantText, false
	}
	return lastAssistantText, false
}

func ctxAbortCh(ctx context.Context) <-chan struct{} {
	return ctx.Done()
}

func hashDirectory(directory string) string {
	sum := sha256.Sum256([]byte(directory))
	return hex.EncodeToString(sum[:])[:16]
}

var nowMS = func() int64 { return time.Now().UnixMilli() }
