package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/coda-run/coda/internal/agent"
	"github.com/coda-run/coda/internal/config"
	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/executor"
	"github.com/coda-run/coda/internal/mcp"
	"github.com/coda-run/coda/internal/permission"
	"github.com/coda-run/coda/internal/provider"
	"github.com/coda-run/coda/internal/storage"
	"github.com/coda-run/coda/internal/task"
	"github.com/coda-run/coda/internal/tool"
	"github.com/coda-run/coda/pkg/types"
)

// Runner executes prompts in headless mode.
type Runner struct {
	config    *Config
	appConfig *types.Config
	printer   *Printer
	storage   *storage.Storage

	providerReg *provider.Registry
	toolReg     *tool.Registry
	agentReg    *agent.Registry
	mcpClient   *mcp.Client
	dispatcher  *executor.Dispatcher

	defaultProviderID string
	defaultModelID    string
	agentName         string
}

// NewRunner creates a new headless runner.
func NewRunner(cfg *Config) *Runner {
	return &Runner{
		config: cfg,
	}
}

// Run executes the headless session and returns the result.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	// Create printer for output
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)

	// Initialize all components
	if err := r.initialize(ctx); err != nil {
		r.printer.SetResult("error", ExitError, "", err)
		return r.printer.GetResult(), err
	}

	// Clean up MCP client on exit
	if r.mcpClient != nil {
		defer r.mcpClient.Close()
	}

	// Get or build the prompt
	prompt, err := r.getPrompt()
	if err != nil {
		r.printer.SetResult("error", ExitInvalidInput, "", err)
		return r.printer.GetResult(), err
	}

	if prompt == "" {
		err := errors.New("prompt is required")
		r.printer.SetResult("error", ExitInvalidInput, "", err)
		return r.printer.GetResult(), err
	}

	// Create or continue session bookkeeping, then hand the session id to
	// the dispatcher (it owns the actual event-sourced history).
	requestedID, err := r.getOrCreateSession(ctx)
	if err != nil {
		r.printer.SetResult("error", ExitSessionNotFound, "", err)
		return r.printer.GetResult(), err
	}
	sessionID, err := r.dispatcher.InitAgent(requestedID)
	if err != nil {
		r.printer.SetResult("error", ExitError, "", err)
		return r.printer.GetResult(), err
	}
	r.dispatcher.Queue().Drain() // discard replayed history; headless only reports the new turn
	r.printer.SetSessionID(sessionID)

	// Set model info
	r.printer.SetModel(fmt.Sprintf("%s/%s", r.defaultProviderID, r.defaultModelID))

	if err := r.dispatcher.RunAgent(sessionID, task.Input{Text: prompt}); err != nil {
		r.printer.SetResult("error", ExitError, "", err)
		return r.printer.GetResult(), err
	}

	if r.config.Timeout > 0 {
		timer := time.AfterFunc(r.config.Timeout, func() { r.dispatcher.Interrupt(sessionID) })
		defer timer.Stop()
	}

	taskErr, isPartial := r.drainUntilFinish(sessionID)
	r.dispatcher.End(5 * time.Second)

	result := r.printer.GetResult()
	finalMessage := result.FinalMessage

	// Engine errors arrive on the queue as a flattened string (EngineError
	// carries ErrorMessage only), so a permission rejection can no longer
	// be distinguished from any other turn failure here; both report as
	// a plain error rather than the former "permission_denied" status.
	switch {
	case taskErr != nil:
		r.printer.SetResult("error", ExitError, finalMessage, taskErr)
	case isPartial:
		r.printer.SetResult("timeout", ExitTimeout, finalMessage, errors.New("task ended before completion"))
	default:
		r.printer.SetResult("success", ExitSuccess, finalMessage, nil)
	}

	// Print final result if JSON format
	r.printer.PrintFinalResult()

	return r.printer.GetResult(), r.resultError(taskErr, isPartial)
}

// drainUntilFinish feeds every engine event for sessionID to the printer
// until the run's EngineTaskFinish event arrives or the queue closes.
func (r *Runner) drainUntilFinish(sessionID string) (taskErr error, isPartial bool) {
	for {
		events := r.dispatcher.Queue().Drain()
		if events == nil {
			return taskErr, isPartial
		}
		for _, e := range events {
			if e.SessionID != sessionID {
				continue
			}
			r.printer.HandleEngineEvent(e)
			switch e.Kind {
			case event.EngineError:
				taskErr = errors.New(e.ErrorMessage)
			case event.EngineTaskFinish:
				isPartial = e.IsPartial
				return taskErr, isPartial
			}
		}
	}
}

func (r *Runner) resultError(taskErr error, isPartial bool) error {
	if taskErr != nil {
		return taskErr
	}
	if isPartial {
		return context.DeadlineExceeded
	}
	return nil
}

// initialize sets up all required components.
func (r *Runner) initialize(ctx context.Context) error {
	// Ensure paths exist
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("failed to ensure paths: %w", err)
	}

	// Load configuration
	appConfig, err := config.Load(r.config.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	r.appConfig = appConfig

	// Override model if specified
	if r.config.Model != "" {
		r.appConfig.Model = r.config.Model
	}

	// Parse default provider and model
	r.parseModel()

	// Initialize storage
	if r.config.NoSave {
		// Use ephemeral storage (memory-based or temp directory)
		tempDir, err := os.MkdirTemp("", "opencode-headless-*")
		if err != nil {
			return fmt.Errorf("failed to create temp storage: %w", err)
		}
		r.storage = storage.New(tempDir)
	} else {
		r.storage = storage.New(paths.StoragePath())
	}

	// Initialize providers
	providerReg, err := provider.InitializeProviders(ctx, r.appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	r.providerReg = providerReg

	// Initialize tool registry
	r.toolReg = tool.DefaultRegistry(r.config.WorkDir, r.storage)

	// Initialize agent registry
	r.agentReg = agent.NewRegistry()
	r.toolReg.RegisterTaskTool(r.agentReg)

	// A custom system prompt replaces the selected agent's prompt for this
	// run only; the agent's tools/permissions/model stay as configured.
	if r.config.SystemPrompt != "" {
		name := r.config.Agent
		if name == "" {
			name = "build"
		}
		if base, err := r.agentReg.Get(name); err == nil {
			if data, err := os.ReadFile(r.config.SystemPrompt); err == nil {
				overridden := *base
				overridden.Prompt = string(data)
				r.agentReg.Register(&overridden)
			}
		}
	}

	// Initialize MCP if configured
	if r.appConfig.MCP != nil && len(r.appConfig.MCP) > 0 {
		r.mcpClient = mcp.NewClient()
		for name, cfg := range r.appConfig.MCP {
			enabled := cfg.Enabled == nil || *cfg.Enabled
			mcpCfg := &mcp.Config{
				Enabled:     enabled,
				Type:        mcp.TransportType(cfg.Type),
				URL:         cfg.URL,
				Headers:     cfg.Headers,
				Command:     cfg.Command,
				Environment: cfg.Environment,
				Timeout:     cfg.Timeout,
			}
			if err := r.mcpClient.AddServer(ctx, name, mcpCfg); err != nil {
				// Log warning but continue
				fmt.Fprintf(os.Stderr, "Warning: MCP server %s failed: %v\n", name, err)
				continue
			}
		}
		mcp.RegisterMCPTools(r.mcpClient, r.toolReg)
	}

	// Wire bash permission enforcement, unless --auto-approve asked us to
	// skip it entirely (BashTool treats a nil checker as always-allow).
	if !r.config.AutoApprove {
		r.toolReg.Register(tool.NewBashTool(r.config.WorkDir, tool.WithPermissionChecker(permission.NewChecker())))
	}

	r.agentName = r.config.Agent
	if r.agentName == "" {
		r.agentName = "build"
	}

	// The dispatcher self-wires a Supervisor as the Task tool's executor
	// (subagent runs go through the same task/turn stack as the primary
	// agent, rather than a separate executor).
	eventLogs := r.eventLogStore()
	var firstTokenTimeout time.Duration
	if r.appConfig.LLMFirstTokenTimeoutSeconds > 0 {
		firstTokenTimeout = time.Duration(r.appConfig.LLMFirstTokenTimeoutSeconds) * time.Second
	}
	r.dispatcher = executor.NewDispatcher(executor.DispatcherConfig{
		EventLogs:         eventLogs,
		ProviderRegistry:  r.providerReg,
		ToolRegistry:      r.toolReg,
		AgentRegistry:     r.agentReg,
		WorkDir:           r.config.WorkDir,
		DefaultProviderID: r.defaultProviderID,
		DefaultModelID:    r.defaultModelID,
		PrimaryAgentName:  r.agentName,
		FirstTokenTimeout: firstTokenTimeout,
		SubAgentModels:    r.appConfig.SubAgentModels,
	})

	return nil
}

// eventLogStore returns the event log store backing session history, or nil
// for --no-save runs (the dispatcher then keeps everything in memory).
func (r *Runner) eventLogStore() *storage.EventLogStore {
	if r.config.NoSave {
		return nil
	}
	return storage.NewEventLogStore(config.GetPaths().StoragePath())
}

// parseModel parses the model string into provider and model IDs.
func (r *Runner) parseModel() {
	model := r.appConfig.Model
	if model == "" {
		r.defaultProviderID = "anthropic"
		r.defaultModelID = "claude-sonnet-4-20250514"
		return
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) == 2 {
		r.defaultProviderID = parts[0]
		r.defaultModelID = parts[1]
	} else {
		r.defaultProviderID = "anthropic"
		r.defaultModelID = model
	}
}

// getPrompt retrieves the prompt from various sources.
func (r *Runner) getPrompt() (string, error) {
	var prompt string

	// Read from stdin if specified
	if r.config.ReadStdin {
		reader := bufio.Reader{}
		scanner := bufio.NewScanner(os.Stdin)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		prompt = strings.Join(lines, "\n")
		_ = reader // Unused, just for clarity
	}

	// Override with direct prompt if provided
	if r.config.Prompt != "" {
		if prompt != "" {
			// Combine stdin and prompt
			prompt = r.config.Prompt + "\n\n" + prompt
		} else {
			prompt = r.config.Prompt
		}
	}

	// Attach file contents if specified
	if len(r.config.Files) > 0 {
		var fileContent strings.Builder
		for _, file := range r.config.Files {
			content, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("failed to read file %s: %w", file, err)
			}
			fileContent.WriteString(fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content)))
		}
		prompt = prompt + fileContent.String()
	}

	return strings.TrimSpace(prompt), nil
}

// getOrCreateSession gets an existing session or creates a new one.
func (r *Runner) getOrCreateSession(ctx context.Context) (string, error) {
	// Continue existing session
	if r.config.SessionID != "" {
		// Verify session exists
		var sess types.Session
		if err := r.storage.Get(ctx, []string{"session", r.config.SessionID}, &sess); err != nil {
			return "", fmt.Errorf("session not found: %s", r.config.SessionID)
		}
		return r.config.SessionID, nil
	}

	// Continue last session
	if r.config.ContinueLast {
		sessions, err := r.storage.List(ctx, []string{"session"})
		if err != nil {
			return "", fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) > 0 {
			return sessions[len(sessions)-1], nil
		}
		// No existing sessions, create new
	}

	// Create new session
	return r.createSession(ctx)
}

// createSession creates a new session.
func (r *Runner) createSession(ctx context.Context) (string, error) {
	sessionID := fmt.Sprintf("sess_%s", ulid.Make().String())

	title := r.config.Title
	if title == "" {
		title = "Headless Session"
	}

	sess := &types.Session{
		ID:        sessionID,
		Directory: r.config.WorkDir,
		Title:     title,
		Time: types.SessionTime{
			Created: time.Now().UnixMilli(),
		},
		Summary: types.SessionSummary{},
	}

	// Save session
	if err := r.storage.Put(ctx, []string{"session", sessionID}, sess); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	// Publish session created event
	event.PublishSync(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: sess},
	})

	return sessionID, nil
}

