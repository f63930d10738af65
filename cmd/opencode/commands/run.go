package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coda-run/coda/internal/agent"
	"github.com/coda-run/coda/internal/config"
	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/executor"
	"github.com/coda-run/coda/internal/provider"
	"github.com/coda-run/coda/internal/storage"
	"github.com/coda-run/coda/internal/task"
	"github.com/coda-run/coda/internal/tool"
	"github.com/spf13/cobra"
)

var (
	runModel        string
	runAgent        string
	runContinue     bool
	runSession      string
	runFormat       string
	runFiles        []string
	runTitle        string
	runPrompt       string
	runPromptFile   string
	runPromptInline string
	runDir          string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Start an interactive OpenCode session",
	Long: `Start an interactive OpenCode session with the specified message.

Examples:
  opencode run "Fix the bug in main.go"
  opencode run --model anthropic/claude-sonnet-4 "Explain this code"
  opencode run --continue  # Continue last session
  opencode run --file main.go "Review this file"`,
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the last session")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Custom prompt template")
	runCmd.Flags().StringVar(&runPromptFile, "prompt-file", "", "Custom prompt from file")
	runCmd.Flags().StringVar(&runPromptInline, "prompt-inline", "", "Custom prompt as inline text")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if runModel != "" {
		appConfig.Model = runModel
	}

	message := strings.Join(args, " ")
	if message == "" && !runContinue && runSession == "" {
		return fmt.Errorf("message required. Usage: opencode run \"your message\"")
	}

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	store := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)
	agentReg := agent.NewRegistry()

	var fileContent strings.Builder
	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
		fileContent.WriteString(fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content)))
	}
	if fileContent.Len() > 0 {
		message = message + fileContent.String()
	}

	defaultProviderID, defaultModelID := "anthropic", "claude-sonnet-4-20250514"
	if appConfig.Model != "" {
		if parts := strings.SplitN(appConfig.Model, "/", 2); len(parts) == 2 {
			defaultProviderID, defaultModelID = parts[0], parts[1]
		}
	}

	agentName := runAgent
	if agentName == "" {
		agentName = "build"
	}

	dispatcher := executor.NewDispatcher(executor.DispatcherConfig{
		EventLogs:         storage.NewEventLogStore(paths.StoragePath()),
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		AgentRegistry:     agentReg,
		WorkDir:           workDir,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
		PrimaryAgentName:  agentName,
	})

	sessionID := runSession
	if runContinue && sessionID == "" {
		sessionID = mostRecentSessionID(store, ctx)
	}
	sessionID, err = dispatcher.InitAgent(sessionID)
	if err != nil {
		return fmt.Errorf("failed to init agent: %w", err)
	}
	drainEventsQuiet(dispatcher, runFormat) // replay + welcome

	fmt.Printf("Starting session %s...\n", sessionID)
	fmt.Printf("Model: %s/%s\n", defaultProviderID, defaultModelID)
	fmt.Printf("Message: %s\n\n", truncate(message, 100))

	if message != "" {
		if err := dispatcher.RunAgent(sessionID, task.Input{Text: message}); err != nil {
			return fmt.Errorf("failed to run agent: %w", err)
		}
		printEventsUntilFinish(dispatcher, runFormat)
	}
	dispatcher.End(5 * time.Second)

	fmt.Println()
	return nil
}

// mostRecentSessionID picks the last session id listed under any project,
// mirroring the --continue flag's "last session wins" behavior.
func mostRecentSessionID(store *storage.Storage, ctx context.Context) string {
	projects, err := store.List(ctx, []string{"session"})
	if err != nil || len(projects) == 0 {
		return ""
	}
	sessions, err := store.List(ctx, []string{"session", projects[len(projects)-1]})
	if err != nil || len(sessions) == 0 {
		return ""
	}
	return sessions[len(sessions)-1]
}

// drainEventsQuiet discards InitAgent's replayed history (the --format json
// caller gets it via the queue directly; the default CLI only cares about
// the new turn it's about to run).
func drainEventsQuiet(d *executor.Dispatcher, format string) {
	if format == "json" {
		for _, e := range d.Queue().Drain() {
			printEvent(e, format)
		}
		return
	}
	d.Queue().Drain()
}

// printEventsUntilFinish prints assistant text deltas and tool activity as
// they arrive, stopping once the run's TaskFinish event is seen.
func printEventsUntilFinish(d *executor.Dispatcher, format string) {
	for {
		events := d.Queue().Drain()
		if events == nil {
			return
		}
		for _, e := range events {
			printEvent(e, format)
			if e.Kind == event.EngineTaskFinish {
				return
			}
		}
	}
}

func printEvent(e event.EngineEvent, format string) {
	if format == "json" {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	switch e.Kind {
	case event.EngineAssistantTextDelta:
		fmt.Print(e.Text)
	case event.EngineToolCallStart:
		fmt.Printf("\n[%s]\n", e.ToolName)
	case event.EngineError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", e.ErrorMessage)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
