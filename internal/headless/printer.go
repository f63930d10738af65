package headless

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/pkg/types"
)

// Printer handles event output in various formats for headless mode. It
// consumes the Dispatcher's event.EngineEvent stream directly rather than
// the legacy pub/sub bus, since headless now drives sessions through
// executor.Dispatcher instead of session.Processor.
type Printer struct {
	mu            sync.Mutex
	writer        io.Writer
	format        OutputFormat
	quiet         bool
	verbose       bool
	sessionID     string
	startTime     time.Time
	result        *Result
	toolCalls     []ToolCall
	pendingTool   map[string]string // callID -> tool name, for events still in flight
	textBuf       strings.Builder
}

// NewPrinter creates a new event printer.
func NewPrinter(writer io.Writer, format OutputFormat, quiet, verbose bool) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
		toolCalls:   make([]ToolCall, 0),
		pendingTool: make(map[string]string),
	}
}

// SetSessionID sets the session ID for the printer.
func (p *Printer) SetSessionID(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.result.SessionID = sessionID
}

// GetResult returns the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
	p.result.ToolCalls = p.toolCalls

	return p.result
}

// SetResult updates the result with final values.
func (p *Printer) SetResult(status string, exitCode ExitCode, finalMessage string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	if finalMessage != "" {
		p.result.FinalMessage = finalMessage
	}
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// SetTokens updates token usage in the result.
func (p *Printer) SetTokens(u *history.Usage) {
	if u == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Tokens = &types.TokenUsage{
		Input:  u.InputTokens,
		Output: u.OutputTokens,
		Cache: types.CacheUsage{
			Read:  u.CacheReadTokens,
			Write: u.CacheCreationTokens,
		},
	}
}

// SetModel updates the model in the result.
func (p *Printer) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Model = model
}

// IncrementSteps increments the step counter.
func (p *Printer) IncrementSteps() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Steps++
}

// PrintFinalResult prints the final JSON result (for json format).
func (p *Printer) PrintFinalResult() {
	if p.format != OutputJSON {
		return
	}

	result := p.GetResult()
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// HandleEngineEvent processes one Dispatcher event and outputs it according
// to the configured format. Callers drain the Dispatcher's queue and feed
// each event here until event.EngineTaskFinish is seen.
func (p *Printer) HandleEngineEvent(e event.EngineEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.format {
	case OutputText:
		p.handleTextEvent(e)
	case OutputJSON:
		p.trackEvent(e)
	case OutputJSONL:
		p.handleJSONLEvent(e)
	}
}

func (p *Printer) handleTextEvent(e event.EngineEvent) {
	if p.quiet {
		if e.Kind == event.EngineAssistantTextDelta && e.Text != "" {
			fmt.Fprint(p.writer, e.Text)
		}
		return
	}

	switch e.Kind {
	case event.EngineTaskStart:
		fmt.Fprintf(p.writer, "[session:%s] Starting...\n", truncateID(p.sessionID))

	case event.EngineAssistantTextDelta:
		if e.Text != "" {
			fmt.Fprint(p.writer, e.Text)
		}

	case event.EngineToolCallStart:
		p.pendingTool[e.CallID] = e.ToolName
		if p.verbose {
			fmt.Fprintf(p.writer, "\n[tool:%s] Starting...\n", e.ToolName)
		}

	case event.EngineToolResult:
		if e.ToolStatus == history.ToolResultError {
			fmt.Fprintf(p.writer, "\n[tool:%s] Error: %s\n", e.ToolName, e.ToolOutputText)
		} else if p.verbose {
			fmt.Fprintf(p.writer, "[tool:%s] Done\n", e.ToolName)
		}

	case event.EngineTaskFinish:
		duration := time.Since(p.startTime)
		fmt.Fprintf(p.writer, "\n[done] Session completed in %s", formatDuration(duration))
		if p.result.Tokens != nil {
			fmt.Fprintf(p.writer, " (input: %d tokens, output: %d tokens)",
				p.result.Tokens.Input, p.result.Tokens.Output)
		}
		fmt.Fprintln(p.writer)

	case event.EngineError:
		fmt.Fprintf(p.writer, "[error] %s\n", e.ErrorMessage)
	}
}

func (p *Printer) handleJSONLEvent(e event.EngineEvent) {
	p.trackEvent(e)

	if !p.verbose && !isImportantEngineEvent(e.Kind) {
		return
	}

	evt := &Event{
		Type:      string(e.Kind),
		Timestamp: time.Now(),
		Data:      e,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// trackEvent accumulates state needed for the final Result regardless of
// output format.
func (p *Printer) trackEvent(e event.EngineEvent) {
	switch e.Kind {
	case event.EngineAssistantTextStart:
		p.textBuf.Reset()

	case event.EngineAssistantTextDelta:
		p.textBuf.WriteString(e.Text)

	case event.EngineResponseComplete:
		if p.textBuf.Len() > 0 {
			p.result.FinalMessage = p.textBuf.String()
		}

	case event.EngineUsage:
		if e.Usage != nil {
			p.result.Tokens = &types.TokenUsage{
				Input:  e.Usage.InputTokens,
				Output: e.Usage.OutputTokens,
				Cache: types.CacheUsage{
					Read:  e.Usage.CacheReadTokens,
					Write: e.Usage.CacheCreationTokens,
				},
			}
		}

	case event.EngineToolCallStart:
		p.pendingTool[e.CallID] = e.ToolName

	case event.EngineToolResult:
		delete(p.pendingTool, e.CallID)
		p.toolCalls = append(p.toolCalls, ToolCall{
			Tool:   e.ToolName,
			Output: truncateOutput(e.ToolOutputText, 500),
			Error: func() string {
				if e.ToolStatus == history.ToolResultError {
					return e.ToolOutputText
				}
				return ""
			}(),
		})
	}
}

// Helper functions

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func isImportantEngineEvent(kind event.EngineEventKind) bool {
	switch kind {
	case event.EngineTaskStart,
		event.EngineTaskFinish,
		event.EngineError,
		event.EngineToolCallStart,
		event.EngineToolResult,
		event.EngineResponseComplete:
		return true
	default:
		return false
	}
}
