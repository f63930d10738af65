package compaction

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/logging"
	"github.com/coda-run/coda/internal/provider"
)

// Config controls when and how compaction runs.
type Config struct {
	// ContextLimitTokens is the model's context window.
	ContextLimitTokens int
	// TriggerThreshold is the fraction of ContextLimitTokens (estimated
	// prompt tokens ÷ context limit) that triggers compaction.
	TriggerThreshold float64
	// KeepRecentTokens is the rough token budget the retained suffix
	// should fit within after the cut.
	KeepRecentTokens int
	// SummaryMaxTokens bounds the LLM-generated summary.
	SummaryMaxTokens int
}

// DefaultConfig matches the teacher's own compaction defaults
// (session/compact.go's DefaultCompactionConfig), generalised from a
// message-count threshold to the token-ratio heuristic spec §4.10
// describes.
var DefaultConfig = Config{
	ContextLimitTokens: 200_000,
	TriggerThreshold:   0.75,
	KeepRecentTokens:   20_000,
	SummaryMaxTokens:   2000,
}

const summarySystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// EstimateTokens is a rough ~4-characters-per-token estimate, matching the
// teacher's own estimateTokens helper (session/compact.go).
func EstimateTokens(text string) int {
	return len(text) / 4
}

func estimateHistoryTokens(events []history.Event) int {
	total := 0
	for _, e := range events {
		total += EstimateTokens(renderEventForSummary(e))
	}
	return total
}

// ShouldTrigger reports whether the estimated prompt token count for events
// exceeds cfg's threshold of the context limit.
func ShouldTrigger(events []history.Event, cfg Config) bool {
	if cfg.ContextLimitTokens <= 0 {
		return false
	}
	ratio := float64(estimateHistoryTokens(events)) / float64(cfg.ContextLimitTokens)
	return ratio >= cfg.TriggerThreshold
}

// ChooseCutIndex implements spec §4.10 step 1: pick the largest prefix
// whose removal leaves roughly cfg.KeepRecentTokens of tail, then advance
// past any leading tool result to keep the retained suffix well-formed.
func ChooseCutIndex(events []history.Event, cfg Config) int {
	if len(events) == 0 {
		return 0
	}

	tailTokens := 0
	cut := len(events)
	for i := len(events) - 1; i >= 0; i-- {
		tailTokens += EstimateTokens(renderEventForSummary(events[i]))
		if tailTokens > cfg.KeepRecentTokens {
			cut = i + 1
			break
		}
		cut = i
	}

	return history.AdvanceCutToSafeBoundary(events, cut)
}

// Compact asks prov for a structured summary of events[0:cut] and returns
// the replacement CompactionEntry. On any failure it returns ok=false and
// the caller aborts compaction silently, per spec §4.10 step 2.
func Compact(ctx context.Context, prov provider.Provider, modelID string, events []history.Event, cut int, cfg Config) (entry history.Event, ok bool) {
	if cut <= 0 || cut > len(events) {
		return history.Event{}, false
	}

	prompt := buildSummaryPrompt(events[:cut])

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: modelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: summarySystemPrompt},
			{Role: schema.User, Content: prompt},
		},
		MaxTokens: cfg.SummaryMaxTokens,
	})
	if err != nil {
		logging.Error().Err(err).Msg("compaction: failed to open summary stream")
		return history.Event{}, false
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.Error().Err(err).Msg("compaction: summary stream failed")
			return history.Event{}, false
		}
		summary.WriteString(msg.Content)
	}

	if summary.Len() == 0 {
		return history.Event{}, false
	}

	return history.NewCompactionEntry(summary.String(), cut), true
}

// Apply replaces events[0:cut] with entry, leaving the retained suffix
// untouched.
func Apply(events []history.Event, cut int, entry history.Event) []history.Event {
	out := make([]history.Event, 0, len(events)-cut+1)
	out = append(out, entry)
	out = append(out, events[cut:]...)
	return out
}

func buildSummaryPrompt(events []history.Event) string {
	var b strings.Builder
	b.WriteString("Please summarize the following conversation, focusing on:\n")
	b.WriteString("1. Key decisions and outcomes\n")
	b.WriteString("2. Files that were modified\n")
	b.WriteString("3. Important context for continuing the work\n\n")
	b.WriteString("---\n\n")
	for _, e := range events {
		b.WriteString(renderEventForSummary(e))
		b.WriteString("\n")
	}
	b.WriteString("\nSummarize our conversation above. This summary will be the only context available when the conversation continues, so preserve critical information including: what was accomplished, current work in progress, files involved, next steps, and any key user requests or constraints. Be concise but detailed enough that work can continue seamlessly.")
	return b.String()
}

func renderEventForSummary(e history.Event) string {
	switch e.Kind {
	case history.KindUserMessage:
		return "USER:\n" + renderParts(e.UserParts)
	case history.KindAssistantMessage:
		return "ASSISTANT:\n" + renderParts(e.AssistantParts)
	case history.KindToolResult:
		out := e.ToolOutputText
		if len(out) > 500 {
			out = out[:500] + "..."
		}
		return fmt.Sprintf("[Tool: %s]\n%s", e.ToolName, out)
	case history.KindDeveloperMessage:
		return "DEVELOPER:\n" + renderParts(e.DeveloperParts)
	case history.KindSystemMessage:
		return "SYSTEM:\n" + renderParts(e.SystemParts)
	case history.KindCompaction:
		return "SUMMARY:\n" + e.CompactionSummary
	default:
		return ""
	}
}

func renderParts(parts []history.Part) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Kind {
		case history.PartText, history.PartThinking:
			b.WriteString(p.Text)
			b.WriteString("\n")
		case history.PartToolCall:
			b.WriteString(fmt.Sprintf("[calls %s]\n", p.ToolName))
		}
	}
	return b.String()
}
