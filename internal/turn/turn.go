package turn

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/logging"
	"github.com/coda-run/coda/internal/provider"
	"github.com/coda-run/coda/internal/tool"
)

// DefaultFirstTokenTimeout is LLM_FIRST_TOKEN_TIMEOUT_S from spec §4.4 step 2.
const DefaultFirstTokenTimeout = 30 * time.Second

// TurnError is an unrecoverable-at-this-level turn failure; the Task
// Executor surfaces it as ErrorEvent(can_retry) per spec §4.1/§4.4.
type TurnError struct {
	Message  string
	CanRetry bool
}

func (e *TurnError) Error() string { return e.Message }

// Params configures a single Turn Executor invocation.
type Params struct {
	SessionID         string
	Provider          provider.Provider
	ModelID           string
	Tools             []provider.ToolInfo
	Runner            *tool.Runner
	Queue             *event.Queue
	ToolBase          *tool.Context
	FirstTokenTimeout time.Duration
}

// Result reports how the Task Executor's turn loop should proceed, per
// spec §4.4 step 8.
type Result struct {
	ContinueAgent bool
	TaskFinished  bool
	Usage         *history.Usage
}

// Run executes one LLM request against session's current history and
// returns once the assistant message and every tool result it produced have
// been appended to session, or a TurnError aborts the turn.
func Run(ctx context.Context, session *history.Session, p Params) (Result, error) {
	if p.FirstTokenTimeout <= 0 {
		p.FirstTokenTimeout = DefaultFirstTokenTimeout
	}

	responseID := ulid.Make().String()
	input := history.MaterializeForLLM(session.Snapshot())
	messages := ToEinoMessages(input)

	stream, err := p.Provider.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:    p.ModelID,
		Messages: messages,
		Tools:    provider.ConvertToEinoTools(p.Tools),
	})
	if err != nil {
		return Result{}, &TurnError{Message: "opening completion stream: " + err.Error(), CanRetry: true}
	}

	unified := provider.Adapt(stream, p.Provider.ID(), p.ModelID, responseID)

	if err := provider.FirstTokenTimeout(ctx, unified, p.FirstTokenTimeout); err != nil {
		now := nowMS()
		session.Append(now, history.NewAssistantMessage(nil, nil, "aborted", responseID))
		p.emitTurnEnd(responseID)
		return Result{}, &TurnError{Message: "First token timeout", CanRetry: true}
	}

	thinkingOpen := false
	textOpen := false
	var final *history.Event

	p.emit(event.EngineEvent{Kind: event.EngineTurnStart, ResponseID: responseID})

consume:
	for {
		item, err := unified.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			break consume
		case errors.Is(err, context.Canceled), ctx.Err() != nil:
			return p.handleInterrupt(session, responseID, thinkingOpen, textOpen)
		case err != nil:
			return Result{}, &TurnError{Message: err.Error(), CanRetry: true}
		}

		switch item.Kind {
		case provider.ItemThinkingTextDelta:
			if !thinkingOpen {
				thinkingOpen = true
				p.emit(event.EngineEvent{Kind: event.EngineThinkingStart, ResponseID: responseID})
			}
			p.emit(event.EngineEvent{Kind: event.EngineThinkingDelta, ResponseID: responseID, Text: item.Content})

		case provider.ItemAssistantTextDelta:
			if thinkingOpen {
				thinkingOpen = false
				p.emit(event.EngineEvent{Kind: event.EngineThinkingEnd, ResponseID: responseID})
			}
			if !textOpen {
				textOpen = true
				p.emit(event.EngineEvent{Kind: event.EngineAssistantTextStart, ResponseID: responseID})
			}
			p.emit(event.EngineEvent{Kind: event.EngineAssistantTextDelta, ResponseID: responseID, Text: item.Content})

		case provider.ItemAssistantImageDelta:
			p.emit(event.EngineEvent{Kind: event.EngineAssistantImageDelta, ResponseID: responseID, FilePath: item.FilePath})

		case provider.ItemToolCallStart:
			p.emit(event.EngineEvent{Kind: event.EngineToolCallStart, ResponseID: responseID, CallID: item.CallID, ToolName: item.ToolName})

		case provider.ItemStreamError:
			now := nowMS()
			session.Append(now, history.NewStreamError(item.Err.Error()))
			return Result{}, &TurnError{Message: item.Err.Error(), CanRetry: true}

		case provider.ItemResponseMetadata:
			// usage/provider/model bookkeeping folded into the final
			// AssistantMessage item below; nothing to emit yet.

		case provider.ItemAssistantMessage:
			final = item.Message
		}
	}

	if thinkingOpen {
		p.emit(event.EngineEvent{Kind: event.EngineThinkingEnd, ResponseID: responseID})
	}
	if textOpen {
		p.emit(event.EngineEvent{Kind: event.EngineAssistantTextEnd, ResponseID: responseID})
	}

	if final == nil {
		return Result{}, &TurnError{Message: "stream ended without a final assistant message", CanRetry: true}
	}

	now := nowMS()
	session.Append(now, *final)

	p.emit(event.EngineEvent{
		Kind:           event.EngineResponseComplete,
		ResponseID:     responseID,
		AssistantParts: final.AssistantParts,
		ThinkingText:   thinkingText(final.AssistantParts),
	})
	if final.AssistantUsage != nil {
		p.emit(event.EngineEvent{Kind: event.EngineUsage, ResponseID: responseID, Usage: final.AssistantUsage})
	}

	calls := callRequestsFor(*final)
	toolResultCount := 0
	if len(calls) > 0 {
		resultsCh, wait := p.Runner.Run(ctx, p.SessionID, calls, p.ToolBase)

		resultsByCall := make(map[string]history.Event, len(calls))
		for range calls {
			res, ok := <-resultsCh
			if !ok {
				break
			}
			resultsByCall[res.ToolCallID] = res
			toolResultCount++
		}

		// Append in the assistant's original ToolCallPart order so the
		// tool-pairing invariant holds regardless of completion order
		// (spec §4.4 step 7).
		for i, c := range calls {
			res, ok := resultsByCall[c.CallID]
			if !ok {
				continue
			}
			isLast := i == len(calls)-1
			session.Append(nowMS(), res)
			p.emit(event.EngineEvent{
				Kind:           event.EngineToolResult,
				ResponseID:     responseID,
				CallID:         res.ToolCallID,
				ToolName:       res.ToolName,
				ToolStatus:     res.ToolStatus,
				ToolOutputText: res.ToolOutputText,
				IsLastInTurn:   isLast,
			})
		}

		if waitErr := wait(); waitErr != nil {
			logging.Debug().Str("session_id", p.SessionID).Msg("turn: tool batch observed cancellation")
		}
	}

	p.emit(event.EngineEvent{Kind: event.EngineTurnEnd, ResponseID: responseID})

	continueAgent := toolResultCount > 0 || final.AssistantStopReason != "stop"
	taskFinished := len(calls) == 0 && final.AssistantStopReason == "stop"

	return Result{ContinueAgent: continueAgent, TaskFinished: taskFinished, Usage: final.AssistantUsage}, nil
}

func (p Params) handleInterrupt(session *history.Session, responseID string, thinkingOpen, textOpen bool) (Result, error) {
	if thinkingOpen {
		p.emit(event.EngineEvent{Kind: event.EngineThinkingEnd, ResponseID: responseID})
	}
	if textOpen {
		p.emit(event.EngineEvent{Kind: event.EngineAssistantTextEnd, ResponseID: responseID})
	}
	session.Append(nowMS(), history.NewAssistantMessage(nil, nil, "aborted", responseID))
	p.emit(event.EngineEvent{Kind: event.EngineResponseComplete, ResponseID: responseID})
	p.emit(event.EngineEvent{Kind: event.EngineTurnEnd, ResponseID: responseID})
	return Result{ContinueAgent: false, TaskFinished: false}, nil
}

func (p Params) emit(e event.EngineEvent) {
	e.SessionID = p.SessionID
	e.TimestampMS = nowMS()
	p.Queue.Emit(e)
}

func (p Params) emitTurnEnd(responseID string) {
	p.emit(event.EngineEvent{Kind: event.EngineTurnEnd, ResponseID: responseID})
}

func thinkingText(parts []history.Part) string {
	var text string
	for _, p := range parts {
		if p.Kind == history.PartThinking {
			text += p.Text
		}
	}
	return text
}

// nowMS is the turn package's single time source, kept as a var so tests can
// stub it without touching call sites.
var nowMS = func() int64 { return time.Now().UnixMilli() }
