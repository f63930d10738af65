package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/logging"
)

// LLMStreamItemKind tags the unified stream contract every adapter produces
// (spec §4.5).
type LLMStreamItemKind string

const (
	ItemAssistantTextDelta  LLMStreamItemKind = "assistant_text_delta"
	ItemThinkingTextDelta   LLMStreamItemKind = "thinking_text_delta"
	ItemToolCallStart       LLMStreamItemKind = "tool_call_start"
	ItemAssistantImageDelta LLMStreamItemKind = "assistant_image_delta"
	ItemAssistantMessage    LLMStreamItemKind = "assistant_message"
	ItemStreamError         LLMStreamItemKind = "stream_error"
	ItemResponseMetadata    LLMStreamItemKind = "response_metadata"
)

// LLMStreamItem is one element of the unified async iterator every adapter
// yields. Exactly one payload field is meaningful per Kind.
type LLMStreamItem struct {
	Kind       LLMStreamItemKind
	ResponseID string

	Content  string // assistant-text / thinking-text delta
	CallID   string // tool-call-start / assistant-message tool parts
	ToolName string
	FilePath string // generated-image path once persisted to disk

	Message *history.Event // the final consolidated AssistantMessage

	Err error // stream error (non-retriable at this call's level)

	Usage     *history.Usage
	Provider  string
	ModelName string
}

// UnifiedStream pumps a provider's native stream into LLMStreamItems on a
// background goroutine so Next can be interrupted by ctx cancellation
// without waiting on a blocking Recv call; stopping iteration (via Close)
// closes the underlying HTTP stream promptly, per spec §4.5.
type UnifiedStream struct {
	items    chan LLMStreamItem
	done     chan struct{}
	closeFn  func()
	firstTok chan struct{}
	tokOnce  bool
}

func newUnifiedStream(closeFn func()) *UnifiedStream {
	return &UnifiedStream{
		items:    make(chan LLMStreamItem, 8),
		done:     make(chan struct{}),
		closeFn:  closeFn,
		firstTok: make(chan struct{}),
	}
}

// Next blocks until an item is available, ctx is cancelled, or the stream is
// exhausted (io.EOF).
func (u *UnifiedStream) Next(ctx context.Context) (LLMStreamItem, error) {
	select {
	case item, ok := <-u.items:
		if !ok {
			return LLMStreamItem{}, io.EOF
		}
		return item, nil
	case <-ctx.Done():
		u.Close()
		return LLMStreamItem{}, ctx.Err()
	}
}

// FirstToken returns a channel closed as soon as the first item is emitted;
// the Turn Executor selects on it against the first-token timeout.
func (u *UnifiedStream) FirstToken() <-chan struct{} {
	return u.firstTok
}

// Close stops the pump and releases the underlying provider stream.
func (u *UnifiedStream) Close() {
	select {
	case <-u.done:
	default:
		close(u.done)
		if u.closeFn != nil {
			u.closeFn()
		}
	}
}

func (u *UnifiedStream) emit(item LLMStreamItem) {
	if !u.tokOnce {
		u.tokOnce = true
		close(u.firstTok)
	}
	select {
	case u.items <- item:
	case <-u.done:
	}
}

func (u *UnifiedStream) finish() {
	close(u.items)
}

// Adapt converts a provider's native CompletionStream into the unified
// LLMStreamItem contract, folding streamed text/tool-call/reasoning chunks
// into a single consolidated AssistantMessage the way the teacher's
// session/stream.go processMessageChunk does, but without persisting
// anything itself — persistence is the Turn Executor's job.
func Adapt(stream *CompletionStream, providerID, modelName, responseID string) *UnifiedStream {
	u := newUnifiedStream(stream.Close)

	go func() {
		defer u.finish()

		var textBuilder strings.Builder
		var reasoningBuilder strings.Builder
		var finalParts []history.Part
		var usage *history.Usage
		stopReason := "stop"

		type toolAccum struct {
			callID   string
			name     string
			rawArgs  strings.Builder
			started  bool
		}
		toolsByIndex := make(map[string]*toolAccum)
		var toolOrder []string

		for {
			msg, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				u.emit(LLMStreamItem{Kind: ItemStreamError, ResponseID: responseID, Err: err})
				return
			}

			if msg.Content != "" {
				textBuilder.WriteString(msg.Content)
				u.emit(LLMStreamItem{Kind: ItemAssistantTextDelta, ResponseID: responseID, Content: msg.Content})
			}
			if msg.ReasoningContent != "" {
				reasoningBuilder.WriteString(msg.ReasoningContent)
				u.emit(LLMStreamItem{Kind: ItemThinkingTextDelta, ResponseID: responseID, Content: msg.ReasoningContent})
			}

			for _, tc := range msg.ToolCalls {
				key := tc.ID
				if key == "" && tc.Index != nil {
					key = fmt.Sprintf("idx:%d", *tc.Index)
				}
				if key == "" {
					continue
				}
				acc, ok := toolsByIndex[key]
				if !ok {
					acc = &toolAccum{callID: tc.ID, name: tc.Function.Name}
					toolsByIndex[key] = acc
					toolOrder = append(toolOrder, key)
				}
				if tc.ID != "" {
					acc.callID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				if !acc.started && acc.callID != "" && acc.name != "" {
					acc.started = true
					u.emit(LLMStreamItem{Kind: ItemToolCallStart, ResponseID: responseID, CallID: acc.callID, ToolName: acc.name})
				}
				if tc.Function.Arguments != "" {
					acc.rawArgs.WriteString(tc.Function.Arguments)
				}
			}

			if msg.ResponseMeta != nil {
				if msg.ResponseMeta.Usage != nil {
					usage = &history.Usage{
						InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
						OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
					}
				}
				if msg.ResponseMeta.FinishReason != "" {
					stopReason = normalizeFinishReason(msg.ResponseMeta.FinishReason)
				}
			}
		}

		if textBuilder.Len() > 0 {
			finalParts = append(finalParts, history.TextPart(textBuilder.String()))
		}
		if reasoningBuilder.Len() > 0 {
			finalParts = append(finalParts, history.ThinkingPart(reasoningBuilder.String(), ""))
		}
		for _, key := range toolOrder {
			acc := toolsByIndex[key]
			args := json.RawMessage(acc.rawArgs.String())
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			finalParts = append(finalParts, history.ToolCallPart(acc.callID, acc.name, args))
		}

		u.emit(LLMStreamItem{Kind: ItemResponseMetadata, ResponseID: responseID, Usage: usage, Provider: providerID, ModelName: modelName})

		final := history.NewAssistantMessage(finalParts, usage, stopReason, responseID)
		u.emit(LLMStreamItem{Kind: ItemAssistantMessage, ResponseID: responseID, Message: &final, Usage: usage})

		logging.Debug().
			Str("response_id", responseID).
			Int("tool_calls", len(toolOrder)).
			Str("stop_reason", stopReason).
			Msg("llm stream consolidated")
	}()

	return u
}

// normalizeFinishReason maps provider-specific stop reasons onto the small
// vocabulary the Turn Executor switches on (spec §4.2 step 8, §9 open
// question: "an implementation MAY adopt a conservative rule").
func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_use", "tool_calls":
		return "tool_calls"
	case "end_turn", "stop":
		return "stop"
	case "max_tokens", "length":
		return "max_tokens"
	default:
		return reason
	}
}

// FirstTokenTimeout races a stream's first item against a deadline. On
// timeout it closes the stream and returns a retriable error; subsequent
// silence between items is not timed (spec §4.4 step 2).
func FirstTokenTimeout(ctx context.Context, stream *UnifiedStream, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stream.FirstToken():
		return nil
	case <-timer.C:
		stream.Close()
		return fmt.Errorf("first token timeout after %s", d)
	case <-ctx.Done():
		stream.Close()
		return ctx.Err()
	}
}
