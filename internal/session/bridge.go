package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/executor"
	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/task"
	"github.com/coda-run/coda/pkg/types"
)

// dispatcherBridge lets the CRUD-oriented Service drive an
// executor.Dispatcher for the actual agentic loop, while still answering
// in the legacy types.Message/types.Part shape the HTTP handlers and SSE
// bus speak. The Dispatcher's event.Queue has a single shared buffer
// (event.Queue.Drain), so one pump goroutine drains it and fans events out
// by session id to whichever ProcessMessage call is currently waiting on
// that session.
type dispatcherBridge struct {
	d *executor.Dispatcher

	mu        sync.Mutex
	inited    map[string]bool
	listeners map[string][]chan event.EngineEvent
}

func newDispatcherBridge(d *executor.Dispatcher) *dispatcherBridge {
	b := &dispatcherBridge{
		d:         d,
		inited:    make(map[string]bool),
		listeners: make(map[string][]chan event.EngineEvent),
	}
	go b.pump()
	return b
}

// pump is the Dispatcher queue's sole consumer; every ProcessMessage call
// receives its session's events through a registered listener channel
// instead of draining the queue itself.
func (b *dispatcherBridge) pump() {
	for {
		events := b.d.Queue().Drain()
		if events == nil {
			return
		}
		for _, e := range events {
			b.mu.Lock()
			chans := append([]chan event.EngineEvent(nil), b.listeners[e.SessionID]...)
			b.mu.Unlock()
			for _, ch := range chans {
				ch <- e
			}
		}
	}
}

func (b *dispatcherBridge) subscribe(sessionID string) (<-chan event.EngineEvent, func()) {
	ch := make(chan event.EngineEvent, 64)
	b.mu.Lock()
	b.listeners[sessionID] = append(b.listeners[sessionID], ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		ls := b.listeners[sessionID]
		for i, c := range ls {
			if c == ch {
				b.listeners[sessionID] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// ensureInit lazily runs InitAgent exactly once per session id. Its
// replayed-history and welcome events are emitted before any ProcessMessage
// caller has subscribed, so they're simply dropped by the pump -- the
// server already serves history through the legacy storage-backed
// GetMessages/GetParts, not through this bridge.
func (b *dispatcherBridge) ensureInit(sessionID string) error {
	b.mu.Lock()
	if b.inited[sessionID] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if _, err := b.d.InitAgent(sessionID); err != nil {
		return err
	}

	b.mu.Lock()
	b.inited[sessionID] = true
	b.mu.Unlock()
	return nil
}

func (b *dispatcherBridge) interrupt(sessionID string) error {
	return b.d.Interrupt(sessionID)
}

// run drives one RunAgent call to completion, translating its engine
// events into the legacy callback shape ProcessMessage promises its
// callers. It builds the assistant types.Message/[]types.Part incrementally
// so onUpdate sees the same growing-message shape session.Processor used to
// produce.
func (b *dispatcherBridge) run(
	ctx context.Context,
	sessionID string,
	content string,
	model *types.ModelRef,
	onUpdate func(msg *types.Message, parts []types.Part),
) (*types.Message, []types.Part, error) {
	if err := b.ensureInit(sessionID); err != nil {
		return nil, nil, err
	}

	ch, unsubscribe := b.subscribe(sessionID)
	defer unsubscribe()

	if err := b.d.RunAgent(sessionID, task.Input{Text: content}); err != nil {
		return nil, nil, err
	}

	assistantMsg := &types.Message{
		ID:        generateID(),
		SessionID: sessionID,
		Role:      "assistant",
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	var parts []types.Part
	toolParts := make(map[string]*types.ToolPart) // call id -> part, for in-progress tool calls

	for {
		select {
		case <-ctx.Done():
			return assistantMsg, parts, ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return assistantMsg, parts, nil
			}
			switch e.Kind {
			case event.EngineResponseComplete:
				parts = convertParts(sessionID, assistantMsg.ID, e.AssistantParts, toolParts)
				if onUpdate != nil {
					onUpdate(assistantMsg, parts)
				}

			case event.EngineToolResult:
				if tp, ok := toolParts[e.CallID]; ok {
					applyToolResult(tp, e)
					if onUpdate != nil {
						onUpdate(assistantMsg, parts)
					}
				}

			case event.EngineUsage:
				if e.Usage != nil {
					assistantMsg.Tokens = convertUsage(e.Usage)
				}

			case event.EngineError:
				assistantMsg.Error = types.NewUnknownError(e.ErrorMessage)
				return assistantMsg, parts, &engineError{msg: e.ErrorMessage}

			case event.EngineTaskFinish:
				updated := time.Now().UnixMilli()
				assistantMsg.Time.Updated = &updated
				if onUpdate != nil {
					onUpdate(assistantMsg, parts)
				}
				return assistantMsg, parts, nil
			}
		}
	}
}

// engineError wraps the flattened EngineError message (the new stack's
// EngineEvent carries only a string, not a typed error).
type engineError struct{ msg string }

func (e *engineError) Error() string { return e.msg }

func convertUsage(u *history.Usage) *types.TokenUsage {
	return &types.TokenUsage{
		Input:  u.InputTokens,
		Output: u.OutputTokens,
		Cache: types.CacheUsage{
			Read:  u.CacheReadTokens,
			Write: u.CacheCreationTokens,
		},
	}
}

// convertParts maps one EngineResponseComplete's history.Part slice onto
// the legacy types.Part shapes, registering each tool call part in
// toolParts by call id so a later EngineToolResult can fill in its output.
func convertParts(sessionID, messageID string, hp []history.Part, toolParts map[string]*types.ToolPart) []types.Part {
	parts := make([]types.Part, 0, len(hp))
	for _, p := range hp {
		switch p.Kind {
		case history.PartText:
			parts = append(parts, &types.TextPart{
				ID: generateID(), SessionID: sessionID, MessageID: messageID,
				Type: "text", Text: p.Text,
			})
		case history.PartThinking:
			parts = append(parts, &types.ReasoningPart{
				ID: generateID(), SessionID: sessionID, MessageID: messageID,
				Type: "reasoning", Text: p.Text,
			})
		case history.PartImageURL, history.PartGeneratedImage:
			url := p.URL
			if url == "" {
				url = p.FilePath
			}
			parts = append(parts, &types.FilePart{
				ID: generateID(), SessionID: sessionID, MessageID: messageID,
				Type: "file", URL: url,
			})
		case history.PartToolCall:
			var input map[string]any
			if len(p.ArgumentsJSON) > 0 {
				_ = json.Unmarshal(p.ArgumentsJSON, &input)
			}
			tp := &types.ToolPart{
				ID: generateID(), SessionID: sessionID, MessageID: messageID,
				Type: "tool", ToolCallID: p.CallID, ToolName: p.ToolName,
				Input: input, State: "running",
			}
			toolParts[p.CallID] = tp
			parts = append(parts, tp)
		}
	}
	return parts
}

func applyToolResult(tp *types.ToolPart, e event.EngineEvent) {
	output := e.ToolOutputText
	if e.ToolStatus == history.ToolResultError {
		tp.State = "error"
		tp.Error = &output
		return
	}
	tp.State = "completed"
	tp.Output = &output
}
