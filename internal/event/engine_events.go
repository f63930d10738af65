package event

import (
	"sync"

	"github.com/coda-run/coda/internal/history"
)

// EngineEventKind tags the UI-facing Event API (spec §6), distinct from the
// SDK-replay EventType union above: these are the events the Executor,
// TaskExecutor and TurnExecutor emit to the queue the terminal UI consumes.
type EngineEventKind string

const (
	EngineWelcome             EngineEventKind = "welcome"
	EngineTaskStart           EngineEventKind = "task_start"
	EngineTaskFinish          EngineEventKind = "task_finish"
	EngineTaskMetadata        EngineEventKind = "task_metadata"
	EngineTurnStart           EngineEventKind = "turn_start"
	EngineTurnEnd             EngineEventKind = "turn_end"
	EngineThinkingStart       EngineEventKind = "thinking_start"
	EngineThinkingDelta       EngineEventKind = "thinking_delta"
	EngineThinkingEnd         EngineEventKind = "thinking_end"
	EngineAssistantTextStart  EngineEventKind = "assistant_text_start"
	EngineAssistantTextDelta  EngineEventKind = "assistant_text_delta"
	EngineAssistantTextEnd    EngineEventKind = "assistant_text_end"
	EngineAssistantImageDelta EngineEventKind = "assistant_image_delta"
	EngineToolCallStart       EngineEventKind = "tool_call_start"
	EngineToolResult          EngineEventKind = "tool_result"
	EngineResponseComplete    EngineEventKind = "response_complete"
	EngineUsage               EngineEventKind = "usage"
	EngineUserInteractionReq  EngineEventKind = "user_interaction_request"
	EngineError               EngineEventKind = "error"
)

// EngineEvent is the single tagged-union struct emitted on the Executor's
// global event queue. Every event carries SessionID and TimestampMS; a
// subset additionally carries ResponseID (response-scoped events, spec §6).
type EngineEvent struct {
	Kind        EngineEventKind `json:"kind"`
	SessionID   string          `json:"session_id"`
	TimestampMS int64           `json:"timestamp_ms"`
	ResponseID  string          `json:"response_id,omitempty"`

	Text    string `json:"text,omitempty"`    // delta payloads
	FilePath string `json:"file_path,omitempty"`

	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	ToolStatus     history.ToolResultStatus `json:"tool_status,omitempty"`
	ToolOutputText string                   `json:"tool_output_text,omitempty"`
	IsLastInTurn   bool                     `json:"is_last_in_turn,omitempty"`

	AssistantParts []history.Part `json:"assistant_parts,omitempty"`
	ThinkingText   string          `json:"thinking_text,omitempty"`
	Usage          *history.Usage  `json:"usage,omitempty"`

	TaskResult string                   `json:"task_result,omitempty"`
	IsPartial  bool                     `json:"is_partial,omitempty"`
	TaskMeta   *history.TaskMetadataItem `json:"task_metadata,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	CanRetry     bool   `json:"can_retry,omitempty"`

	UserInteractionRequestID string `json:"user_interaction_request_id,omitempty"`
	UserInteractionPayload   any    `json:"user_interaction_payload,omitempty"`
}

// Queue is the Executor's global FIFO event stream, consumed by the UI.
// Ordering is provided by Go channel semantics: every producer that needs
// in-session ordering (a TaskExecutor and the TurnExecutors it drives) emits
// from a single goroutine, so events for that session are queued in
// production order; events from concurrent sessions interleave but are never
// reordered relative to each other (spec §5 Ordering guarantees).
//
// The queue is unbounded in the sense the spec requires ("if the UI is slow,
// memory grows but no tokens are dropped"): it is backed by a growable
// internal buffer rather than a fixed-capacity channel, so Emit never blocks
// the producer on a slow consumer.
type Queue struct {
	mu     sync.Mutex
	buf    []EngineEvent
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty, open event queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{})}
}

// Emit appends an event; never blocks.
func (q *Queue) Emit(e EngineEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, e)
	close(q.notify)
	q.notify = make(chan struct{})
}

// Drain returns and clears all events currently queued, blocking until at
// least one is available or the queue is closed.
func (q *Queue) Drain() []EngineEvent {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			out := q.buf
			q.buf = nil
			q.mu.Unlock()
			return out
		}
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		wait := q.notify
		q.mu.Unlock()
		<-wait
	}
}

// Close marks the queue closed; pending Drain calls return nil.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
