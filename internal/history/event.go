package history

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variant of a HistoryEvent.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindDeveloperMessage Kind = "developer_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolResult       Kind = "tool_result"
	KindSystemMessage    Kind = "system_message"
	KindStreamError      Kind = "stream_error"
	KindTaskMetadata     Kind = "task_metadata"
	KindCompaction       Kind = "compaction"
	KindInterrupt        Kind = "interrupt"
	KindCheckpoint       Kind = "checkpoint"
)

// ToolResultStatus is the outcome of a tool invocation.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
	ToolResultAborted ToolResultStatus = "aborted"
)

// PartKind tags the variant of an assistant/user message Part.
type PartKind string

const (
	PartText            PartKind = "text"
	PartImageURL        PartKind = "image_url"
	PartThinking        PartKind = "thinking"
	PartThinkingSig     PartKind = "thinking_signature"
	PartToolCall        PartKind = "tool_call"
	PartGeneratedImage  PartKind = "generated_image"
)

// Part is one piece of a multi-part message.
type Part struct {
	Kind PartKind `json:"kind"`

	Text string `json:"text,omitempty"`

	// ImageURL / GeneratedImage
	URL      string `json:"url,omitempty"`
	FilePath string `json:"file_path,omitempty"`

	// Thinking
	Signature string `json:"signature,omitempty"`

	// ToolCall
	CallID        string          `json:"call_id,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ArgumentsJSON json.RawMessage `json:"arguments_json,omitempty"`
}

func TextPart(text string) Part           { return Part{Kind: PartText, Text: text} }
func ImageURLPart(url string) Part        { return Part{Kind: PartImageURL, URL: url} }
func ThinkingPart(text, sig string) Part  { return Part{Kind: PartThinking, Text: text, Signature: sig} }
func GeneratedImagePart(path string) Part { return Part{Kind: PartGeneratedImage, FilePath: path} }
func ToolCallPart(callID, name string, args json.RawMessage) Part {
	return Part{Kind: PartToolCall, CallID: callID, ToolName: name, ArgumentsJSON: args}
}

// Usage records token accounting for an assistant response.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// UIExtra carries UI-only rendering hints without pulling UI code into the
// engine; it is opaque to everything except the renderer.
type UIExtra map[string]any

// Event is one entry in a Session's ConversationHistory. Exactly one of the
// typed fields matching Kind is populated; see the New* constructors.
type Event struct {
	Kind      Kind  `json:"kind"`
	Index     int   `json:"index"`
	Timestamp int64 `json:"timestamp_ms"`

	// KindUserMessage
	UserParts []Part `json:"user_parts,omitempty"`

	// KindDeveloperMessage
	DeveloperParts []Part  `json:"developer_parts,omitempty"`
	DeveloperExtra UIExtra `json:"developer_extra,omitempty"`

	// KindAssistantMessage
	AssistantParts      []Part  `json:"assistant_parts,omitempty"`
	AssistantUsage      *Usage  `json:"assistant_usage,omitempty"`
	AssistantStopReason string  `json:"assistant_stop_reason,omitempty"`
	AssistantResponseID string  `json:"assistant_response_id,omitempty"`

	// KindToolResult
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ToolName         string           `json:"tool_name,omitempty"`
	ToolStatus       ToolResultStatus `json:"tool_status,omitempty"`
	ToolOutputText   string           `json:"tool_output_text,omitempty"`
	ToolExtra        UIExtra          `json:"tool_extra,omitempty"`
	ToolTaskMetadata *TaskMetadata    `json:"tool_task_metadata,omitempty"`

	// KindSystemMessage
	SystemParts []Part `json:"system_parts,omitempty"`

	// KindStreamError
	StreamError string `json:"stream_error,omitempty"`

	// KindTaskMetadata
	TaskMeta *TaskMetadataItem `json:"task_metadata_item,omitempty"`

	// KindCompaction
	CompactionSummary        string `json:"compaction_summary,omitempty"`
	CompactionFirstKeptIndex int    `json:"compaction_first_kept_index,omitempty"`

	// KindInterrupt — no payload, the event's presence is the signal.

	// KindCheckpoint
	CheckpointID          int    `json:"checkpoint_id,omitempty"`
	CheckpointUserMsgSnap []Part `json:"checkpoint_user_message_snapshot,omitempty"`
}

// TaskMetadata is per-task usage/cost/duration bookkeeping, also embedded on
// a sub-agent's ToolResultMessage so the parent can aggregate it.
type TaskMetadata struct {
	AgentName   string `json:"agent_name"`
	SessionID   string `json:"session_id"`
	Usage       Usage  `json:"usage"`
	DurationMS  int64  `json:"duration_ms"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
}

// TaskMetadataItem is the per-user-turn rollup: the main agent's own usage
// plus every sub-agent task spawned during that turn.
type TaskMetadataItem struct {
	MainAgent           TaskMetadata   `json:"main_agent"`
	SubAgentTaskMetadata []TaskMetadata `json:"sub_agent_task_metadata,omitempty"`
}

// NewUserMessage builds a KindUserMessage event.
func NewUserMessage(parts []Part) Event {
	return Event{Kind: KindUserMessage, UserParts: parts}
}

// NewDeveloperMessage builds a KindDeveloperMessage event.
func NewDeveloperMessage(parts []Part, extra UIExtra) Event {
	return Event{Kind: KindDeveloperMessage, DeveloperParts: parts, DeveloperExtra: extra}
}

// NewAssistantMessage builds a KindAssistantMessage event.
func NewAssistantMessage(parts []Part, usage *Usage, stopReason, responseID string) Event {
	return Event{
		Kind:                KindAssistantMessage,
		AssistantParts:      parts,
		AssistantUsage:      usage,
		AssistantStopReason: stopReason,
		AssistantResponseID: responseID,
	}
}

// NewToolResult builds a KindToolResult event.
func NewToolResult(callID, toolName string, status ToolResultStatus, output string, extra UIExtra, meta *TaskMetadata) Event {
	return Event{
		Kind:             KindToolResult,
		ToolCallID:       callID,
		ToolName:         toolName,
		ToolStatus:       status,
		ToolOutputText:   output,
		ToolExtra:        extra,
		ToolTaskMetadata: meta,
	}
}

// NewSystemMessage builds a KindSystemMessage event.
func NewSystemMessage(parts []Part) Event {
	return Event{Kind: KindSystemMessage, SystemParts: parts}
}

// NewStreamError builds a KindStreamError event.
func NewStreamError(errText string) Event {
	return Event{Kind: KindStreamError, StreamError: errText}
}

// NewTaskMetadataItem builds a KindTaskMetadata event.
func NewTaskMetadataItem(item *TaskMetadataItem) Event {
	return Event{Kind: KindTaskMetadata, TaskMeta: item}
}

// NewCompactionEntry builds a KindCompaction event.
func NewCompactionEntry(summary string, firstKeptIndex int) Event {
	return Event{Kind: KindCompaction, CompactionSummary: summary, CompactionFirstKeptIndex: firstKeptIndex}
}

// NewInterruptEntry builds a KindInterrupt event.
func NewInterruptEntry() Event {
	return Event{Kind: KindInterrupt}
}

// NewCheckpoint builds a KindCheckpoint event.
func NewCheckpoint(id int, userMessageSnapshot []Part) Event {
	return Event{Kind: KindCheckpoint, CheckpointID: id, CheckpointUserMsgSnap: userMessageSnapshot}
}

// ToolCallParts returns the ToolCallPart entries of an assistant message, in
// their original streamed order.
func (e Event) ToolCallParts() []Part {
	if e.Kind != KindAssistantMessage {
		return nil
	}
	var calls []Part
	for _, p := range e.AssistantParts {
		if p.Kind == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// Validate reports an error if a single event is structurally malformed
// (wrong payload populated for its Kind). It does not check cross-event
// invariants; see ValidateHistory for those.
func (e Event) Validate() error {
	switch e.Kind {
	case KindUserMessage, KindDeveloperMessage, KindAssistantMessage, KindToolResult,
		KindSystemMessage, KindStreamError, KindTaskMetadata, KindCompaction,
		KindInterrupt, KindCheckpoint:
		return nil
	default:
		return fmt.Errorf("history: unknown event kind %q", e.Kind)
	}
}
