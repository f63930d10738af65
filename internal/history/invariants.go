package history

import "fmt"

// ValidateToolPairing checks spec §3 invariant 1/2 and §8 property 1: every
// ToolResultMessage's call_id matches exactly one preceding AssistantMessage
// ToolCallPart within the session, no call_id is resolved twice, and the run
// of ToolResultMessages following one assistant message is closed (every
// ToolCallPart of that assistant produces exactly one result) before the
// next assistant message appears.
func ValidateToolPairing(events []Event) error {
	pending := make(map[string]bool) // call_id -> awaiting a result
	seen := make(map[string]bool)    // call_id -> already resolved

	for i, e := range events {
		switch e.Kind {
		case KindAssistantMessage:
			if len(pending) > 0 {
				return fmt.Errorf("history: assistant message at index %d before all prior tool calls were resolved", i)
			}
			for _, call := range e.ToolCallParts() {
				if pending[call.CallID] {
					return fmt.Errorf("history: call_id %s reissued before prior result at index %d", call.CallID, i)
				}
				pending[call.CallID] = true
			}
		case KindToolResult:
			if seen[e.ToolCallID] {
				return fmt.Errorf("history: duplicate tool result for call_id %s at index %d", e.ToolCallID, i)
			}
			if !pending[e.ToolCallID] {
				return fmt.Errorf("history: tool result for unknown call_id %s at index %d", e.ToolCallID, i)
			}
			seen[e.ToolCallID] = true
			delete(pending, e.ToolCallID)
		}
	}
	return nil
}

// FirstRetainedIsSafe implements spec §3 invariant 3 / §4.10 step 1: the
// first event at or after idx must never be a ToolResultMessage, because
// that would orphan an unresolved tool call in the retained suffix once the
// prefix below idx is replaced by a compaction summary.
func FirstRetainedIsSafe(events []Event, idx int) bool {
	if idx >= len(events) {
		return true
	}
	return events[idx].Kind != KindToolResult
}

// AdvanceCutToSafeBoundary implements spec §4.10 step 1's forward-scan rule:
// starting from a candidate cut index c, advance forward until the first
// retained event is a UserMessage (or any non-tool-result), matching S6.
func AdvanceCutToSafeBoundary(events []Event, c int) int {
	for c < len(events) && events[c].Kind == KindToolResult {
		c++
	}
	return c
}

// MaterializeForLLM renders the retained history for provider input,
// converting a leading CompactionEntry into a synthetic UserMessage per
// spec §3 invariant 3 / §4.10 step 3.
func MaterializeForLLM(events []Event) []Event {
	if len(events) == 0 {
		return events
	}
	if events[0].Kind != KindCompaction {
		return events
	}
	synthetic := NewUserMessage([]Part{TextPart(events[0].CompactionSummary)})
	synthetic.Index = events[0].Index
	synthetic.Timestamp = events[0].Timestamp
	out := make([]Event, 0, len(events))
	out = append(out, synthetic)
	out = append(out, events[1:]...)
	return out
}
