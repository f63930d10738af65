package turn

import (
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/provider"
	"github.com/coda-run/coda/internal/tool"
)

// ToEinoMessages converts materialized history events into the eino message
// list a provider's CreateCompletion expects, generalizing the teacher's
// per-message/per-part Processor.convertMessage (internal/session/loop.go)
// from a one-event-one-role-one-part model to history's grouped-parts Event.
//
// Per spec §4.5, developer messages are out-of-band: rather than a role of
// their own, their text is folded onto the nearest prior user/tool message.
func ToEinoMessages(events []history.Event) []*schema.Message {
	out := make([]*schema.Message, 0, len(events))

	for _, e := range events {
		switch e.Kind {
		case history.KindUserMessage:
			out = append(out, &schema.Message{Role: schema.User, Content: renderText(e.UserParts)})
		case history.KindSystemMessage:
			out = append(out, &schema.Message{Role: schema.System, Content: renderText(e.SystemParts)})
		case history.KindAssistantMessage:
			out = append(out, assistantMessage(e))
		case history.KindToolResult:
			out = append(out, &schema.Message{
				Role:       schema.Tool,
				Content:    e.ToolOutputText,
				ToolCallID: e.ToolCallID,
			})
		case history.KindDeveloperMessage:
			foldDeveloperMessage(out, e)
		case history.KindCompaction:
			// MaterializeForLLM already rewrote this into a synthetic
			// UserMessage before conversion; a raw KindCompaction here
			// means the caller skipped that step, so fall back to
			// rendering the summary as a user turn directly.
			out = append(out, &schema.Message{Role: schema.User, Content: e.CompactionSummary})
		}
	}

	return out
}

func assistantMessage(e history.Event) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant}
	var content string
	var toolCalls []schema.ToolCall

	for _, p := range e.AssistantParts {
		switch p.Kind {
		case history.PartText:
			content += p.Text
		case history.PartThinking:
			msg.ReasoningContent += p.Text
		case history.PartToolCall:
			toolCalls = append(toolCalls, schema.ToolCall{
				ID: p.CallID,
				Function: schema.FunctionCall{
					Name:      p.ToolName,
					Arguments: string(p.ArgumentsJSON),
				},
			})
		case history.PartImageURL, history.PartGeneratedImage:
			// The pack's eino wiring has no established multi-content image
			// path (no provider file in this tree uses ChatMessagePart); a
			// text placeholder keeps the turn in context without fabricating
			// an untested API.
			content += "[image attached]"
		}
	}

	msg.Content = content
	msg.ToolCalls = toolCalls
	return msg
}

func renderText(parts []history.Part) string {
	var content string
	for _, p := range parts {
		switch p.Kind {
		case history.PartText, history.PartThinking:
			content += p.Text
		case history.PartImageURL, history.PartGeneratedImage:
			content += "[image attached]"
		}
	}
	return content
}

func foldDeveloperMessage(out []*schema.Message, e history.Event) {
	if len(out) == 0 {
		return
	}
	text := renderText(e.DeveloperParts)
	if text == "" {
		return
	}
	last := out[len(out)-1]
	last.Content += "\n\n" + text
}

// ToolInfos builds the provider.ToolInfo list CreateCompletion needs from a
// tool registry, mirroring how Processor.resolveTools (internal/session/
// loop.go) maps registered tools onto eino tool descriptions.
func ToolInfos(reg *tool.Registry) []provider.ToolInfo {
	return ToolInfosFiltered(reg, nil)
}

// ToolInfosFiltered is ToolInfos restricted to tools enabled is nil or
// returns true, generalizing Processor.resolveTools' per-agent
// agent.ToolEnabled check without coupling this package to internal/agent.
func ToolInfosFiltered(reg *tool.Registry, enabled func(toolID string) bool) []provider.ToolInfo {
	tools := reg.List()
	out := make([]provider.ToolInfo, 0, len(tools))
	for _, t := range tools {
		if enabled != nil && !enabled(t.ID()) {
			continue
		}
		out = append(out, provider.ToolInfo{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// callRequestsFor extracts the Tool Runner's CallRequest batch from an
// assistant message's tool-call parts, in their original streamed order
// (spec §4.6: results complete out of order but preserve call identity).
func callRequestsFor(e history.Event) []tool.CallRequest {
	calls := e.ToolCallParts()
	out := make([]tool.CallRequest, 0, len(calls))
	for _, c := range calls {
		args := c.ArgumentsJSON
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out = append(out, tool.CallRequest{CallID: c.CallID, ToolName: c.ToolName, ArgumentsJSON: args})
	}
	return out
}
