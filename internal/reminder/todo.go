package reminder

import (
	"strings"

	"github.com/coda-run/coda/internal/history"
)

// todoWriteToolID matches tool.TodoWriteTool.ID(), kept as a local constant
// to avoid an import cycle with internal/tool.
const todoWriteToolID = "todowrite"

// NewTodoStalenessReminder returns a reminder that nudges the model to
// update its todo list when there are incomplete items and the most recent
// turn didn't already call todowrite (spec §4.3 todo staleness hints).
func NewTodoStalenessReminder() func(*history.Session) (*history.Event, error) {
	return func(session *history.Session) (*history.Event, error) {
		if calledTodoWriteInLastTurn(session) {
			return nil, nil
		}

		todos := session.TodoSnapshot()
		var pending int
		for _, t := range todos {
			if t.Status == history.TodoPending || t.Status == history.TodoInProgress {
				pending++
			}
		}
		if pending == 0 {
			return nil, nil
		}

		body := "<system-reminder>\n" +
			"Your todo list has incomplete items. Use the todowrite tool to keep it " +
			"up to date as you make progress, or to mark items complete once done.\n" +
			"</system-reminder>"
		msg := history.NewDeveloperMessage([]history.Part{history.TextPart(body)}, nil)
		return &msg, nil
	}
}

// calledTodoWriteInLastTurn reports whether a todowrite result follows the
// most recent assistant message (or user message, if that came later).
func calledTodoWriteInLastTurn(session *history.Session) bool {
	snap := session.Snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		e := snap[i]
		if e.Kind == history.KindUserMessage || e.Kind == history.KindAssistantMessage {
			return false
		}
		if e.Kind == history.KindToolResult && strings.EqualFold(e.ToolName, todoWriteToolID) {
			return true
		}
	}
	return false
}
