package task

import (
	"context"
	"time"

	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/logging"
	"github.com/coda-run/coda/internal/turn"
)

// MaxTurns bounds the turn loop as a last-resort safety net.
const MaxTurns = 50

// State is the Task Executor's lifecycle state (spec §4.2).
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ReminderFunc inspects session and optionally returns a DeveloperMessage
// event to append before the next turn (spec §4.3). Reminders are pure with
// respect to the session: they may read it and call its Mark* methods, but
// never mutate the conversation directly.
type ReminderFunc func(session *history.Session) (*history.Event, error)

// Input is a user's submission to RunTask. Empty Text and no Images means
// "continue" — no new UserMessage or Checkpoint is created (spec §4.2 step 1).
type Input struct {
	Text   string
	Images []history.Part
}

func (in Input) isContinue() bool {
	return in.Text == "" && len(in.Images) == 0
}

// Params configures one RunTask invocation.
type Params struct {
	SessionID string
	Session   *history.Session
	Turn      turn.Params
	Reminders []ReminderFunc
	Queue     *event.Queue
	MaxTurns  int
}

// Result is RunTask's outcome.
type Result struct {
	State    State
	Metadata history.TaskMetadataItem
}

// RunTask drives one user request to completion: optional checkpoint, the
// reminder pipeline, then a turn loop until the model stops or ctx is
// cancelled (spec §4.2).
func RunTask(ctx context.Context, input Input, p Params) Result {
	if p.MaxTurns <= 0 {
		p.MaxTurns = MaxTurns
	}

	start := time.Now()
	startIndex := p.Session.Len()

	if !input.isContinue() {
		parts := append([]history.Part{}, input.Images...)
		if input.Text != "" {
			parts = append(parts, history.TextPart(input.Text))
		}
		p.Session.Append(nowMS(), history.NewUserMessage(parts))
		p.Session.CreateCheckpoint(nowMS(), parts)
	}

	runReminders(p.Session, p.Reminders, p.Queue, p.SessionID)

	p.emit(event.EngineEvent{Kind: event.EngineTaskStart})

	state := StateRunning
	var lastResult *turn.Result
	turns := 0

	for {
		if ctx.Err() != nil {
			state = StateCancelled
			break
		}
		if turns >= p.MaxTurns {
			logging.Error().Str("session_id", p.SessionID).Msg("task: max turns exceeded")
			state = StateFailed
			break
		}
		turns++

		res, err := turn.Run(ctx, p.Session, p.Turn)
		if err != nil {
			if ctx.Err() != nil {
				state = StateCancelled
				break
			}
			p.emit(event.EngineEvent{Kind: event.EngineError, ErrorMessage: err.Error(), CanRetry: isRetriable(err)})
			state = StateFailed
			break
		}
		lastResult = &res

		if res.TaskFinished {
			state = StateCompleted
			break
		}
		if !res.ContinueAgent {
			// Interrupted or otherwise inconclusive turn; turn.Run has
			// already appended an aborted assistant message in this case.
			state = StateCancelled
			break
		}

		runReminders(p.Session, p.Reminders, p.Queue, p.SessionID)
	}

	ensureInterruptRecorded(p.Session, state)

	meta := buildTaskMetadata(p.Session, startIndex, p.Turn.ModelID, time.Since(start))
	isPartial := state == StateCancelled || state == StateFailed ||
		(lastResult != nil && !lastResult.TaskFinished && !lastResult.ContinueAgent)

	p.Session.Append(nowMS(), history.NewTaskMetadataItem(&meta))
	p.emit(event.EngineEvent{
		Kind:      event.EngineTaskFinish,
		IsPartial: isPartial,
	})
	p.emit(event.EngineEvent{
		Kind:      event.EngineTaskMetadata,
		IsPartial: isPartial,
		TaskMeta:  &meta,
	})

	return Result{State: state, Metadata: meta}
}

func runReminders(session *history.Session, reminders []ReminderFunc, q *event.Queue, sessionID string) {
	for _, r := range reminders {
		msg, err := r(session)
		if err != nil {
			logging.Error().Err(err).Str("session_id", sessionID).Msg("reminder failed")
			continue
		}
		if msg == nil {
			continue
		}
		session.Append(nowMS(), *msg)
	}
}

// ensureInterruptRecorded implements spec §4.2 step 4: on cancellation,
// append an InterruptEntry only if the turn loop did not already persist an
// aborted assistant message as the last event (turn.Run's interrupt path
// does this itself).
func ensureInterruptRecorded(session *history.Session, state State) {
	if state != StateCancelled {
		return
	}
	snap := session.Snapshot()
	if len(snap) > 0 {
		last := snap[len(snap)-1]
		if last.Kind == history.KindAssistantMessage && last.AssistantStopReason == "aborted" {
			return
		}
	}
	session.Append(nowMS(), history.NewInterruptEntry())
}

func buildTaskMetadata(session *history.Session, startIndex int, modelID string, duration time.Duration) history.TaskMetadataItem {
	var main history.Usage
	var subAgents []history.TaskMetadata

	snap := session.Snapshot()
	for i := startIndex; i < len(snap); i++ {
		e := snap[i]
		switch e.Kind {
		case history.KindAssistantMessage:
			if e.AssistantUsage != nil {
				main.InputTokens += e.AssistantUsage.InputTokens
				main.OutputTokens += e.AssistantUsage.OutputTokens
				main.CacheReadTokens += e.AssistantUsage.CacheReadTokens
				main.CacheCreationTokens += e.AssistantUsage.CacheCreationTokens
			}
		case history.KindToolResult:
			if e.ToolTaskMetadata != nil {
				subAgents = append(subAgents, *e.ToolTaskMetadata)
			}
		}
	}

	return history.TaskMetadataItem{
		MainAgent: history.TaskMetadata{
			AgentName:  "main",
			SessionID:  session.ID,
			Usage:      main,
			DurationMS: duration.Milliseconds(),
		},
		SubAgentTaskMetadata: subAgents,
	}
}

func isRetriable(err error) bool {
	te, ok := err.(*turn.TurnError)
	return ok && te.CanRetry
}

func (p Params) emit(e event.EngineEvent) {
	e.SessionID = p.SessionID
	e.TimestampMS = nowMS()
	p.Queue.Emit(e)
}

var nowMS = func() int64 { return time.Now().UnixMilli() }
