package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/coda-run/coda/internal/agent"
	"github.com/coda-run/coda/internal/event"
	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/provider"
	"github.com/coda-run/coda/internal/reminder"
	"github.com/coda-run/coda/internal/storage"
	"github.com/coda-run/coda/internal/task"
	"github.com/coda-run/coda/internal/tool"
	"github.com/coda-run/coda/internal/turn"
	"github.com/coda-run/coda/internal/userinteraction"
)

// Dispatcher is the Executor's single entry point for the UI (spec §4.1): it
// holds one history.Session per session id, owns the global event.Queue, and
// linearises RunAgent/Interrupt per session while letting different sessions
// run concurrently.
type Dispatcher struct {
	queue             *event.Queue
	supervisor        *Supervisor
	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	agentRegistry     *agent.Registry
	eventLogs         *storage.EventLogStore
	userInteraction   *userinteraction.Manager
	workDir           string
	defaultProviderID string
	defaultModelID    string
	primaryAgentName  string
	firstTokenTimeout time.Duration
	reminders         []task.ReminderFunc

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is the dispatcher's per-session run state: the owned
// history.Session plus whatever the current/last RunAgent invocation needs
// to be interruptible and linearised against the next one.
type sessionState struct {
	mu sync.Mutex

	session    *history.Session
	eventLog   *storage.EventLog
	agentName  string
	providerID string
	modelID    string
	thinking   bool

	cancel context.CancelFunc
	done   chan struct{} // closed when the in-flight RunAgent (if any) returns
}

// DispatcherConfig configures a new Dispatcher.
type DispatcherConfig struct {
	EventLogs         *storage.EventLogStore
	ProviderRegistry  *provider.Registry
	ToolRegistry      *tool.Registry
	AgentRegistry     *agent.Registry
	UserInteraction   *userinteraction.Manager
	Queue             *event.Queue
	WorkDir           string
	SkillDir          string
	DefaultProviderID string
	DefaultModelID    string
	// PrimaryAgentName selects which agent.Registry entry backs InitAgent's
	// session; defaults to "build" (the teacher's own default primary agent).
	PrimaryAgentName string
	// FirstTokenTimeout overrides turn.DefaultFirstTokenTimeout
	// (types.Config.LLMFirstTokenTimeoutSeconds); zero keeps the default.
	FirstTokenTimeout time.Duration
	// SubAgentModels seeds per-agent-type default model overrides
	// (types.Config.SubAgentModels); see Supervisor.resolveModel.
	SubAgentModels map[string]string
}

// NewDispatcher builds a Dispatcher and the Supervisor it delegates
// Task/Explore tool calls to.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	queue := cfg.Queue
	if queue == nil {
		queue = event.NewQueue()
	}
	userInteraction := cfg.UserInteraction
	if userInteraction == nil {
		userInteraction = userinteraction.NewManager(queue)
	}
	primaryAgentName := cfg.PrimaryAgentName
	if primaryAgentName == "" {
		primaryAgentName = "build"
	}

	supervisor := NewSupervisor(SupervisorConfig{
		EventLogs:         cfg.EventLogs,
		ProviderRegistry:  cfg.ProviderRegistry,
		ToolRegistry:      cfg.ToolRegistry,
		AgentRegistry:     cfg.AgentRegistry,
		Queue:             queue,
		WorkDir:           cfg.WorkDir,
		DefaultProviderID: cfg.DefaultProviderID,
		DefaultModelID:    cfg.DefaultModelID,
		SubAgentModels:    cfg.SubAgentModels,
	})
	cfg.ToolRegistry.SetTaskExecutor(supervisor)

	return &Dispatcher{
		queue:             queue,
		supervisor:        supervisor,
		providerRegistry:  cfg.ProviderRegistry,
		toolRegistry:      cfg.ToolRegistry,
		agentRegistry:     cfg.AgentRegistry,
		eventLogs:         cfg.EventLogs,
		userInteraction:   userInteraction,
		workDir:           cfg.WorkDir,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
		primaryAgentName:  primaryAgentName,
		firstTokenTimeout: cfg.FirstTokenTimeout,
		reminders: []task.ReminderFunc{
			reminder.NewMemoryDiscoveryReminder(cfg.WorkDir),
			reminder.NewAtFileReminder(),
			reminder.NewExternalChangeReminder(),
			reminder.NewTodoStalenessReminder(),
			reminder.NewSkillActivationReminder(cfg.SkillDir),
		},
		sessions: make(map[string]*sessionState),
	}
}

// Queue returns the dispatcher's global event queue, for the UI to Drain.
func (d *Dispatcher) Queue() *event.Queue { return d.queue }

// UserInteraction returns the manager backing UserInteractionRespond, so the
// UI can also call Pending() after a reconnect.
func (d *Dispatcher) UserInteraction() *userinteraction.Manager { return d.userInteraction }

// InitAgent loads sessionID if it already has an event log, or creates a
// fresh session otherwise; either way it emits EngineWelcome and, when
// loaded, replays the stored history as events (spec §4.1 InitAgent).
func (d *Dispatcher) InitAgent(sessionID string) (string, error) {
	loaded := false
	if sessionID == "" {
		sessionID = ulid.Make().String()
	} else if d.eventLogs != nil {
		loaded = true
	}

	sess, existed, err := d.loadOrCreateSession(sessionID, loaded)
	if err != nil {
		return "", fmt.Errorf("executor: init agent: %w", err)
	}

	st := &sessionState{
		session:    sess,
		agentName:  d.primaryAgentName,
		providerID: d.defaultProviderID,
		modelID:    d.defaultModelID,
	}
	if d.eventLogs != nil {
		st.eventLog = d.eventLogs.Open(hashDirectory(d.workDir), sessionID)
		sess.OnAppend = func(events []history.Event) { st.eventLog.Append(events...) }
	}

	d.mu.Lock()
	d.sessions[sessionID] = st
	d.mu.Unlock()

	d.emit(sessionID, event.EngineEvent{Kind: event.EngineWelcome})
	if existed {
		d.replayHistory(sessionID, sess)
	}
	return sessionID, nil
}

// loadOrCreateSession mirrors Supervisor.loadOrCreateChild for top-level
// sessions: with an EventLogStore configured and loaded requested, it
// replays the on-disk log; otherwise it returns a fresh in-memory session.
func (d *Dispatcher) loadOrCreateSession(sessionID string, loadExisting bool) (sess *history.Session, existed bool, err error) {
	if !loadExisting || d.eventLogs == nil {
		return history.NewSession(sessionID, d.workDir), false, nil
	}
	projectKey := hashDirectory(d.workDir)
	path := d.eventLogs.PathFor(projectKey, sessionID)
	sess, err = storage.Load(path, sessionID, d.workDir, true)
	if err != nil {
		return nil, false, err
	}
	return sess, len(sess.Snapshot()) > 0, nil
}

// replayHistory re-emits a loaded session's stored history as EngineEvents
// so a freshly (re)connected UI can reconstruct it, per spec §4.1 InitAgent
// "replay history as events if loaded". Streaming deltas are not
// reconstructable from storage, so each entry replays as its completed form.
func (d *Dispatcher) replayHistory(sessionID string, sess *history.Session) {
	for _, e := range sess.Snapshot() {
		switch e.Kind {
		case history.KindAssistantMessage:
			d.emit(sessionID, event.EngineEvent{
				Kind:           event.EngineResponseComplete,
				AssistantParts: e.AssistantParts,
				Usage:          e.AssistantUsage,
			})
		case history.KindToolResult:
			d.emit(sessionID, event.EngineEvent{
				Kind:           event.EngineToolResult,
				CallID:         e.ToolCallID,
				ToolName:       e.ToolName,
				ToolStatus:     e.ToolStatus,
				ToolOutputText: e.ToolOutputText,
			})
		case history.KindTaskMetadata:
			d.emit(sessionID, event.EngineEvent{Kind: event.EngineTaskMetadata, TaskMeta: e.TaskMeta})
		}
	}
}

// RunAgent starts a Task Executor run for sessionID (spec §4.1 RunAgent). It
// returns once the run is scheduled, not once it completes; the task's
// events arrive on the Dispatcher's queue. Runs for the same session are
// linearised: a run scheduled while a previous one is still in flight waits
// for it to finish first.
func (d *Dispatcher) RunAgent(sessionID string, input task.Input) error {
	st, err := d.get(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	prevDone := st.done
	providerID, modelID, agentName := st.providerID, st.modelID, st.agentName
	session := st.session
	ctx, cancel := context.WithCancel(context.Background())
	newDone := make(chan struct{})
	st.cancel = cancel
	st.done = newDone
	st.mu.Unlock()

	go func() {
		defer close(newDone)
		if prevDone != nil {
			<-prevDone
		}
		d.runOnce(ctx, sessionID, session, providerID, modelID, agentName, input)
	}()
	return nil
}

func (d *Dispatcher) runOnce(ctx context.Context, sessionID string, session *history.Session, providerID, modelID, agentName string, input task.Input) {
	prov, err := d.providerRegistry.Get(providerID)
	if err != nil {
		d.emit(sessionID, event.EngineEvent{Kind: event.EngineError, ErrorMessage: err.Error()})
		return
	}
	agentConfig, err := d.agentRegistry.Get(agentName)
	if err != nil {
		d.emit(sessionID, event.EngineEvent{Kind: event.EngineError, ErrorMessage: err.Error()})
		return
	}

	runner := tool.NewRunner(d.toolRegistry, d.workDir)
	params := task.Params{
		SessionID: sessionID,
		Session:   session,
		Queue:     d.queue,
		Reminders: d.reminders,
		Turn: turn.Params{
			SessionID: sessionID,
			Provider:  prov,
			ModelID:   modelID,
			Tools:     turn.ToolInfosFiltered(d.toolRegistry, agentConfig.ToolEnabled),
			Runner:    runner,
			Queue:     d.queue,
			ToolBase: &tool.Context{
				SessionID: sessionID,
				Agent:     agentName,
				WorkDir:   d.workDir,
				AbortCh:   ctx.Done(),
				Session:   session,
			},
			FirstTokenTimeout: d.firstTokenTimeout,
		},
	}

	task.RunTask(ctx, input, params)
}

// Interrupt requests cooperative cancellation (spec §4.1 Interrupt). A nil
// (empty string) sessionID interrupts every session with a run in flight.
// Interrupting a session with no active run is a no-op.
func (d *Dispatcher) Interrupt(sessionID string) error {
	if sessionID == "" {
		d.mu.Lock()
		states := make([]*sessionState, 0, len(d.sessions))
		for _, st := range d.sessions {
			states = append(states, st)
		}
		d.mu.Unlock()
		for _, st := range states {
			interruptState(st)
		}
		return nil
	}

	st, err := d.get(sessionID)
	if err != nil {
		return err
	}
	interruptState(st)
	return nil
}

func interruptState(st *sessionState) {
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ChangeModel swaps the provider/model a session's subsequent RunAgent calls
// use (spec §4.1 ChangeModel). save_as_default is the UI's concern (it
// persists the choice outside the engine); the dispatcher only needs the
// session-scoped value.
func (d *Dispatcher) ChangeModel(sessionID, providerID, modelName string) error {
	st, err := d.get(sessionID)
	if err != nil {
		return err
	}
	modelID := modelName
	if literal, ok := literalModelID(modelName); ok {
		modelID = literal
	}
	st.mu.Lock()
	if providerID != "" {
		st.providerID = providerID
	}
	st.modelID = modelID
	st.mu.Unlock()
	return nil
}

// ChangeThinking updates a session's reasoning/thinking flag (spec §4.1
// ChangeThinking). turn.Params has no thinking knob — no provider in this
// tree exposes one to set (see DESIGN.md) — so this only stores the flag on
// the session state; RunAgent does not read it and requests are unchanged.
func (d *Dispatcher) ChangeThinking(sessionID string, thinking bool) error {
	st, err := d.get(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.thinking = thinking
	st.mu.Unlock()
	return nil
}

// ChangeSubAgentModel updates a session's model binding for one sub-agent
// type (spec §4.1 ChangeSubAgentModel), delegating to the Supervisor shared
// by every session's Task tool calls.
func (d *Dispatcher) ChangeSubAgentModel(sessionID, subAgentType, modelName string) error {
	if _, err := d.get(sessionID); err != nil {
		return err
	}
	d.supervisor.SetSubAgentModel(sessionID, subAgentType, modelName)
	return nil
}

// ClearSession replaces a session's history with a fresh, empty one (spec
// §4.1 ClearSession). The session keeps its id and current provider/model.
func (d *Dispatcher) ClearSession(sessionID string) error {
	st, err := d.get(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session = history.NewSession(sessionID, d.workDir)
	if st.eventLog != nil {
		st.session.OnAppend = func(events []history.Event) { st.eventLog.Append(events...) }
	}
	return nil
}

// ResumeSession loads targetSessionID from the Session Store and adopts it
// as a live, runnable session (spec §4.1 ResumeSession), replaying its
// history the same way InitAgent does for a pre-existing session id.
func (d *Dispatcher) ResumeSession(targetSessionID string) error {
	sess, _, err := d.loadOrCreateSession(targetSessionID, true)
	if err != nil {
		return fmt.Errorf("executor: resume session: %w", err)
	}

	st := &sessionState{
		session:    sess,
		agentName:  d.primaryAgentName,
		providerID: d.defaultProviderID,
		modelID:    d.defaultModelID,
	}
	if d.eventLogs != nil {
		st.eventLog = d.eventLogs.Open(hashDirectory(d.workDir), targetSessionID)
		sess.OnAppend = func(events []history.Event) { st.eventLog.Append(events...) }
	}

	d.mu.Lock()
	d.sessions[targetSessionID] = st
	d.mu.Unlock()

	d.emit(targetSessionID, event.EngineEvent{Kind: event.EngineWelcome})
	d.replayHistory(targetSessionID, sess)
	return nil
}

// UserInteractionRespond delivers a user's answer to a pending prompt (spec
// §4.1 UserInteractionRespond), validated and matched to the live request by
// userinteraction.Manager.Respond.
func (d *Dispatcher) UserInteractionRespond(sessionID, requestID string, status userinteraction.ResponseStatus, payload any) error {
	return d.userInteraction.Respond(requestID, sessionID, status, payload)
}

// End drains in-flight tasks with a bounded timeout, then cancels whatever
// is still running and closes the queue (spec §4.1 End).
func (d *Dispatcher) End(drainTimeout time.Duration) {
	d.mu.Lock()
	states := make([]*sessionState, 0, len(d.sessions))
	for _, st := range d.sessions {
		states = append(states, st)
	}
	d.mu.Unlock()

	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()

	for _, st := range states {
		st.mu.Lock()
		done := st.done
		st.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-deadline.C:
			interruptState(st)
		}
	}

	for _, st := range states {
		interruptState(st)
	}
	d.queue.Close()
}

func (d *Dispatcher) get(sessionID string) (*sessionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("executor: unknown session %s", sessionID)
	}
	return st, nil
}

func (d *Dispatcher) emit(sessionID string, e event.EngineEvent) {
	e.SessionID = sessionID
	e.TimestampMS = time.Now().UnixMilli()
	d.queue.Emit(e)
}
