package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coda-run/coda/internal/history"
	"github.com/coda-run/coda/internal/logging"
)

// ErrCancelled escapes Wait when the run's context was cancelled mid-batch.
// Individual cancelled tool calls still yield a normal aborted
// ToolResultMessage on the event channel (spec §4.6 step 5) so the
// assistant's tool-call list is always closed; this error additionally
// propagates cancellation as a first-class error to the caller.
var ErrCancelled = errors.New("tool runner: cancelled")

// CallRequest is one tool invocation submitted to the Runner.
type CallRequest struct {
	CallID        string
	ToolName      string
	ArgumentsJSON json.RawMessage
}

// Runner schedules a batch of tool calls per the concurrency-policy rules
// in spec §4.6 and yields ToolResultMessage history events in completion
// order (not submission order).
type Runner struct {
	registry     *Registry
	artifactsDir string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex // session id -> exclusivity lock
}

// NewRunner builds a Runner backed by registry, writing offloaded output
// beneath artifactsDir.
func NewRunner(registry *Registry, artifactsDir string) *Runner {
	return &Runner{
		registry:     registry,
		artifactsDir: artifactsDir,
		locks:        make(map[string]*sync.RWMutex),
	}
}

func (r *Runner) sessionLock(sessionID string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.RWMutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

// Run launches every call in the batch and returns a channel of results in
// completion order plus a wait function that blocks until the batch is
// done and reports whether any call observed cancellation.
func (r *Runner) Run(ctx context.Context, sessionID string, calls []CallRequest, base *Context) (<-chan history.Event, func() error) {
	out := make(chan history.Event, len(calls))
	done := make(chan struct{})

	var wg sync.WaitGroup
	var cancelled atomic.Bool
	var sideEffectStarted atomic.Bool
	var serialMu sync.Mutex
	lock := r.sessionLock(sessionID)

	for _, call := range calls {
		call := call
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.execOne(ctx, sessionID, call, base, lock, &sideEffectStarted, &serialMu, &cancelled, out)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
		close(done)
	}()

	wait := func() error {
		<-done
		if cancelled.Load() {
			return ErrCancelled
		}
		return nil
	}
	return out, wait
}

func (r *Runner) execOne(
	ctx context.Context,
	sessionID string,
	call CallRequest,
	base *Context,
	lock *sync.RWMutex,
	sideEffectStarted *atomic.Bool,
	serialMu *sync.Mutex,
	cancelled *atomic.Bool,
	out chan<- history.Event,
) {
	if ctx.Err() != nil || base.IsAborted() {
		cancelled.Store(true)
		out <- abortedResult(call)
		return
	}

	t, ok := r.registry.Get(call.ToolName)
	if !ok {
		out <- history.NewToolResult(call.CallID, call.ToolName, history.ToolResultError,
			fmt.Sprintf("unknown tool %q", call.ToolName), nil, nil)
		return
	}

	if err := validateArguments(t.Parameters(), call.ArgumentsJSON); err != nil {
		out <- history.NewToolResult(call.CallID, call.ToolName, history.ToolResultError,
			fmt.Sprintf("Invalid arguments: %v", err), nil, nil)
		return
	}

	meta := MetadataFor(t)

	switch meta.Policy {
	case Exclusive:
		lock.Lock()
		defer lock.Unlock()
	case SerialAfterSideEffects:
		lock.RLock()
		defer lock.RUnlock()
		if sideEffectStarted.Load() {
			serialMu.Lock()
			defer serialMu.Unlock()
		}
	default:
		lock.RLock()
		defer lock.RUnlock()
	}

	if meta.HasSideEffects {
		sideEffectStarted.Store(true)
	}

	if ctx.Err() != nil || base.IsAborted() {
		cancelled.Store(true)
		out <- abortedResult(call)
		return
	}

	toolCtx := &Context{
		SessionID:  sessionID,
		MessageID:  base.MessageID,
		CallID:     call.CallID,
		Agent:      base.Agent,
		WorkDir:    base.WorkDir,
		AbortCh:    base.AbortCh,
		Extra:      base.Extra,
		Session:    base.Session,
		OnMetadata: base.OnMetadata,
	}

	result, err := t.Execute(ctx, call.ArgumentsJSON, toolCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) || base.IsAborted() {
			cancelled.Store(true)
			out <- abortedResult(call)
			return
		}
		logging.Error().Err(err).Str("tool", call.ToolName).Str("call_id", call.CallID).Msg("tool execution failed")
		out <- history.NewToolResult(call.CallID, call.ToolName, history.ToolResultError, err.Error(), nil, nil)
		return
	}

	output, offloadErr := applyOffload(meta.Offload, sessionID, call.CallID, result.Output, r.artifactsDir)
	if offloadErr != nil {
		logging.Error().Err(offloadErr).Str("tool", call.ToolName).Msg("offload failed, using untruncated output")
		output = result.Output
	}

	var extra history.UIExtra
	if result.Metadata != nil {
		extra = history.UIExtra(result.Metadata)
	}

	var taskMeta *history.TaskMetadata
	if result.Metadata != nil {
		if raw, ok := result.Metadata["task_metadata"]; ok {
			if tm, ok := raw.(*history.TaskMetadata); ok {
				taskMeta = tm
			}
		}
	}

	out <- history.NewToolResult(call.CallID, call.ToolName, history.ToolResultSuccess, output, extra, taskMeta)
}

func abortedResult(call CallRequest) history.Event {
	return history.NewToolResult(call.CallID, call.ToolName, history.ToolResultAborted, "task cancelled", nil, nil)
}

// validateArguments does a lightweight structural check — required
// top-level properties present — against the tool's declared JSON Schema.
// This stays on the standard library rather than a full schema validator:
// the pack's JSON-schema libraries (invopop/jsonschema, eino-contrib/
// jsonschema, google/jsonschema-go) are all schema *generators* consumed by
// eino to describe tools to the model, not request validators, so none of
// them fit this concern.
func validateArguments(schemaJSON, argsJSON json.RawMessage) error {
	var schema struct {
		Required []string `json:"required"`
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return nil // malformed tool schema is not the caller's fault
		}
	}
	if len(schema.Required) == 0 {
		return nil
	}

	args := argsJSON
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	for _, name := range schema.Required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	return nil
}
