package userinteraction

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coda-run/coda/internal/event"
)

// ErrRequestAlreadyPending is returned by Request when another request is
// already in flight process-wide (spec §4.8: "at most one ... pending
// process-wide at any instant").
var ErrRequestAlreadyPending = errors.New("userinteraction: a request is already pending")

// ResponseStatus tags how a pending request was resolved.
type ResponseStatus string

const (
	StatusSubmitted ResponseStatus = "submitted"
	StatusDeclined  ResponseStatus = "declined"
)

// Response is what Respond delivers back to the waiting caller.
type Response struct {
	Status  ResponseStatus
	Payload any
}

// PendingRequest describes an in-flight request, exposed so the UI can
// recover its state after a reconnect.
type PendingRequest struct {
	RequestID  string
	SessionID  string
	ToolCallID string
	Source     string
	Payload    any
}

type pending struct {
	PendingRequest
	resultCh chan Response
	done     bool
}

// Manager arbitrates a single process-wide pending user-interaction
// request at a time.
type Manager struct {
	queue *event.Queue

	mu      sync.Mutex
	current *pending
}

// NewManager builds a Manager that emits UserInteractionRequestEvent on
// queue when a request is opened.
func NewManager(queue *event.Queue) *Manager {
	return &Manager{queue: queue}
}

// Request opens a new pending interaction and blocks until Respond or
// CancelPending resolves it, or ctxDone fires. Only one request may be
// pending at a time; a concurrent second call fails immediately.
func (m *Manager) Request(requestID, sessionID, toolCallID, source string, payload any, ctxDone <-chan struct{}) (Response, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return Response{}, ErrRequestAlreadyPending
	}
	p := &pending{
		PendingRequest: PendingRequest{
			RequestID:  requestID,
			SessionID:  sessionID,
			ToolCallID: toolCallID,
			Source:     source,
			Payload:    payload,
		},
		resultCh: make(chan Response, 1),
	}
	m.current = p
	m.mu.Unlock()

	m.queue.Emit(event.EngineEvent{
		Kind:                     event.EngineUserInteractionReq,
		SessionID:                sessionID,
		UserInteractionRequestID: requestID,
		UserInteractionPayload:   payload,
	})

	select {
	case resp := <-p.resultCh:
		return resp, nil
	case <-ctxDone:
		m.clearIfCurrent(p)
		return Response{Status: StatusDeclined}, nil
	}
}

// Respond delivers a user's answer to the pending request named by
// requestID. A submitted response must carry a payload.
func (m *Manager) Respond(requestID, sessionID string, status ResponseStatus, payload any) error {
	if status == StatusSubmitted && payload == nil {
		return fmt.Errorf("userinteraction: submitted response for %s must carry a payload", requestID)
	}

	m.mu.Lock()
	p := m.current
	if p == nil || p.RequestID != requestID || p.SessionID != sessionID {
		m.mu.Unlock()
		return fmt.Errorf("userinteraction: no pending request %s for session %s", requestID, sessionID)
	}
	m.current = nil
	p.done = true
	m.mu.Unlock()

	p.resultCh <- Response{Status: status, Payload: payload}
	return nil
}

// CancelPending cancels the outstanding request, if any, optionally
// scoped to a session. The waiting caller observes StatusDeclined so the
// tool's contract ("the assistant's tool-call list is always closed")
// still holds.
func (m *Manager) CancelPending(sessionID string) {
	m.mu.Lock()
	p := m.current
	if p == nil || (sessionID != "" && p.SessionID != sessionID) {
		m.mu.Unlock()
		return
	}
	m.current = nil
	p.done = true
	m.mu.Unlock()

	p.resultCh <- Response{Status: StatusDeclined}
}

func (m *Manager) clearIfCurrent(p *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == p && !p.done {
		m.current = nil
	}
}

// Pending returns the currently outstanding request, if any, so the UI can
// recover it after reconnecting.
func (m *Manager) Pending() (PendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return PendingRequest{}, false
	}
	return m.current.PendingRequest, true
}
