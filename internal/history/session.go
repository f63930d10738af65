package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
)

// FileTrackerEntry is the last-known state of a file the engine has read or
// written, used to detect out-of-band edits (spec §3 invariant 5).
type FileTrackerEntry struct {
	SHA256   string `json:"sha256"`
	MTime    int64  `json:"mtime"`
	IsMemory bool   `json:"is_memory"`
}

// TodoStatus is the lifecycle state of a TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of a session's TodoList.
type TodoItem struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status TodoStatus `json:"status"`
}

// Session owns one conversation's full state: its append-only History, its
// FileTracker, its TodoList and the next checkpoint id to issue. A Session
// is exclusively mutated by its owning TaskExecutor (spec §3 Ownership);
// tools only ever see the scoped FileTracker/TodoContext views.
type Session struct {
	mu sync.Mutex

	ID               string
	WorkDir          string
	ParentID         string // empty for a top-level session
	History          []Event
	FileTracker      map[string]FileTrackerEntry
	TodoList         []TodoItem
	NextCheckpointID int

	// OnAppend, if set, is called (outside s.mu) with every batch just
	// written to History, so a caller can forward it to a storage.EventLog
	// (spec §4.9 append_history). It must not block materially — EventLog
	// already does its own async batching.
	OnAppend func([]Event)
}

// NewSession creates a fresh, empty session.
func NewSession(id, workDir string) *Session {
	return &Session{
		ID:          id,
		WorkDir:     workDir,
		FileTracker: make(map[string]FileTrackerEntry),
	}
}

// Append adds events to the history under the session's lock, assigning each
// a monotonically increasing Index and a timestamp supplied by the caller
// (the engine never calls time.Now() itself below the task boundary, so the
// same clock value can be reused across commands derived from one action).
func (s *Session) Append(nowMS int64, events ...Event) []Event {
	s.mu.Lock()
	out := make([]Event, 0, len(events))
	for _, e := range events {
		e.Index = len(s.History)
		if e.Timestamp == 0 {
			e.Timestamp = nowMS
		}
		s.History = append(s.History, e)
		out = append(out, e)
	}
	onAppend := s.OnAppend
	s.mu.Unlock()

	if onAppend != nil && len(out) > 0 {
		onAppend(out)
	}
	return out
}

// Len returns the number of events currently in history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.History)
}

// Snapshot returns a copy of the current history slice, safe to iterate
// without holding the session lock.
func (s *Session) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.History))
	copy(out, s.History)
	return out
}

// MarkFileRead records the tracked sha256/mtime for a path the engine just
// read or wrote, so a later reminder pass can detect external changes.
func (s *Session) MarkFileRead(path string, isMemory bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("history: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("history: stat %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.FileTracker[path] = FileTrackerEntry{
		SHA256:   sha256Hex(data),
		MTime:    info.ModTime().UnixNano(),
		IsMemory: isMemory,
	}
	return nil
}

// TodoSnapshot returns a copy of the TodoList, safe to read without holding
// the session lock.
func (s *Session) TodoSnapshot() []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TodoItem, len(s.TodoList))
	copy(out, s.TodoList)
	return out
}

// SetTodos replaces the session's TodoList, used by the todowrite tool to
// publish its updated task list.
func (s *Session) SetTodos(items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TodoList = items
}

// FileTrackerSnapshot returns a copy of the FileTracker map, safe to read
// without holding the session lock (used by reminders deciding whether a
// memory file is new-or-changed before re-emitting it).
func (s *Session) FileTrackerSnapshot() map[string]FileTrackerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FileTrackerEntry, len(s.FileTracker))
	for k, v := range s.FileTracker {
		out[k] = v
	}
	return out
}

// ChangedTrackedFiles returns the paths whose on-disk sha256 no longer
// matches the tracked value — candidates for the external-file-change
// reminder (spec §4.3). Memory files are excluded; those are handled by the
// memory-discovery reminder instead.
func (s *Session) ChangedTrackedFiles() []string {
	s.mu.Lock()
	tracked := make(map[string]FileTrackerEntry, len(s.FileTracker))
	for k, v := range s.FileTracker {
		tracked[k] = v
	}
	s.mu.Unlock()

	var changed []string
	for path, entry := range tracked {
		if entry.IsMemory {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if sha256Hex(data) != entry.SHA256 {
			changed = append(changed, path)
		}
	}
	return changed
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CreateCheckpoint appends a Checkpoint event capturing the given user
// message snapshot and returns its id. Checkpoint ids are strictly
// increasing per spec §3 invariant 4.
func (s *Session) CreateCheckpoint(nowMS int64, userMessageSnapshot []Part) Event {
	s.mu.Lock()
	id := s.NextCheckpointID
	s.NextCheckpointID++
	s.mu.Unlock()

	events := s.Append(nowMS, NewCheckpoint(id, userMessageSnapshot))
	return events[0]
}

// RevertToCheckpoint truncates history just after the given checkpoint id
// (the Checkpoint event itself is kept, everything after it is dropped) and
// appends a note event explaining the revert. Returns the index reverted
// from (the length of history before truncation) for callers that need to
// log it.
func (s *Session) RevertToCheckpoint(id int, note string) (revertedFromIndex int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := -1
	for i, e := range s.History {
		if e.Kind == KindCheckpoint && e.CheckpointID == id {
			cut = i
			break
		}
	}
	if cut == -1 {
		return 0, fmt.Errorf("history: checkpoint %d not found", id)
	}

	revertedFromIndex = len(s.History)
	s.History = s.History[:cut+1]
	noteEvent := NewInterruptEntry()
	noteEvent.Kind = KindSystemMessage
	noteEvent.SystemParts = []Part{TextPart(note)}
	noteEvent.Index = len(s.History)
	s.History = append(s.History, noteEvent)

	return revertedFromIndex, nil
}
