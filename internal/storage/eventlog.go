package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coda-run/coda/internal/history"
)

// EventLog is the append-only, newline-delimited-JSON history file for one
// session (spec §4.9). Writes are serialised through a single background
// writer per session; append_history returns once the batch is enqueued,
// not once it is flushed — callers needing durability call WaitForFlush.
type EventLog struct {
	path string

	mu      sync.Mutex
	queue   []history.Event
	flushed chan struct{} // closed and replaced each time the queue drains
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// EventLogStore manages one EventLog per session under a base directory,
// laid out as <base>/<project-key>/<session-id>/events.log per spec §6.
type EventLogStore struct {
	baseDir string

	mu   sync.Mutex
	logs map[string]*EventLog
}

// NewEventLogStore creates a store rooted at baseDir.
func NewEventLogStore(baseDir string) *EventLogStore {
	return &EventLogStore{baseDir: baseDir, logs: make(map[string]*EventLog)}
}

func (s *EventLogStore) pathFor(projectKey, sessionID string) string {
	return filepath.Join(s.baseDir, projectKey, sessionID, "events.log")
}

// PathFor exposes the on-disk path for a session's event log, so callers
// that need to Load() a session ahead of (or instead of) opening its
// background writer can find the same file EventLogStore itself uses.
func (s *EventLogStore) PathFor(projectKey, sessionID string) string {
	return s.pathFor(projectKey, sessionID)
}

// Open returns the EventLog for a session, creating the background writer on
// first use. Subsequent opens for the same session id return the same log.
func (s *EventLogStore) Open(projectKey, sessionID string) *EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log, ok := s.logs[sessionID]; ok {
		return log
	}
	log := newEventLog(s.pathFor(projectKey, sessionID))
	s.logs[sessionID] = log
	return log
}

// ShortestUniquePrefix returns the shortest id prefix that disambiguates
// sessionID among every session id this store currently knows about (spec
// §4.9).
func (s *EventLogStore) ShortestUniquePrefix(sessionID string) string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for n := 1; n <= len(sessionID); n++ {
		prefix := sessionID[:n]
		collision := false
		for _, id := range ids {
			if id != sessionID && strings.HasPrefix(id, prefix) {
				collision = true
				break
			}
		}
		if !collision {
			return prefix
		}
	}
	return sessionID
}

func newEventLog(path string) *EventLog {
	l := &EventLog{
		path:    path,
		flushed: make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writerLoop()
	return l
}

// Append enqueues events for the background writer. It returns immediately;
// use WaitForFlush for durability.
func (l *EventLog) Append(events ...history.Event) {
	if len(events) == 0 {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, events...)
	l.mu.Unlock()
}

// WaitForFlush blocks until every event appended before this call has been
// written to disk.
func (l *EventLog) WaitForFlush() {
	for {
		l.mu.Lock()
		empty := len(l.queue) == 0
		ch := l.flushed
		l.mu.Unlock()
		if empty {
			return
		}
		<-ch
	}
}

// RewriteFrom atomically replaces the on-disk log with exactly the given
// events, used by Session.RevertToCheckpoint (spec §4.9: "the implementation
// may either rewrite the file or append a revert marker consumed at load
// time"). Safe to call concurrently with the background writer: it waits for
// any queued appends to flush first, then takes over the file lock itself.
func (l *EventLog) RewriteFrom(events []history.Event) error {
	l.WaitForFlush()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("eventlog: mkdir: %w", err)
	}
	lock := NewFileLock(l.path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("eventlog: lock: %w", err)
	}
	defer lock.Unlock()

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("eventlog: create temp: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return fmt.Errorf("eventlog: encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("eventlog: close temp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("eventlog: rename: %w", err)
	}
	return nil
}

// Close stops the background writer after flushing anything queued.
func (l *EventLog) Close() {
	l.WaitForFlush()
	close(l.closeCh)
	l.wg.Wait()
}

func (l *EventLog) writerLoop() {
	defer l.wg.Done()
	ticker := make(chan struct{}, 1)
	notify := func() {
		select {
		case ticker <- struct{}{}:
		default:
		}
	}
	notify()

	for {
		select {
		case <-ticker:
			l.drain()
		case <-l.closeCh:
			l.drain()
			return
		}
		// Re-check for work enqueued while we were draining.
		l.mu.Lock()
		more := len(l.queue) > 0
		l.mu.Unlock()
		if more {
			notify()
		} else {
			select {
			case <-l.closeCh:
				return
			default:
			}
		}
	}
}

func (l *EventLog) drain() {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	if len(batch) > 0 {
		if err := l.writeBatch(batch); err != nil {
			// Session store errors are non-fatal (spec §7): the engine keeps
			// running off in-memory state and the next append retries.
			l.mu.Lock()
			l.queue = append(batch, l.queue...)
			l.mu.Unlock()
			return
		}
	}

	l.mu.Lock()
	close(l.flushed)
	l.flushed = make(chan struct{})
	l.mu.Unlock()
}

func (l *EventLog) writeBatch(events []history.Event) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("eventlog: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open: %w", err)
	}
	defer f.Close()

	lock := NewFileLock(l.path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("eventlog: lock: %w", err)
	}
	defer lock.Unlock()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("eventlog: encode: %w", err)
		}
	}
	return w.Flush()
}

// Load replays the events file sequentially into a fresh history.Session. A
// missing file returns an empty session when skipIfMissing is true;
// otherwise it is an error. A malformed record aborts the load.
func Load(path, sessionID, workDir string, skipIfMissing bool) (*history.Session, error) {
	sess := history.NewSession(sessionID, workDir)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && skipIfMissing {
			return sess, nil
		}
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e history.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("eventlog: malformed record at line %d: %w", lineNo, err)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("eventlog: line %d: %w", lineNo, err)
		}
		sess.History = append(sess.History, e)
		if e.Kind == history.KindCheckpoint && e.CheckpointID >= sess.NextCheckpointID {
			sess.NextCheckpointID = e.CheckpointID + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return sess, nil
}
