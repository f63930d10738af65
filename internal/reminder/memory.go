package reminder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coda-run/coda/internal/history"
)

// memoryFileNames are checked in this priority order within each candidate
// directory; the first one found wins for that directory (spec §4.3).
var memoryFileNames = []string{"AGENTS.md", "CLAUDE.md", "AGENT.md"}

// NewMemoryDiscoveryReminder returns a reminder that searches the project
// directory and the user's home directory for memory files, skipping
// directories already resolved and files whose tracked content hasn't
// changed since they were last loaded (spec §4.3 memory discovery).
//
// Each directory contributes at most its first-found file, and the check
// runs on every turn, not only once at session start.
func NewMemoryDiscoveryReminder(workDir string) func(*history.Session) (*history.Event, error) {
	dirs := []string{workDir}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}

	return func(session *history.Session) (*history.Event, error) {
		tracked := session.FileTrackerSnapshot()

		var loaded []string
		for _, dir := range dirs {
			path := firstExisting(dir, memoryFileNames)
			if path == "" {
				continue
			}

			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if len(data) == 0 {
				continue
			}

			if entry, ok := tracked[path]; ok && entry.IsMemory {
				info, err := os.Stat(path)
				if err == nil && info.ModTime().UnixNano() == entry.MTime {
					continue
				}
			}

			if err := session.MarkFileRead(path, true); err != nil {
				continue
			}
			loaded = append(loaded, fmt.Sprintf("# %s\n\n%s", path, strings.TrimSpace(string(data))))
		}

		if len(loaded) == 0 {
			return nil, nil
		}

		body := "<system-reminder>\n" + strings.Join(loaded, "\n\n---\n\n") + "\n</system-reminder>"
		msg := history.NewDeveloperMessage([]history.Part{history.TextPart(body)}, nil)
		return &msg, nil
	}
}

// firstExisting returns the first of names found directly under dir, or "".
func firstExisting(dir string, names []string) string {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
