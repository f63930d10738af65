package reminder

import (
	"fmt"
	"strings"

	"github.com/coda-run/coda/internal/history"
)

// NewExternalChangeReminder returns a reminder that warns the model when a
// tracked file it previously read or wrote has since changed on disk outside
// the engine's control (spec §4.3 external file change detection).
func NewExternalChangeReminder() func(*history.Session) (*history.Event, error) {
	return func(session *history.Session) (*history.Event, error) {
		changed := session.ChangedTrackedFiles()
		if len(changed) == 0 {
			return nil, nil
		}

		var b strings.Builder
		b.WriteString("<system-reminder>\n")
		b.WriteString("The following files were modified outside this conversation since they were last read:\n")
		for _, path := range changed {
			fmt.Fprintf(&b, "- %s\n", path)
		}
		b.WriteString("Re-read a file before editing it if its current contents matter.\n")
		b.WriteString("</system-reminder>")

		msg := history.NewDeveloperMessage([]history.Part{history.TextPart(b.String())}, nil)
		return &msg, nil
	}
}
