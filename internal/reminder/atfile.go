package reminder

import (
	"fmt"
	"os"
	"strings"

	"github.com/coda-run/coda/internal/history"
)

// maxAtFileBytes bounds how much of a single @-referenced file gets inlined,
// so a stray "@build/vendor.bundle.js" can't blow the context budget.
const maxAtFileBytes = 32 * 1024

// NewAtFileReminder returns a reminder that scans the most recent user
// message for @path / @"quoted path" tokens and inlines the referenced
// files' contents as a developer message (spec §4.3 @-file resolver).
func NewAtFileReminder() func(*history.Session) (*history.Event, error) {
	return func(session *history.Session) (*history.Event, error) {
		snap := session.Snapshot()
		var userText string
		for i := len(snap) - 1; i >= 0; i-- {
			if snap[i].Kind == history.KindUserMessage {
				userText = renderParts(snap[i].UserParts)
				break
			}
		}
		if userText == "" {
			return nil, nil
		}

		paths := parseAtTokens(userText)
		if len(paths) == 0 {
			return nil, nil
		}

		var sections []string
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				sections = append(sections, fmt.Sprintf("# %s\n\n(could not read file: %s)", path, err))
				continue
			}
			if len(data) > maxAtFileBytes {
				data = data[:maxAtFileBytes]
			}
			sections = append(sections, fmt.Sprintf("# %s\n\n%s", path, string(data)))
			_ = session.MarkFileRead(path, false)
		}

		body := "<system-reminder>\n" + strings.Join(sections, "\n\n---\n\n") + "\n</system-reminder>"
		msg := history.NewDeveloperMessage([]history.Part{history.TextPart(body)}, nil)
		return &msg, nil
	}
}

// parseAtTokens extracts @path and @"quoted path" references from text,
// in first-seen order, deduplicated.
func parseAtTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		if i+1 >= len(runes) {
			break
		}

		var tok string
		if runes[i+1] == '"' {
			end := -1
			for j := i + 2; j < len(runes); j++ {
				if runes[j] == '"' {
					end = j
					break
				}
			}
			if end == -1 {
				continue
			}
			tok = string(runes[i+2 : end])
			i = end
		} else {
			j := i + 1
			for j < len(runes) && !isTokenBoundary(runes[j]) {
				j++
			}
			tok = string(runes[i+1 : j])
			i = j - 1
		}

		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func isTokenBoundary(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', ',', ';', ')', ']', '}':
		return true
	default:
		return false
	}
}

func renderParts(parts []history.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == history.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
