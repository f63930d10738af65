package reminder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/coda-run/coda/internal/history"
)

// SkillFrontmatter is a SKILL.md's YAML frontmatter, mirroring the fields
// internal/command's hand-rolled parser extracts for slash commands.
type SkillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Skill is one loaded SKILL.md: its metadata plus the markdown body that
// follows the frontmatter.
type Skill struct {
	Name string
	Meta SkillFrontmatter
	Body string
}

// maxFuzzySuggestDistance bounds how different a skill name can be from the
// requested one before it's no longer offered as a "did you mean" guess.
const maxFuzzySuggestDistance = 3

// NewSkillActivationReminder returns a reminder that recognizes a leading
// /skill:<name> or //skill:<name> token in the latest user message, loads
// that skill's SKILL.md, and injects its body as a developer message. If no
// exact match exists, it suggests the closest name by edit distance (spec
// §4.3 skill activation).
//
// skillDir is searched for one subdirectory per skill, each containing a
// SKILL.md, mirroring internal/command's .opencode/command/<name>.md
// layout (internal/command/executor.go's loadFromFiles).
func NewSkillActivationReminder(skillDir string) func(*history.Session) (*history.Event, error) {
	return func(session *history.Session) (*history.Event, error) {
		snap := session.Snapshot()
		var userText string
		for i := len(snap) - 1; i >= 0; i-- {
			if snap[i].Kind == history.KindUserMessage {
				userText = renderParts(snap[i].UserParts)
				break
			}
		}

		name, ok := parseSkillToken(userText)
		if !ok {
			return nil, nil
		}

		names, err := listSkillNames(skillDir)
		if err != nil || len(names) == 0 {
			return nil, nil
		}

		path := filepath.Join(skillDir, name, "SKILL.md")
		tracked := session.FileTrackerSnapshot()
		if contains(names, name) {
			if entry, isTracked := tracked[path]; isTracked && entry.IsMemory {
				if unchanged(path, entry) {
					return nil, nil
				}
			}

			skill, loadErr := loadSkill(skillDir, name)
			if loadErr != nil {
				return nil, nil
			}
			_ = session.MarkFileRead(path, true)

			body := fmt.Sprintf("<system-reminder>\nActivated skill \"%s\": %s\n\n%s\n</system-reminder>",
				skill.Name, skill.Meta.Description, skill.Body)
			msg := history.NewDeveloperMessage([]history.Part{history.TextPart(body)}, nil)
			return &msg, nil
		}

		suggestion := closestName(name, names)
		if suggestion == "" {
			return nil, nil
		}
		body := fmt.Sprintf("<system-reminder>\nNo skill named \"%s\" found. Did you mean \"%s\"?\n</system-reminder>", name, suggestion)
		msg := history.NewDeveloperMessage([]history.Part{history.TextPart(body)}, nil)
		return &msg, nil
	}
}

// parseSkillToken recognizes a leading /skill:<name> or //skill:<name>
// token at the start of text (after trimming whitespace).
func parseSkillToken(text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{"//skill:", "/skill:"} {
		if strings.HasPrefix(text, prefix) {
			rest := strings.TrimPrefix(text, prefix)
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return "", false
			}
			return fields[0], true
		}
	}
	return "", false
}

func listSkillNames(skillDir string) ([]string, error) {
	entries, err := os.ReadDir(skillDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(skillDir, e.Name(), "SKILL.md")); statErr == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func loadSkill(skillDir, name string) (*Skill, error) {
	path := filepath.Join(skillDir, name, "SKILL.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta, body := splitFrontmatter(string(data))
	var fm SkillFrontmatter
	if meta != "" {
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return nil, fmt.Errorf("reminder: parse %s frontmatter: %w", path, err)
		}
	}
	if fm.Name == "" {
		fm.Name = name
	}

	return &Skill{Name: name, Meta: fm, Body: strings.TrimSpace(body)}, nil
}

// splitFrontmatter splits a "---\n...\n---\n<body>" document into its YAML
// block and the remaining body. Returns ("", content) if there's no leading
// frontmatter delimiter.
func splitFrontmatter(content string) (meta, body string) {
	const delim = "---"
	if !strings.HasPrefix(content, delim) {
		return "", content
	}
	rest := content[len(delim):]
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+delim)
	if end == -1 {
		return "", content
	}
	meta = rest[:end]
	body = rest[end+len(delim)+1:]
	return meta, body
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func closestName(name string, names []string) string {
	best := ""
	bestDist := maxFuzzySuggestDistance + 1
	for _, n := range names {
		d := levenshtein.ComputeDistance(name, n)
		if d < bestDist {
			bestDist = d
			best = n
		}
	}
	if bestDist > maxFuzzySuggestDistance {
		return ""
	}
	return best
}

func unchanged(path string, entry history.FileTrackerEntry) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().UnixNano() == entry.MTime
}
