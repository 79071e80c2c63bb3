// Package commands loads command and subagent definition files: markdown
// files with optional YAML front matter (description, model, subtask) under
// a workspace directory, parsed into records the rest of the runtime
// consumes. Command templates interpolate $ARGUMENTS (all args joined by a
// single space) and $N (1-based positional).
package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoDir is returned by LoadDir/LoadSubagents when the directory does not
// exist; callers typically treat it as "no commands configured".
var ErrNoDir = errors.New("commands: directory does not exist")

// frontMatter is the optional YAML block between --- fences at the top of a
// definition file.
type frontMatter struct {
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Subtask     bool   `yaml:"subtask"`
}

// Command is one loaded command definition. Name comes from the filename
// (sans .md); Template is the markdown body after the front matter.
type Command struct {
	Name        string
	Description string
	Model       string
	Subtask     bool
	Template    string
}

// Subagent is one loaded subagent definition; the body is the persona's
// system instructions.
type Subagent struct {
	Name         string
	Description  string
	Model        string
	Instructions string
}

var positional = regexp.MustCompile(`\$(\d+)`)

// Expand interpolates the template: $ARGUMENTS becomes all args joined by a
// single space, $N (1-based) the Nth arg or empty when out of range.
func (c Command) Expand(args []string) string {
	out := strings.ReplaceAll(c.Template, "$ARGUMENTS", strings.Join(args, " "))
	return positional.ReplaceAllStringFunc(out, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < 1 || n > len(args) {
			return ""
		}
		return args[n-1]
	})
}

// splitFrontMatter separates an optional leading --- fenced YAML block from
// the body. A file with no fence is all body.
func splitFrontMatter(raw []byte) (fm frontMatter, body string, err error) {
	const fence = "---"
	text := string(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n")))
	if !strings.HasPrefix(text, fence+"\n") {
		return frontMatter{}, text, nil
	}
	rest := text[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		return frontMatter{}, text, nil
	}
	head := rest[:end]
	body = rest[end+len(fence)+1:]
	body = strings.TrimPrefix(body, "\n")
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return frontMatter{}, "", fmt.Errorf("commands: parse front matter: %w", err)
	}
	return fm, body, nil
}

// ParseCommand parses one definition file's contents into a Command named
// name.
func ParseCommand(name string, raw []byte) (Command, error) {
	fm, body, err := splitFrontMatter(raw)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Name:        name,
		Description: fm.Description,
		Model:       fm.Model,
		Subtask:     fm.Subtask,
		Template:    body,
	}, nil
}

// ParseSubagent parses one definition file's contents into a Subagent named
// name.
func ParseSubagent(name string, raw []byte) (Subagent, error) {
	fm, body, err := splitFrontMatter(raw)
	if err != nil {
		return Subagent{}, err
	}
	return Subagent{
		Name:         name,
		Description:  fm.Description,
		Model:        fm.Model,
		Instructions: body,
	}, nil
}

// LoadDir reads every .md file directly under dir into a Command, keyed by
// filename sans extension. A malformed file fails the whole load so a typo
// in one definition is noticed rather than silently dropped.
func LoadDir(dir string) ([]Command, error) {
	files, err := listDefinitions(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Command, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("commands: read %s: %w", f, err)
		}
		c, err := ParseCommand(defName(f), raw)
		if err != nil {
			return nil, fmt.Errorf("commands: %s: %w", f, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadSubagents reads every .md file directly under dir into a Subagent.
func LoadSubagents(dir string) ([]Subagent, error) {
	files, err := listDefinitions(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Subagent, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("commands: read %s: %w", f, err)
		}
		s, err := ParseSubagent(defName(f), raw)
		if err != nil {
			return nil, fmt.Errorf("commands: %s: %w", f, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func listDefinitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDir
		}
		return nil, fmt.Errorf("commands: read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func defName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".md")
}
