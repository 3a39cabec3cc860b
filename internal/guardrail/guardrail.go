// Package guardrail watches an agent's tool use for policy violations.
//
// The monitor is fed the run's output line by line. It understands the
// stream-json tool_use blocks agents print and checks them against the
// agent's configured guardrails: the allowed tool list, forbidden paths and
// the maximum number of file edits.
package guardrail

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/stream"
)

// editToolNames are tools that modify files on disk.
var editToolNames = map[string]bool{
	"Write":          true,
	"Edit":           true,
	"MultiEdit":      true,
	"NotebookEdit":   true,
	"write_file":     true,
	"edit_file":      true,
	"replace":        true,
	"search_replace": true,
}

// Violation describes the first rule an agent broke.
type Violation struct {
	Tool   string
	Path   string
	Reason string
}

func (v Violation) String() string {
	if v.Path != "" {
		return fmt.Sprintf("%s on %s: %s", v.Tool, v.Path, v.Reason)
	}
	return fmt.Sprintf("%s: %s", v.Tool, v.Reason)
}

// Monitor checks tool use against one agent's guardrails.
type Monitor struct {
	allowed   map[string]bool
	forbidden []string
	maxEdits  int
	edits     int
}

// NewMonitor returns nil when g configures nothing.
func NewMonitor(g config.Guardrails) *Monitor {
	if g.Empty() {
		return nil
	}
	m := &Monitor{forbidden: g.ForbiddenPaths, maxEdits: g.MaxFileEdits}
	if len(g.AllowedTools) > 0 {
		m.allowed = make(map[string]bool, len(g.AllowedTools))
		for _, t := range g.AllowedTools {
			m.allowed[t] = true
		}
	}
	return m
}

// Edits returns how many file edits have been seen.
func (m *Monitor) Edits() int {
	if m == nil {
		return 0
	}
	return m.edits
}

// CheckLine inspects one output line and returns the first violation.
func (m *Monitor) CheckLine(line []byte) *Violation {
	if m == nil {
		return nil
	}
	for _, tu := range stream.ToolUses(line) {
		if v := m.check(tu); v != nil {
			return v
		}
	}
	return nil
}

func (m *Monitor) check(tu stream.ToolUse) *Violation {
	if m.allowed != nil && !m.allowed[tu.Name] {
		return &Violation{Tool: tu.Name, Reason: "tool not in allowed_tools"}
	}
	if tu.Path != "" {
		for _, pattern := range m.forbidden {
			if pathMatches(pattern, tu.Path) {
				return &Violation{Tool: tu.Name, Path: tu.Path, Reason: "path is forbidden by " + pattern}
			}
		}
	}
	if tu.Command != "" {
		for _, pattern := range m.forbidden {
			if strings.Contains(tu.Command, strings.TrimSuffix(pattern, "/**")) {
				return &Violation{Tool: tu.Name, Reason: "command references forbidden path " + pattern}
			}
		}
	}
	if editToolNames[tu.Name] {
		m.edits++
		if m.maxEdits > 0 && m.edits > m.maxEdits {
			return &Violation{Tool: tu.Name, Path: tu.Path, Reason: fmt.Sprintf("more than %d file edits", m.maxEdits)}
		}
	}
	return nil
}

// pathMatches accepts a glob, a directory prefix ending in "/**", or a plain
// prefix. Relative patterns also match any path ending with them.
func pathMatches(pattern, path string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		return path == dir || strings.HasPrefix(path, dir+"/") || strings.Contains(path, "/"+strings.TrimPrefix(dir, "/")+"/")
	}
	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
		return true
	}
	if strings.HasPrefix(path, pattern) {
		return true
	}
	return !filepath.IsAbs(pattern) && strings.HasSuffix(path, "/"+pattern)
}
