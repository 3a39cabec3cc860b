// Package stream reads the newline-delimited JSON an agent CLI prints with
// --output-format stream-json. Lines that are not JSON pass through as text,
// so plain-output agents work too.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const maxLineSize = 1024 * 1024

// ParseLine decodes one stream line. ok is false for non-JSON lines.
func ParseLine(line []byte) (ev Event, ok bool) {
	line = bytes.TrimSpace([]byte(ansi.Strip(string(line))))
	if len(line) == 0 || line[0] != '{' {
		return Event{}, false
	}
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

// ReadableText renders one line for humans: assistant text blocks, tool
// names, and the result. Non-JSON lines are returned with ANSI codes removed.
// Events with nothing to show return "".
func ReadableText(line []byte) string {
	ev, ok := ParseLine(line)
	if !ok {
		return strings.TrimRight(ansi.Strip(string(line)), "\r\n")
	}
	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return ""
		}
		var parts []string
		for _, b := range ev.Message.Content {
			switch b.Type {
			case "text":
				if t := strings.TrimSpace(b.Text); t != "" {
					parts = append(parts, t)
				}
			case "tool_use":
				parts = append(parts, "[tool:"+b.Name+"]")
			}
		}
		return strings.Join(parts, "\n")
	case "result":
		return strings.TrimSpace(ev.Result)
	}
	return ""
}

// ToolUses returns the tool invocations carried by one line.
func ToolUses(line []byte) []ToolUse {
	ev, ok := ParseLine(line)
	if !ok || ev.Type != "assistant" || ev.Message == nil {
		return nil
	}
	var out []ToolUse
	for _, b := range ev.Message.Content {
		if b.Type != "tool_use" {
			continue
		}
		tu := ToolUse{Name: b.Name}
		if len(b.Input) > 0 {
			var in struct {
				FilePath     string `json:"file_path"`
				Path         string `json:"path"`
				NotebookPath string `json:"notebook_path"`
				Command      string `json:"command"`
			}
			if err := json.Unmarshal(b.Input, &in); err == nil {
				tu.Path = firstNonEmpty(in.FilePath, in.Path, in.NotebookPath)
				tu.Command = in.Command
			}
		}
		out = append(out, tu)
	}
	return out
}

// Summarize scans a whole output log.
func Summarize(r io.Reader) (Summary, error) {
	var s Summary
	var text []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if ev, ok := ParseLine(line); ok {
			if ev.SessionID != "" {
				s.SessionID = ev.SessionID
			}
			if ev.Type == "result" {
				s.CostUSD = ev.TotalCostUSD
				s.Result = ev.Result
				s.IsError = ev.IsError
			}
		}
		if t := ReadableText(line); t != "" {
			text = append(text, t)
		}
	}
	s.Text = strings.Join(text, "\n")
	return s, sc.Err()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
