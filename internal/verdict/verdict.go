// Package verdict extracts an analyzer's structured judgment from its output.
package verdict

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// ErrParse is returned when the output carries no recognizable verdict.
var ErrParse = errors.New("verdict parse error")

var verdictLine = regexp.MustCompile(`(?im)^\s*\**\s*verdict\s*\**\s*:\s*\**\s*([a-z_]+)`)

// Parse finds the verdict in analyzer output. The last JSON object with a
// "verdict" key wins; without one, the last "VERDICT: <kind>" line is used.
func Parse(output string) (*store.Verdict, error) {
	text := ansi.Strip(output)

	if v, ok := lastJSONVerdict(text); ok {
		return v, nil
	}
	if m := verdictLine.FindAllStringSubmatch(text, -1); len(m) > 0 {
		kind := normalizeKind(m[len(m)-1][1])
		if kind.Valid() {
			return &store.Verdict{Kind: kind}, nil
		}
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrParse, m[len(m)-1][1])
	}
	return nil, fmt.Errorf("%w: no verdict found", ErrParse)
}

type rawVerdict struct {
	Verdict        string   `json:"verdict"`
	Reason         string   `json:"reason"`
	FollowupPrompt string   `json:"followup_prompt"`
	Findings       []string `json:"findings"`
}

// lastJSONVerdict scans balanced {...} spans from the end of text.
func lastJSONVerdict(text string) (*store.Verdict, bool) {
	for end := strings.LastIndexByte(text, '}'); end >= 0; end = strings.LastIndexByte(text[:end], '}') {
		for start := strings.LastIndexByte(text[:end], '{'); start >= 0; start = strings.LastIndexByte(text[:start], '{') {
			candidate := text[start : end+1]
			if !strings.Contains(candidate, `"verdict"`) {
				continue
			}
			var raw rawVerdict
			if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
				continue
			}
			kind := normalizeKind(raw.Verdict)
			if !kind.Valid() {
				continue
			}
			return &store.Verdict{
				Kind:           kind,
				Reason:         raw.Reason,
				FollowupPrompt: raw.FollowupPrompt,
				Findings:       raw.Findings,
			}, true
		}
		if end == 0 {
			break
		}
	}
	return nil, false
}

func normalizeKind(s string) store.VerdictKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "complete", "completed", "pass", "approved":
		return store.VerdictComplete
	case "followup", "follow_up", "follow-up":
		return store.VerdictFollowup
	case "revision", "revise", "needs_revision":
		return store.VerdictRevision
	case "failed", "fail", "reject", "rejected":
		return store.VerdictFailed
	}
	return store.VerdictKind(strings.ToLower(strings.TrimSpace(s)))
}
