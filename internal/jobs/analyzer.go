package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// LabelPostRunAnalyzer marks runs started by a post_run_analyzer hook.
const LabelPostRunAnalyzer = "post_run_analyzer"

// runPostAnalyzer starts the analyzer configured for a finished non-pipeline
// run. A missing analyzer agent is logged and skipped.
func (m *Manager) runPostAnalyzer(cfg *config.AgentConfig, run *store.RunLog) {
	name := cfg.PostRunAnalyzer.Agent
	if name == run.AgentName || run.Label == LabelPostRunAnalyzer {
		return
	}
	analyzer, err := m.opts.Config.Load(name)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			debug.LogKV("jobs", "post-run analyzer missing, skipping", "agent", run.AgentName, "analyzer", name)
			return
		}
		debug.LogKV("jobs", "loading post-run analyzer failed", "analyzer", name, "error", err)
		return
	}
	if !analyzer.Enabled {
		debug.LogKV("jobs", "post-run analyzer disabled, skipping", "agent", run.AgentName, "analyzer", name)
		return
	}
	opts := TriggerOptions{
		Kind:        store.TriggerEvent,
		Prompt:      AnalyzerPrompt(analyzer.Prompt, run),
		Label:       LabelPostRunAnalyzer,
		ParentRunID: run.RunID,
		Env: map[string]string{
			"NOLAN_ANALYZED_RUN_ID": run.RunID,
			"NOLAN_ANALYZED_AGENT":  run.AgentName,
			"NOLAN_ANALYZED_OUTPUT": run.OutputFile,
			"NOLAN_ANALYZED_STATUS": string(run.Status),
		},
	}
	if _, err := m.start(m.ctx, analyzer, opts); err != nil && !errors.Is(err, ErrQueued) {
		debug.LogKV("jobs", "post-run analyzer trigger failed", "analyzer", name, "run_id", run.RunID, "error", err)
	}
}

// AnalyzerPrompt appends the analyzed run's identity and the verdict format
// to an analyzer's base prompt.
func AnalyzerPrompt(base string, run *store.RunLog) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(strings.TrimSpace(base))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Review run %s of agent %q (status %s).\n", run.RunID, run.AgentName, run.Status)
	if run.OutputFile != "" {
		fmt.Fprintf(&b, "Its output log is at %s.\n", run.OutputFile)
	}
	if run.WorktreePath != "" {
		fmt.Fprintf(&b, "Its changes are in the worktree %s (branch %s, base %s).\n", run.WorktreePath, run.WorktreeBranch, run.BaseCommit)
	}
	b.WriteString("\nEnd your answer with a JSON object: ")
	b.WriteString(`{"verdict": "complete|followup|failed", "reason": "...", "followup_prompt": "...", "findings": ["..."]}`)
	return b.String()
}
