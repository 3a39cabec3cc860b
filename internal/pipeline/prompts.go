package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// stagePrompt builds the prompt of the run a starts: the agent's own prompt
// followed by what this stage needs to know about the pipeline.
func (e *Engine) stagePrompt(in *instance, a Action) string {
	if a.Kind == ActionRelaunchSession || a.Kind == ActionRetryPhase {
		return a.Prompt
	}
	base := ""
	if cfg, err := e.opts.Config.Load(a.Agent); err == nil {
		base = strings.TrimSpace(cfg.Prompt)
	}
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}

	if tp := in.team; tp != nil {
		fmt.Fprintf(&b, "Team %s", tp.Team)
		if tp.Project != "" {
			fmt.Fprintf(&b, ", project %s", tp.Project)
		}
		fmt.Fprintf(&b, ", phase %q.\n", a.Phase)
		if tp.DocsPath != "" {
			fmt.Fprintf(&b, "Project documents live in %s.\n", tp.DocsPath)
		}
		if tp.Prompt != "" {
			fmt.Fprintf(&b, "\n%s\n", tp.Prompt)
		}
		if a.Kind == ActionTriggerValidation {
			fmt.Fprintf(&b, "\nValidate the output of phase %q (run %s).\n", a.Phase, a.RunID)
			b.WriteString("End your answer with a JSON object: ")
			b.WriteString(`{"verdict": "complete|revision|failed", "reason": "...", "followup_prompt": "...", "findings": ["..."]}`)
		}
		return strings.TrimSpace(b.String())
	}

	p := in.linear
	switch a.Kind {
	case ActionTriggerImplementer:
		fmt.Fprintf(&b, "Implement: %s\n", p.IdeaTitle)
		if p.Prompt != "" {
			fmt.Fprintf(&b, "\n%s\n", p.Prompt)
		}
		writeInputs(&b, p.Inputs)
		if p.WorktreePath != "" {
			fmt.Fprintf(&b, "\nWork in %s on branch %s.\n", p.WorktreePath, p.WorktreeBranch)
		}
	case ActionTriggerAnalyzer:
		run, err := e.opts.Runner.Run(a.RunID)
		if err != nil {
			run = &store.RunLog{RunID: a.RunID, AgentName: p.Stages[0].Agent, Status: store.StatusSuccess}
		}
		return jobs.AnalyzerPrompt(b.String(), run)
	case ActionTriggerQA:
		fmt.Fprintf(&b, "Verify the implementation of %q in %s (branch %s, base %s).\n", p.IdeaTitle, p.WorktreePath, p.WorktreeBranch, p.BaseCommit)
	case ActionTriggerMerger:
		fmt.Fprintf(&b, "Merge branch %s of %s into the branch it was created from (base %s).\n", p.WorktreeBranch, p.RepoPath, p.BaseCommit)
	}
	return strings.TrimSpace(b.String())
}

func writeInputs(b *strings.Builder, inputs map[string]string) {
	if len(inputs) == 0 {
		return
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("\nInputs:\n")
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, inputs[k])
	}
}
