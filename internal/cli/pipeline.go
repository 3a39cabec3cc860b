package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:     "pipeline",
	Aliases: []string{"pipelines", "pl"},
	Short:   "Create and steer idea pipelines",
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines of both shapes, newest first",
	Args:  cobra.NoArgs,
	RunE:  runPipelineList,
}

var pipelineGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a pipeline's stages and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineGet,
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Start an implementer, analyzer, qa, merger pipeline for an idea",
	Long: `Start a pipeline for an idea. The implementer runs first; the analyzer's
verdict then completes the pipeline, sends the implementer back with a
follow-up prompt or fails it. With --repo every stage shares one git
worktree and qa and merger stages run after a complete verdict.`,
	Args: cobra.ExactArgs(1),
	RunE: runPipelineCreate,
}

var pipelineSkipCmd = &cobra.Command{
	Use:   "skip <id> <stage>",
	Short: "Skip a stage",
	Long:  "Skip a stage. <stage> is an index, a stage name (phase/kind for team pipelines) or a kind.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPipelineSkip,
}

var pipelineRetryCmd = &cobra.Command{
	Use:   "retry <id> <stage>",
	Short: "Run a failed or blocked stage again",
	Args:  cobra.ExactArgs(2),
	RunE:  runPipelineRetry,
}

var pipelineAbortCmd = &cobra.Command{
	Use:   "abort <id>",
	Short: "Abort a pipeline and cancel its running stage",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineAbort,
}

var pipelineCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Mark a pipeline completed, skipping what is left",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineComplete,
}

var teamPipelineCmd = &cobra.Command{
	Use:   "team-pipeline",
	Short: "Run a team's phases as a pipeline",
}

var teamPipelineCreateCmd = &cobra.Command{
	Use:   "create <team>",
	Short: "Start a team pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamPipelineCreate,
}

func init() {
	pipelineListCmd.Flags().Bool("json", false, "Print JSON")
	pipelineGetCmd.Flags().Bool("json", false, "Print JSON")

	f := pipelineCreateCmd.Flags()
	f.String("prompt", "", "Idea description given to the implementer")
	f.String("prompt-file", "", "Read the idea description from a file (- for stdin)")
	f.String("idea", "", "External idea id")
	f.String("repo", "", "Repository to create the pipeline worktree in")
	f.String("base", "", "Base branch of the worktree (default HEAD)")
	f.StringToString("input", nil, "Extra key=value inputs listed in the implementer prompt")
	for _, k := range pipeline.LinearStages {
		f.String(string(k), "", fmt.Sprintf("Agent for the %s stage", k))
	}

	pipelineSkipCmd.Flags().String("reason", "", "Why the stage is skipped")
	pipelineAbortCmd.Flags().String("reason", "", "Why the pipeline is aborted")

	teamPipelineCreateCmd.Flags().String("prompt", "", "Goal given to every phase")
	teamPipelineCreateCmd.Flags().String("prompt-file", "", "Read the goal from a file (- for stdin)")

	pipelineCmd.AddCommand(pipelineListCmd, pipelineGetCmd, pipelineCreateCmd, pipelineSkipCmd,
		pipelineRetryCmd, pipelineAbortCmd, pipelineCompleteCmd)
	teamPipelineCmd.AddCommand(teamPipelineCreateCmd)
	rootCmd.AddCommand(pipelineCmd, teamPipelineCmd)
}

func pipelineStore() *pipeline.Store {
	return pipeline.NewStore(config.Home())
}

func runPipelineList(cmd *cobra.Command, args []string) error {
	summaries, err := pipelineStore().Summaries()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(out, summaries)
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		updated := s.UpdatedAt
		rows = append(rows, []string{
			s.ID,
			string(s.Variant),
			truncate(s.Title, 40),
			statusText(string(s.Status)),
			s.Stage,
			formatCost(s.CostUSD),
			formatTime(&updated),
		})
	}
	printTable(out, []string{"ID", "SHAPE", "TITLE", "STATUS", "STAGE", "COST", "UPDATED"}, rows)
	return nil
}

func runPipelineGet(cmd *cobra.Command, args []string) error {
	ps := pipelineStore()
	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")

	p, err := ps.LoadPipeline(args[0])
	if err == nil {
		if asJSON {
			return printJSON(out, p)
		}
		fmt.Fprintln(out, styled(titleStyle, p.IdeaTitle))
		printField(out, "ID", p.ID)
		if p.WorktreeBranch != "" {
			printField(out, "Branch", p.WorktreeBranch)
			printField(out, "Worktree", p.WorktreePath)
		}
		printGraph(out, &p.Graph)
		return nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return err
	}
	tp, err := ps.LoadTeamPipeline(args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, tp)
	}
	fmt.Fprintln(out, styled(titleStyle, tp.Summary().Title))
	printField(out, "ID", tp.ID)
	printField(out, "Phase", tp.CurrentPhase)
	if tp.DocsPath != "" {
		printField(out, "Docs", tp.DocsPath)
	}
	printGraph(out, &tp.Graph)
	return nil
}

func printGraph(w io.Writer, g *pipeline.Graph) {
	printField(w, "Status", statusText(string(g.Status())))
	if g.AbortReason != "" {
		printField(w, "Aborted", g.AbortReason)
	}
	printField(w, "Cost", formatCost(g.TotalCostUSD))
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(g.Stages))
	for i, s := range g.Stages {
		marker := " "
		if i == g.Current {
			marker = ">"
		}
		verdict, note := "-", s.Error
		if s.Verdict != nil {
			verdict = string(s.Verdict.Kind)
		}
		if s.SkipReason != "" {
			note = s.SkipReason
		}
		rows = append(rows, []string{
			marker + strconv.Itoa(i),
			s.Name(),
			statusText(string(s.Status)),
			s.Agent,
			shortID(s.RunID),
			strconv.Itoa(s.Attempt),
			verdict,
			truncate(firstLine(note), 50),
		})
	}
	printTable(w, []string{"#", "STAGE", "STATUS", "AGENT", "RUN", "TRY", "VERDICT", "NOTE"}, rows)

	if len(g.Events) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styled(headerStyle, "History"))
		start := max(len(g.Events)-15, 0)
		for _, ev := range g.Events[start:] {
			at := ev.At
			fmt.Fprintf(w, "  %s %-28s %s\n", styled(dimStyle, formatTime(&at)), ev.Stage, ev.Message)
		}
	}
}

func runPipelineCreate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	prompt, _ := f.GetString("prompt")
	promptFile, _ := f.GetString("prompt-file")
	prompt, err := resolveTextFlag(prompt, promptFile)
	if err != nil {
		return err
	}
	req := pipeline.CreateRequest{Title: args[0], Prompt: prompt, Agents: map[pipeline.StageKind]string{}}
	req.IdeaID, _ = f.GetString("idea")
	req.BaseBranch, _ = f.GetString("base")
	req.Inputs, _ = f.GetStringToString("input")
	if repo, _ := f.GetString("repo"); repo != "" {
		if req.RepoPath, err = filepath.Abs(repo); err != nil {
			return err
		}
	}
	for _, k := range pipeline.LinearStages {
		if agent, _ := f.GetString(string(k)); agent != "" {
			req.Agents[k] = agent
		}
	}

	c, err := daemonClient()
	if err != nil {
		return err
	}
	p, err := c.CreatePipeline(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created pipeline %s\n", styled(headerStyle, p.ID))
	if p.WorktreeBranch != "" {
		printField(out, "Branch", p.WorktreeBranch)
	}
	if cur := p.CurrentStage(); cur != nil {
		printField(out, "Stage", cur.Name()+" "+statusText(string(cur.Status)))
	}
	return nil
}

func runPipelineSkip(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	return pipelineOp(cmd, args[0], "Skipped "+args[1], func(c pipelineClient) error {
		return c.SkipStage(cmd.Context(), args[0], args[1], reason)
	})
}

func runPipelineRetry(cmd *cobra.Command, args []string) error {
	return pipelineOp(cmd, args[0], "Retrying "+args[1], func(c pipelineClient) error {
		return c.RetryStage(cmd.Context(), args[0], args[1])
	})
}

func runPipelineAbort(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	return pipelineOp(cmd, args[0], "Aborted", func(c pipelineClient) error {
		return c.AbortPipeline(cmd.Context(), args[0], reason)
	})
}

func runPipelineComplete(cmd *cobra.Command, args []string) error {
	return pipelineOp(cmd, args[0], "Completed", func(c pipelineClient) error {
		return c.CompletePipeline(cmd.Context(), args[0])
	})
}

type pipelineClient interface {
	SkipStage(ctx context.Context, id, stage, reason string) error
	RetryStage(ctx context.Context, id, stage string) error
	AbortPipeline(ctx context.Context, id, reason string) error
	CompletePipeline(ctx context.Context, id string) error
}

func pipelineOp(cmd *cobra.Command, id, done string, op func(pipelineClient) error) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	if err := op(c); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (pipeline %s)\n", done, id)
	return nil
}

func runTeamPipelineCreate(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	promptFile, _ := cmd.Flags().GetString("prompt-file")
	prompt, err := resolveTextFlag(prompt, promptFile)
	if err != nil {
		return err
	}
	c, err := daemonClient()
	if err != nil {
		return err
	}
	tp, err := c.CreateTeamPipeline(cmd.Context(), args[0], prompt)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created team pipeline %s\n", styled(headerStyle, tp.ID))
	printField(out, "Team", tp.Team)
	printField(out, "Phase", fmt.Sprintf("%s (%s)", tp.CurrentPhase, tp.CurrentStageType))
	printField(out, "Started", time.Now().Format("15:04:05"))
	return nil
}
