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
	"github.com/mikel-martin-kuik/nolan-sub000/internal/server"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <agent>",
	Short: "Start a run of an agent now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <agent|run-id>",
	Short: "Cancel the running runs of an agent, or one run with --run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var runningCmd = &cobra.Command{
	Use:     "running",
	Aliases: []string{"ps"},
	Short:   "List runs in flight",
	Args:    cobra.NoArgs,
	RunE:    runRunning,
}

var historyCmd = &cobra.Command{
	Use:   "history [agent]",
	Short: "List past runs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var emitCmd = &cobra.Command{
	Use:   "emit <event>",
	Short: "Fire a named event, triggering every agent that listens for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmit,
}

func init() {
	triggerCmd.Flags().String("prompt", "", "Prompt to send instead of the agent's configured prompt")
	triggerCmd.Flags().String("prompt-file", "", "Read the prompt from a file (- for stdin)")
	triggerCmd.Flags().String("resume", "", "Resume token of a previous session")
	triggerCmd.Flags().String("label", "", "Free-form label stored on the run")
	triggerCmd.Flags().Bool("wait", false, "Block until the run finishes; exit non-zero unless it succeeded")

	cancelCmd.Flags().Bool("run", false, "Treat the argument as a run id")

	historyCmd.Flags().Int("limit", 20, "Maximum number of runs")
	historyCmd.Flags().Bool("json", false, "Print JSON")
	showRunCmd.Flags().Bool("json", false, "Print JSON")

	rootCmd.AddCommand(triggerCmd, cancelCmd, runningCmd, historyCmd, showRunCmd, emitCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	promptFile, _ := cmd.Flags().GetString("prompt-file")
	prompt, err := resolveTextFlag(prompt, promptFile)
	if err != nil {
		return err
	}
	resume, _ := cmd.Flags().GetString("resume")
	label, _ := cmd.Flags().GetString("label")
	wait, _ := cmd.Flags().GetBool("wait")

	c, err := daemonClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	run, queued, err := c.Trigger(ctx, args[0], server.TriggerRequest{Prompt: prompt, ResumeToken: resume, Label: label})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if queued {
		fmt.Fprintf(out, "%s is already running; trigger queued\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "Started %s run %s\n", styled(headerStyle, run.AgentName), run.RunID)
	if !wait {
		return nil
	}
	final, err := c.WaitRun(ctx, run.RunID, 2*time.Second)
	if err != nil {
		return err
	}
	printRun(out, final)
	if final.Status != store.StatusSuccess {
		return fmt.Errorf("run %s finished %s", final.RunID, final.Status)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if byRun, _ := cmd.Flags().GetBool("run"); byRun {
		if err := c.CancelRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Cancelled run %s\n", args[0])
		return nil
	}
	ids, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintf(out, "Cancelled run %s\n", id)
	}
	return nil
}

func runRunning(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	runs, err := c.Running(cmd.Context())
	if err != nil {
		return err
	}
	now := time.Now()
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		state := statusText("running")
		if r.Cancelling {
			state = statusText("cancelled")
		}
		rows = append(rows, []string{
			r.AgentName,
			r.RunID,
			state,
			formatDuration(now.Sub(r.StartedAt)),
			r.SessionName,
			shortID(r.PipelineID),
		})
	}
	printTable(cmd.OutOrStdout(), []string{"AGENT", "RUN", "STATE", "ELAPSED", "SESSION", "PIPELINE"}, rows)
	return nil
}

// runLedger opens the run ledger of the current home for read-only listings.
func runLedger() *store.Ledger {
	return store.NewLedger(filepath.Join(config.Home(), "runs"))
}

func runHistory(cmd *cobra.Command, args []string) error {
	agent := ""
	if len(args) == 1 {
		agent = args[0]
	}
	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := runLedger().List(agent, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(out, runs)
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, historyRow(r))
	}
	printTable(out, []string{"STARTED", "AGENT", "RUN", "STATUS", "TRIGGER", "DURATION", "COST", "VERDICT"}, rows)
	return nil
}

func historyRow(r *store.RunLog) []string {
	started := r.StartedAt
	verdict := "-"
	if r.Verdict != nil {
		verdict = string(r.Verdict.Kind)
	}
	return []string{
		formatTime(&started),
		r.AgentName,
		shortID(r.RunID),
		statusText(string(r.Status)),
		string(r.Trigger),
		formatDuration(time.Duration(r.DurationMS) * time.Millisecond),
		formatCost(r.TotalCostUSD),
		verdict,
	}
}

func runShowRun(cmd *cobra.Command, args []string) error {
	run, err := runLedger().Get(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(out, run)
	}
	printRun(out, run)
	return nil
}

func printRun(w io.Writer, r *store.RunLog) {
	fmt.Fprintln(w, styled(titleStyle, "Run "+r.RunID))
	printField(w, "Agent", r.AgentName)
	printField(w, "Status", statusText(string(r.Status)))
	printField(w, "Trigger", string(r.Trigger))
	printField(w, "Attempt", strconv.Itoa(r.Attempt))
	started := r.StartedAt
	printField(w, "Started", formatTime(&started))
	printField(w, "Completed", formatTime(r.CompletedAt))
	printField(w, "Duration", formatDuration(time.Duration(r.DurationMS)*time.Millisecond))
	if r.ExitCode != nil {
		printField(w, "Exit code", strconv.Itoa(*r.ExitCode))
	}
	if r.TotalCostUSD > 0 {
		printField(w, "Cost", formatCost(r.TotalCostUSD))
	}
	if r.Error != "" {
		printField(w, "Error", styled(errorStyle, r.Error))
	}
	if r.PipelineID != "" {
		printField(w, "Pipeline", r.PipelineID)
	}
	if r.WorktreeBranch != "" {
		printField(w, "Branch", r.WorktreeBranch)
	}
	if r.Verdict != nil {
		printField(w, "Verdict", statusText(string(r.Verdict.Kind)))
		if r.Verdict.Reason != "" {
			printField(w, "Reason", firstLine(r.Verdict.Reason))
		}
	}
	if r.OutputFile != "" {
		printField(w, "Output", r.OutputFile)
	}
}

func runEmit(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	resp, err := c.Emit(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(resp.Runs) == 0 {
		fmt.Fprintf(out, "No agent listens for %q\n", args[0])
	}
	for _, r := range resp.Runs {
		fmt.Fprintf(out, "Started %s run %s\n", styled(headerStyle, r.AgentName), r.RunID)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}
