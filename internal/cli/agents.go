package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"agent"},
	Short:   "List configured agents with their health",
	Args:    cobra.NoArgs,
	RunE:    runAgents,
}

var agentShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one agent's configuration and state",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

func init() {
	agentsCmd.AddCommand(agentShowCmd)
	rootCmd.AddCommand(agentsCmd)
}

func agentState() *store.StateTracker {
	return store.NewStateTracker(filepath.Join(config.Home(), "state", "agents.json"))
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfgs, err := config.NewStore(config.Home()).List()
	if err != nil {
		return err
	}
	state := agentState()
	rows := make([][]string, 0, len(cfgs))
	for _, c := range cfgs {
		st := state.Get(c.Name)
		enabled := styled(okStyle, "yes")
		if !c.Enabled {
			enabled = styled(dimStyle, "no")
		}
		schedule := c.Triggers.Cron
		if schedule == "" {
			schedule = "-"
		}
		rows = append(rows, []string{
			c.Name,
			string(c.EffectiveRole()),
			enabled,
			statusText(jobs.HealthStatus(st.ConsecutiveFailures)),
			statusOrDash(st.LastStatus),
			formatTime(st.LastRunAt),
			schedule,
			c.Team,
		})
	}
	printTable(cmd.OutOrStdout(), []string{"NAME", "ROLE", "ENABLED", "HEALTH", "LAST", "LAST RUN", "CRON", "TEAM"}, rows)
	return nil
}

func statusOrDash(s store.RunStatus) string {
	if s == "" {
		return "-"
	}
	return statusText(string(s))
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	c, err := config.NewStore(config.Home()).Load(args[0])
	if err != nil {
		return err
	}
	st := agentState().Get(c.Name)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styled(titleStyle, c.Name))
	if c.Description != "" {
		printField(out, "Description", c.Description)
	}
	printField(out, "Role", string(c.EffectiveRole()))
	printField(out, "Enabled", strconv.FormatBool(c.Enabled))
	printField(out, "File", c.Path)
	if c.Command != "" {
		printField(out, "Command", c.Command)
	}
	if c.Model != "" {
		printField(out, "Model", c.Model)
	}
	if c.TimeoutSeconds > 0 {
		printField(out, "Timeout", strconv.Itoa(c.TimeoutSeconds)+"s")
	}
	if c.Triggers.Cron != "" {
		printField(out, "Cron", c.Triggers.Cron)
	}
	if c.Worktree.Enabled {
		printField(out, "Worktree", c.Worktree.RepoPath)
	}
	if c.PostRunAnalyzer != nil {
		printField(out, "Analyzer", c.PostRunAnalyzer.Agent)
	}
	printField(out, "Health", statusText(jobs.HealthStatus(st.ConsecutiveFailures)))
	printField(out, "Runs", fmt.Sprintf("%d (%d ok, %d failed)", st.TotalRuns, st.TotalSuccesses, st.TotalFailures))
	printField(out, "Last run", formatTime(st.LastRunAt))
	printField(out, "Next run", formatTime(st.NextRunAt))
	if st.TotalCostUSD > 0 {
		printField(out, "Total cost", formatCost(st.TotalCostUSD))
	}
	return nil
}
