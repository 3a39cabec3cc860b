package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
)

var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"schedules"},
	Short:   "Manage cron schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a schedule",
	Long: `Create a schedule binding a cron expression to an agent. Expressions use
the standard 5 fields (minute hour day month weekday) or descriptors such
as @hourly, evaluated in the configured timezone.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleCreate,
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Change a schedule; unset flags keep their value",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleUpdate,
}

var scheduleDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a schedule",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleDelete,
}

func init() {
	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleUpdateCmd} {
		c.Flags().String("cron", "", "Cron expression")
		c.Flags().String("agent", "", "Agent to trigger")
		c.Flags().String("description", "", "Description")
		c.Flags().Bool("enabled", true, "Whether the schedule fires")
	}
	scheduleCmd.AddCommand(scheduleListCmd, scheduleCreateCmd, scheduleUpdateCmd, scheduleDeleteCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	schedules, err := config.NewStore(config.Home()).LoadSchedules()
	if err != nil {
		return err
	}
	state := agentState()
	rows := make([][]string, 0, len(schedules))
	for _, sc := range schedules {
		enabled := styled(okStyle, "yes")
		if !sc.Enabled {
			enabled = styled(dimStyle, "no")
		}
		name := sc.Name
		if sc.Legacy {
			name += styled(dimStyle, " (agent file)")
		}
		st := state.Get(sc.Agent)
		rows = append(rows, []string{name, sc.Cron, sc.Agent, enabled, formatTime(st.NextRunAt), truncate(sc.Description, 40)})
	}
	printTable(cmd.OutOrStdout(), []string{"NAME", "CRON", "AGENT", "ENABLED", "NEXT", "DESCRIPTION"}, rows)
	return nil
}

func scheduleFromFlags(cmd *cobra.Command, sc *config.ScheduleConfig) {
	flags := cmd.Flags()
	if flags.Changed("cron") {
		sc.Cron, _ = flags.GetString("cron")
	}
	if flags.Changed("agent") {
		sc.Agent, _ = flags.GetString("agent")
	}
	if flags.Changed("description") {
		sc.Description, _ = flags.GetString("description")
	}
	if flags.Changed("enabled") {
		sc.Enabled, _ = flags.GetBool("enabled")
	}
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	sc := config.ScheduleConfig{Name: args[0], Enabled: true}
	scheduleFromFlags(cmd, &sc)
	if sc.Cron == "" || sc.Agent == "" {
		return fmt.Errorf("--cron and --agent are required")
	}
	c, err := daemonClient()
	if err != nil {
		return err
	}
	info, err := c.CreateSchedule(cmd.Context(), sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created schedule %s (%s -> %s), next run %s\n", info.Name, info.Cron, info.Agent, formatTime(info.NextRun))
	return nil
}

func runScheduleUpdate(cmd *cobra.Command, args []string) error {
	sc, err := config.NewStore(config.Home()).LoadSchedule(args[0])
	if err != nil {
		return err
	}
	scheduleFromFlags(cmd, sc)
	c, err := daemonClient()
	if err != nil {
		return err
	}
	info, err := c.UpdateSchedule(cmd.Context(), args[0], *sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated schedule %s, next run %s\n", info.Name, formatTime(info.NextRun))
	return nil
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	if err := c.DeleteSchedule(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted schedule %s\n", args[0])
	return nil
}
