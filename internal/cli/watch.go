package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow running agents and the live event stream",
	Long: `Attach to the daemon's event stream. In a terminal this opens a live
view of running runs, active pipelines and events; otherwise events are
printed one per line until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("agent", "", "Only events of this agent")
	watchCmd.Flags().String("run", "", "Only events of this run")
	watchCmd.Flags().String("pipeline", "", "Only events of this pipeline")
	watchCmd.Flags().StringSlice("kind", nil, "Only these event kinds (output, status, complete, pipeline)")
	watchCmd.Flags().Bool("plain", false, "Print events as lines even in a terminal")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var f events.Filter
	f.AgentName, _ = cmd.Flags().GetString("agent")
	f.RunID, _ = cmd.Flags().GetString("run")
	f.PipelineID, _ = cmd.Flags().GetString("pipeline")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	for _, k := range kinds {
		f.Kinds = append(f.Kinds, events.Kind(strings.TrimSpace(k)))
	}
	plain, _ := cmd.Flags().GetBool("plain")

	c, err := daemonClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Events(ctx, f)
	if err != nil {
		return err
	}
	if !plain && isatty.IsTerminal(os.Stdout.Fd()) {
		return watch.Run(ctx, c, stream)
	}
	return printEvents(ctx, cmd, stream)
}

func printEvents(ctx context.Context, cmd *cobra.Command, stream <-chan events.Event) error {
	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			fmt.Fprintln(out, formatEvent(ev))
		}
	}
}

func formatEvent(ev events.Event) string {
	who := ev.AgentName
	if ev.PipelineID != "" {
		who = "pipeline:" + shortID(ev.PipelineID)
	}
	if ev.RunID != "" {
		who += "/" + shortID(ev.RunID)
	}
	return fmt.Sprintf("%s %-8s %s %s",
		ev.Timestamp.Local().Format("15:04:05"), ev.Kind, who, strings.TrimRight(ev.Content, "\n"))
}
