package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/orchestrator"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	trackAll   bool
	trackEvals bool
)

var trackCmd = &cobra.Command{
	Use:   "track [task_id]",
	Short: "Query run tracking database",
	Long:  `Query the run tracking database for a specific task or all recorded runs`,
	Run:   runTrack,
}

func init() {
	trackCmd.Flags().BoolVar(&trackAll, "all", false, "query all runs")
	trackCmd.Flags().BoolVar(&trackEvals, "evals", false, "show per-step eval metrics for the task")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) {
	if !trackAll && len(args) == 0 {
		color.Red("Error: either provide a task_id or use --all flag")
		cmd.Help()
		os.Exit(1)
	}

	if trackAll && len(args) > 0 {
		color.Red("Error: cannot use both task_id and --all flag together")
		cmd.Help()
		os.Exit(1)
	}

	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}

	db := orch.GetDB()
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Run tracking is not enabled. Please enable it in config.yaml")
		os.Exit(1)
	}

	if trackEvals && len(args) == 1 {
		showEvals(args[0], orch)
		return
	}

	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	}

	runs, err := db.ListRuns(taskID)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(runs) == 0 {
		color.Yellow("[INF] No runs recorded.")
		os.Exit(0)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTYPE\tSTATUS\tSTEPS\tBEST METRIC\tBEST STEP\tSTARTED")
	for _, r := range runs {
		steps := "-"
		if r.Steps.Valid {
			steps = fmt.Sprintf("%d", r.Steps.Int64)
		}
		best := "-"
		if r.BestMetric.Valid {
			best = fmt.Sprintf("%.5f", r.BestMetric.Float64)
		}
		bestStep := "-"
		if r.BestStep.Valid {
			bestStep = fmt.Sprintf("%d", r.BestStep.Int64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TaskID, r.RL, r.Status, steps, best, bestStep,
			r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func showEvals(taskID string, orch *orchestrator.Orchestrator) {
	evals, err := orch.GetDB().ListEvals(taskID)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(evals) == 0 {
		color.Yellow("[INF] No eval metrics recorded for %s.", taskID)
		os.Exit(0)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tMETRIC\tVALUE\tRECORDED")
	for _, e := range evals {
		fmt.Fprintf(w, "%d\t%s\t%.5f\t%s\n",
			e.Step, e.Metric, e.Value, e.RecordedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
