package cmd

import (
	"os"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/orchestrator"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var filterData string

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Run the quality filter without training",
	Long:  `Load the configured dataset, run the embedding-based quality filter, and report how many examples survive without starting a training run`,
	Run:   runFilter,
}

func init() {
	filterCmd.Flags().StringVar(&filterData, "data", "", "dataset path or URL (overrides datasets in the run config)")
	filterCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")
	rootCmd.AddCommand(filterCmd)
}

func runFilter(cmd *cobra.Command, args []string) {
	Verbose = verbose

	if verbose {
		setDebugLogFunctions()
	}

	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}

	result, err := orch.RunTraining(orchestrator.RunOptions{
		DatasetPath: filterData,
		FilterOnly:  true,
	})
	if err != nil {
		color.Red("Filter run failed: %v", err)
		os.Exit(1)
	}

	color.Green("\nQuality filter completed: kept %d of %d examples in %v",
		result.FilteredExamples, result.LoadedExamples, result.Duration)
}
