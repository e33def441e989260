package cmd

import (
	"fmt"
	"os"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/checkpoint"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/config"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/download"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/embedding"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/filter"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/orchestrator"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/session"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/tracking"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/trainer"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	datasetPath string
	silent      bool
	verbose     bool
	filterOnly  bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "gradients-trainer",
	Short: "quality-filtered fine-tuning runner",
	Long:  `data-quality-filtered fine-tuning runner with low-rank adapters, early stopping and bounded checkpoint retention`,
	Run:   runTrain,
}

func Execute() {
	hasSilentFlag := false
	for i, arg := range os.Args {
		if arg == "-silent" {
			os.Args[i] = "--silent"
			hasSilentFlag = true
		}
		if arg == "-filter-only" {
			os.Args[i] = "--filter-only"
		}
	}

	if !hasSilentFlag {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf("[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	orchestrator.DebugLog = DebugLog
	session.DebugLog = DebugLog
	dataset.DebugLog = DebugLog
	embedding.DebugLog = DebugLog
	filter.DebugLog = DebugLog
	trainer.DebugLog = DebugLog
	checkpoint.DebugLog = DebugLog
	tracking.DebugLog = DebugLog
	download.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
INPUT:
   -data string            dataset path or URL (overrides datasets in the run config)

PIPELINE:
   -filter-only            run the quality filter and exit without training

OUTPUT:
   -silent                 silent mode - no banner or extra output

CONFIGURATION:
   -c, -config string      run config path (default: config.yaml in the config dir)

OPTIMIZATION:
   -v, -verbose            enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "run config path (default: config.yaml in the config dir)")

	rootCmd.Flags().StringVar(&datasetPath, "data", "", "dataset path or URL (overrides datasets in the run config)")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")
	rootCmd.Flags().BoolVar(&filterOnly, "filter-only", false, "run the quality filter and exit without training")

	rootCmd.AddCommand(versionCmd)
}

func runTrain(cmd *cobra.Command, args []string) {
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
		DatasetPath: datasetPath,
		FilterOnly:  filterOnly,
	})
	if err != nil {
		color.Red("Run failed: %v", err)
		os.Exit(1)
	}

	if !silent {
		displayResult(result)
	}

	if result.Success {
		os.Exit(0)
	}
	os.Exit(1)
}

func displayResult(result *orchestrator.RunResult) {
	if filterOnly {
		color.Green("\nQuality filter completed: kept %d of %d examples in %v",
			result.FilteredExamples, result.LoadedExamples, result.Duration)
		return
	}

	color.Green("\nRun %s completed: %d steps (%s) in %v",
		result.TaskID, result.Steps, result.StopReason, result.Duration)
	if result.HasBest {
		color.Cyan("Best metric %.5f at step %d", result.BestMetric, result.BestStep)
	}
	if len(result.Checkpoints) > 0 {
		color.Cyan("Retained checkpoints at steps %v", result.Checkpoints)
	}
	if result.SkippedBatches > 0 {
		color.Yellow("Skipped %d malformed micro-batches", result.SkippedBatches)
	}
}

func printBanner() {
	banner := color.CyanString(`
┌─┐┬─┐┌─┐┌┬┐┬┌─┐┌┐┌┌┬┐┌─┐
│ ┬├┬┘├─┤ ││├┤ │││ │ └─┐
└─┘┴└─┴ ┴─┴┘┴└─┘┘└┘ ┴ └─┘
`)
	info := color.HiBlackString("quality-filtered fine-tuning runner for tournament text tasks")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}
