package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/checkpoint"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/config"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/download"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/embedding"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/filter"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/metrics"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/tracking"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/trainer"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *tracking.DB
}

type RunOptions struct {
	DatasetPath string
	FilterOnly  bool
}

type RunResult struct {
	TaskID           string
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	LoadedExamples   int
	SkippedExamples  int
	FilteredExamples int
	TrainExamples    int
	EvalExamples     int
	Steps            int
	SkippedBatches   int
	BestMetric       float64
	BestStep         int
	HasBest          bool
	StopReason       string
	Checkpoints      []int
	Success          bool
	Errors           []error
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

func NewOrchestrator(configPath string) (*Orchestrator, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})

	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()

	db, err := tracking.New(&cfg.Tracking)
	if err != nil {
		logger.Warnf("Run tracking initialization failed: %v", err)
	}

	return &Orchestrator{
		config:        cfg,
		configManager: configManager,
		logger:        logger,
		db:            db,
	}, nil
}

func (o *Orchestrator) GetConfig() *config.Config {
	return o.config
}

func (o *Orchestrator) GetDB() *tracking.DB {
	return o.db
}

// RunTraining executes the full pipeline: fetch dataset, quality filter,
// val split, then the training loop.
func (o *Orchestrator) RunTraining(opts RunOptions) (*RunResult, error) {
	startTime := time.Now()
	cfg := o.config

	result := &RunResult{
		TaskID:    cfg.TaskID,
		StartTime: startTime,
		Success:   false,
		Errors:    []error{},
	}

	ctx := context.Background()

	examples, stats, err := o.loadDataset(ctx, opts)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result, err
	}
	result.LoadedExamples = stats.Loaded
	result.SkippedExamples = stats.Skipped
	o.logger.Infof("Loaded %d examples (%d skipped as malformed)", stats.Loaded, stats.Skipped)

	if cfg.Cleanlab {
		examples, err = o.runQualityFilter(ctx, examples)
		if err != nil {
			result.Errors = append(result.Errors, err)
			return result, err
		}
	}
	result.FilteredExamples = len(examples)

	if opts.FilterOnly {
		result.Success = true
		o.finish(result, startTime)
		return result, nil
	}

	train, eval := dataset.Split(examples, cfg.ValSetSize)
	result.TrainExamples = len(train)
	result.EvalExamples = len(eval)
	o.logger.Infof("Training on %d examples, evaluating on %d", len(train), len(eval))

	backend, err := trainer.NewLowRankBackend(trainer.LowRankConfig{
		Rank:        cfg.LoraR,
		Alpha:       cfg.LoraAlpha,
		Dropout:     cfg.LoraDropout,
		WeightDecay: cfg.WeightDecay,
		Beta:        cfg.Beta,
		UseNeftune:  cfg.UseNeftune,
		SequenceLen: cfg.SequenceLen,
		Seed:        taskSeed(cfg.TaskID),
	})
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result, err
	}

	store, err := checkpoint.NewStore(cfg.OutputDir, cfg.SaveTotalLimit)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result, err
	}

	loader := dataset.NewLoader(train, cfg.MicroBatchSize, cfg.DataloaderNumWorkers)
	rec := newRecorder(o.logger, cfg, o.db)
	controller := trainer.NewController(cfg, backend, loader, eval, store, rec)

	if err := o.db.StartRun(cfg); err != nil {
		o.logger.Warnf("Failed to register run: %v", err)
	}

	o.logger.Infof("Starting %s run %s: max_steps=%d warmup=%d eval_steps=%d save_steps=%d",
		cfg.RL, cfg.TaskID, cfg.MaxSteps, cfg.WarmupSteps, cfg.EvalSteps, cfg.SaveSteps)

	state, runErr := controller.Run(ctx)

	result.Steps = state.Step
	result.SkippedBatches = state.SkippedBatches
	result.BestMetric = state.BestMetric
	result.BestStep = state.BestStep
	result.HasBest = state.HasBest
	result.StopReason = state.StopReason
	result.Checkpoints = store.Steps()

	status := runStatus(state.StopReason, runErr)
	if err := o.db.FinishRun(cfg.TaskID, status, state.BestMetric, state.BestStep, state.Step); err != nil {
		o.logger.Warnf("Failed to record run completion: %v", err)
	}

	o.flushTelemetry(ctx, rec)

	if runErr != nil {
		result.Errors = append(result.Errors, runErr)
		o.finish(result, startTime)
		return result, runErr
	}

	result.Success = true
	o.finish(result, startTime)
	o.logger.Infof("Run %s finished after %d steps (%s), best %s %.5f at step %d",
		cfg.TaskID, state.Step, state.StopReason, cfg.MetricForBestModel, state.BestMetric, state.BestStep)
	return result, nil
}

func (o *Orchestrator) loadDataset(ctx context.Context, opts RunOptions) ([]dataset.Example, dataset.LoadStats, error) {
	cfg := o.config

	ref := opts.DatasetPath
	if ref == "" {
		if len(cfg.Datasets) == 0 {
			return nil, dataset.LoadStats{}, fmt.Errorf("no dataset configured: set datasets in the run config or pass one explicitly")
		}
		ref = cfg.Datasets[0]
	}

	path, err := download.NewDownloader().FetchDataset(ctx, cfg.TaskID, ref)
	if err != nil {
		return nil, dataset.LoadStats{}, fmt.Errorf("failed to fetch dataset: %w", err)
	}

	return dataset.LoadJSONL(path)
}

func (o *Orchestrator) runQualityFilter(ctx context.Context, examples []dataset.Example) ([]dataset.Example, error) {
	cfg := o.config

	var embedder embedding.Embedder
	if cfg.CleanlabKeepFrac < 1 {
		client, err := embedding.NewClient(embedding.ClientConfig{
			URL:     cfg.EmbeddingService.URL,
			Model:   cfg.EmbedModel,
			APIKey:  cfg.EmbeddingService.APIKey,
			Timeout: time.Duration(cfg.EmbeddingService.Timeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding client: %w", err)
		}
		embedder = client
	}

	f, err := filter.New(embedder, nil, cfg.CleanlabKeepFrac, cfg.EmbedBatch)
	if err != nil {
		return nil, err
	}

	before := len(examples)
	kept, err := f.Run(ctx, examples)
	if err != nil {
		return nil, fmt.Errorf("quality filter failed: %w", err)
	}
	o.logger.Infof("Quality filter kept %d of %d examples (keep_frac=%.2f)", len(kept), before, cfg.CleanlabKeepFrac)
	return kept, nil
}

func (o *Orchestrator) flushTelemetry(ctx context.Context, rec *runRecorder) {
	cfg := o.config
	if !cfg.Metrics.Enabled || len(rec.docs) == 0 {
		return
	}

	client, err := metrics.New(metrics.Config{
		URL:      cfg.Metrics.URL,
		Username: cfg.Metrics.Username,
		Password: cfg.Metrics.Password,
		Index:    cfg.Metrics.Index,
	})
	if err != nil {
		o.logger.Warnf("Telemetry indexing unavailable: %v", err)
		return
	}

	if err := client.BulkIndex(ctx, rec.docs); err != nil {
		o.logger.Warnf("Failed to index telemetry: %v", err)
		return
	}
	o.logger.Infof("Indexed %d telemetry documents", len(rec.docs))
}

func (o *Orchestrator) finish(result *RunResult, startTime time.Time) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)
}

func runStatus(stopReason string, err error) string {
	switch {
	case err != nil:
		return "FAILED"
	case stopReason == "early_stopping":
		return "EARLY_STOPPED"
	case stopReason == "deadline":
		return "DEADLINE"
	default:
		return "COMPLETED"
	}
}

func taskSeed(taskID string) int64 {
	if taskID == "" {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(taskID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// runRecorder fans loop telemetry out to the log, the tracking database, and
// a buffer that is bulk-indexed when the run ends.
type runRecorder struct {
	logger *logrus.Logger
	cfg    *config.Config
	db     *tracking.DB
	docs   []interface{}
}

func newRecorder(logger *logrus.Logger, cfg *config.Config, db *tracking.DB) *runRecorder {
	return &runRecorder{
		logger: logger,
		cfg:    cfg,
		db:     db,
	}
}

func (r *runRecorder) RecordStep(state *trainer.RunState, loss, lr float64) {
	r.logger.Infof("step %d/%d [%s] loss=%.5f lr=%.2e", state.Step, r.cfg.MaxSteps, state.Phase, loss, lr)

	if r.cfg.Metrics.Enabled {
		r.docs = append(r.docs, metrics.StepLog{
			TaskID:       r.cfg.TaskID,
			Step:         state.Step,
			Phase:        state.Phase.String(),
			Loss:         loss,
			LearningRate: lr,
			Timestamp:    time.Now().UTC(),
		})
	}
}

func (r *runRecorder) RecordEval(state *trainer.RunState, evalMetrics map[string]float64, improved bool) {
	marker := ""
	if improved {
		marker = " (best)"
	}
	r.logger.Infof("eval at step %d: %s=%.5f%s", state.Step, r.cfg.MetricForBestModel, evalMetrics[r.cfg.MetricForBestModel], marker)

	if err := r.db.RecordEval(r.cfg.TaskID, state.Step, evalMetrics); err != nil {
		r.logger.Warnf("Failed to record eval metrics: %v", err)
	}

	if r.cfg.Metrics.Enabled {
		for name, value := range evalMetrics {
			r.docs = append(r.docs, metrics.EvalLog{
				TaskID:    r.cfg.TaskID,
				Step:      state.Step,
				Metric:    name,
				Value:     value,
				Improved:  improved,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}
