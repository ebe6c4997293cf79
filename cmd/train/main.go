// Train runs episodic meta-training: it resolves the flag configuration into
// a run, builds the task sampling pipeline and the meta-trainer, and drives
// the training loop with checkpointing, a metrics log and a progress bar.
//
// If the run directory already holds checkpoints, training resumes from the
// latest one.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/checkpoints"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/datasets"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/maml"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/models"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/run"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train/optimizers"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataset      = flag.String("dataset", "omniglot", "Dataset to train on: omniglot, cifarfs, fc100 or miniimagenet.")
	flagDataDir      = flag.String("data-dir", "data", "Directory holding the dataset class banks.")
	flagSynthetic    = flag.Bool("synthetic", false, "Use a deterministic synthetic partition instead of reading class banks. For smoke tests and dry runs.")
	flagNumWays      = flag.Int("num-ways", 5, "Number of classes per task.")
	flagNumShots     = flag.Int("num-shots", 1, "Number of support examples per class.")
	flagNumQuery     = flag.Int("num-query", 15, "Number of query examples per class, clamped to the examples available after the support split.")
	flagNumSteps     = flag.Int("num-steps", 5, "Number of inner-loop gradient descent steps per task.")
	flagStepSize     = flag.Float64("step-size", 0.1, "Inner-loop step size.")
	flagBatchSize    = flag.Int("batch-size", 16, "Number of tasks per outer-loop update.")
	flagNumWorkers   = flag.Int("num-workers", 1, "Number of task-assembly workers. 0 samples inline on the training loop.")
	flagNumEpochs    = flag.Int("num-epochs", 100, "Number of epochs (outer-loop updates) to train.")
	flagNumEpisodes  = flag.Int("num-episodes", 1000, "Number of held-out episodes for a later evaluation, persisted in the run configuration.")
	flagUseCuda      = flag.Bool("use-cuda", false, "Require the accelerated path. Fails if the machine cannot provide it.")
	flagVerbose      = flag.Bool("verbose", false, "Verbose operational logging.")
	flagOutputFolder = flag.String("output-folder", "output", "Directory under which run directories are created.")
	flagRunName      = flag.String("run-name", "", "Run name. If empty, derived from the dataset and task shape.")
	flagHiddenSize   = flag.Int("hidden-size", 64, "Hidden layer width of the model.")

	flagOptimizer       = flag.String("optimizer", "adam", "Outer-loop optimizer: 'sgd' or 'adam'.")
	flagMetaLR          = flag.Float64("meta-learning-rate", 0.001, "Outer-loop learning rate.")
	flagNumCheckpoints  = flag.Int("num-checkpoints", 3, "Number of checkpoints to keep, -1 keeps all.")
	flagCheckpointEvery = flag.Int("checkpoint-every", 10, "Save a checkpoint every this many epochs. 0 saves only at the end.")
	flagSeed            = flag.Int64("seed", 1, "Seed for model initialization and task sampling.")
)

// Exit codes: 0 on completion (including an externally cancelled run), 2 on
// configuration errors, 1 on runtime errors.
const (
	exitRuntimeError = 1
	exitConfigError  = 2
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Failed: %+v\n", err)
	if run.IsConfigError(err) {
		os.Exit(exitConfigError)
	}
	os.Exit(exitRuntimeError)
}

func configFromFlags() run.Config {
	return run.Config{
		Dataset:          *flagDataset,
		DataDir:          *flagDataDir,
		Synthetic:        *flagSynthetic,
		NumWays:          *flagNumWays,
		NumShots:         *flagNumShots,
		NumQuery:         *flagNumQuery,
		NumSteps:         *flagNumSteps,
		StepSize:         *flagStepSize,
		Optimizer:        *flagOptimizer,
		MetaLearningRate: *flagMetaLR,
		BatchSize:        *flagBatchSize,
		NumWorkers:       *flagNumWorkers,
		NumEpochs:        *flagNumEpochs,
		NumEpisodes:      *flagNumEpisodes,
		HiddenSize:       *flagHiddenSize,
		UseAccelerator:   *flagUseCuda,
		NumCheckpoints:   *flagNumCheckpoints,
		CheckpointEvery:  *flagCheckpointEvery,
		Seed:             *flagSeed,
		OutputFolder:     *flagOutputFolder,
		RunName:          *flagRunName,
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagVerbose {
		must.M(flag.Set("v", "1"))
	}

	cfg, err := configFromFlags().Resolve()
	if err != nil {
		fatal(err)
	}

	dir, err := cfg.CreateDir()
	if err != nil {
		fatal(err)
	}
	if err = cfg.Save(dir); err != nil {
		fatal(err)
	}
	klog.V(1).Infof("Run %q resolved to %s", cfg.RunName, dir)

	// Training partition and episodic sampler.
	var partition *datasets.Partition
	name := datasets.Name(cfg.Dataset)
	if cfg.Synthetic {
		partition, err = datasets.Synthetic(name, datasets.SplitTrain,
			cfg.NumWays*4, cfg.NumShots+cfg.NumQuery+1, cfg.Seed)
	} else {
		partition, err = datasets.Open(name, cfg.DataDir, datasets.SplitTrain)
	}
	if err != nil {
		fatal(err)
	}
	taskSampler, err := sampler.New(partition, sampler.Config{
		NumWays:   cfg.NumWays,
		NumShots:  cfg.NumShots,
		NumQuery:  cfg.NumQuery,
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
	})
	if err != nil {
		fatal(err)
	}
	var src sampler.Source = taskSampler
	if cfg.NumWorkers > 0 {
		src = sampler.Parallel(taskSampler, cfg.NumWorkers)
	}

	// Model, optimizer and meta-trainer.
	model := models.New(partition.FeatureDim, cfg.HiddenSize, cfg.NumWays)
	meta := model.Init(rand.New(rand.NewSource(cfg.Seed)))
	optimizer, err := optimizers.ByName(cfg.Optimizer, cfg.MetaLearningRate)
	if err != nil {
		fatal(err)
	}
	engine := maml.Engine{Model: model, NumSteps: cfg.NumSteps, StepSize: cfg.StepSize}
	trainer, err := maml.NewTrainer(engine, meta, optimizer, 0)
	if err != nil {
		fatal(err)
	}

	// Checkpoint handler: restores the latest checkpoint if the run directory
	// already holds one.
	checkpoint, err := checkpoints.Build(trainer).Dir(dir).Keep(cfg.NumCheckpoints).Done()
	if err != nil {
		fatal(err)
	}

	loop := train.NewLoop(trainer, cfg.NumEpochs)
	loop.StartEpoch = checkpoint.LoadedEpoch() + 1
	if loop.StartEpoch > 0 {
		klog.Infof("Resuming run %q at epoch %d", cfg.RunName, loop.StartEpoch)
	}
	barDone := commandline.AttachProgressBar(loop)
	checkpoint.AttachTo(loop, cfg.CheckpointEvery)
	metricsLog, err := checkpoints.OpenMetricsLog(dir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = metricsLog.Close() }()
	metricsLog.AttachTo(loop)

	// SIGINT/SIGTERM stop the loop cleanly at the next epoch boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err = loop.RunEpochs(ctx, src); err != nil {
		// End hooks do not run on failure, so release the display explicitly.
		barDone()
		fatal(err)
	}
	if events := trainer.Events(); len(events) > 0 {
		klog.Warningf("%d batches were skipped due to non-finite losses", len(events))
	}
}
