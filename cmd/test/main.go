// Test evaluates a trained run on held-out tasks: it loads the run's
// persisted config.json and latest checkpoint, adapts the meta parameters to
// each held-out task and reports the mean query accuracy with a 95%
// confidence interval.
//
// Usage:
//
//	test [flags] path/to/config.json
//
// The persisted configuration is the base; flags given explicitly on the
// command line override the corresponding fields (so one can evaluate with a
// different number of adaptation steps than used at training time). No
// outer-loop update occurs in this mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagNumSteps    = flag.Int("num-steps", 0, "Number of inner-loop adaptation steps. Overrides the trained configuration when set.")
	flagNumEpisodes = flag.Int("num-episodes", 0, "Number of held-out episodes to evaluate. Overrides the trained configuration when set.")
	flagNumQuery    = flag.Int("num-query", 0, "Number of query examples per class. Overrides the trained configuration when set.")
	flagNumWorkers  = flag.Int("num-workers", 0, "Number of task-assembly workers. Overrides the trained configuration when set.")
	flagStepSize    = flag.Float64("step-size", 0, "Inner-loop step size. Overrides the trained configuration when set.")
	flagSeed        = flag.Int64("seed", 0, "Seed for held-out task sampling. Overrides the trained configuration when set.")
	flagDataDir     = flag.String("data-dir", "", "Directory holding the dataset class banks. Overrides the trained configuration when set.")
	flagUseCuda     = flag.Bool("use-cuda", false, "Require the accelerated path. Overrides the trained configuration when set.")
	flagSynthetic   = flag.Bool("synthetic", false, "Use a deterministic synthetic partition. Overrides the trained configuration when set.")
	flagVerbose     = flag.Bool("verbose", false, "Verbose operational logging.")
)

// evalLogName is the append-only evaluation record inside a run directory.
const evalLogName = "test_log.txt"

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

// applyOverrides copies every flag given explicitly on the command line over
// the persisted configuration.
func applyOverrides(cfg *run.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "num-steps":
			cfg.NumSteps = *flagNumSteps
		case "num-episodes":
			cfg.NumEpisodes = *flagNumEpisodes
		case "num-query":
			cfg.NumQuery = *flagNumQuery
		case "num-workers":
			cfg.NumWorkers = *flagNumWorkers
		case "step-size":
			cfg.StepSize = *flagStepSize
		case "seed":
			cfg.Seed = *flagSeed
		case "data-dir":
			cfg.DataDir = *flagDataDir
		case "use-cuda":
			cfg.UseAccelerator = *flagUseCuda
		case "synthetic":
			cfg.Synthetic = *flagSynthetic
		}
	})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagVerbose {
		must.M(flag.Set("v", "1"))
	}
	if flag.NArg() != 1 {
		fatal(&run.ConfigError{Field: "config", Reason: "expected exactly one positional argument, the path to a run's config.json"})
	}
	configPath := flag.Arg(0)
	runDir := filepath.Dir(configPath)

	cfg, err := run.Load(configPath)
	if err != nil {
		fatal(err)
	}
	applyOverrides(&cfg)
	cfg, err = cfg.Resolve()
	if err != nil {
		fatal(err)
	}

	// Held-out partition and episodic sampler.
	var partition *datasets.Partition
	name := datasets.Name(cfg.Dataset)
	if cfg.Synthetic {
		partition, err = datasets.Synthetic(name, datasets.SplitTest,
			cfg.NumWays*4, cfg.NumShots+cfg.NumQuery+1, cfg.Seed)
	} else {
		partition, err = datasets.Open(name, cfg.DataDir, datasets.SplitTest)
	}
	if err != nil {
		fatal(err)
	}
	taskSampler, err := sampler.New(partition, sampler.Config{
		NumWays:   cfg.NumWays,
		NumShots:  cfg.NumShots,
		NumQuery:  cfg.NumQuery,
		BatchSize: 1,
		Seed:      cfg.Seed,
	})
	if err != nil {
		fatal(err)
	}
	var src sampler.Source = taskSampler
	if cfg.NumWorkers > 0 {
		src = sampler.Parallel(taskSampler, cfg.NumWorkers)
	}

	// Rebuild the model exactly as trained and restore the latest checkpoint.
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
	checkpoint, err := checkpoints.Build(trainer).Dir(runDir).Keep(cfg.NumCheckpoints).Done()
	if err != nil {
		fatal(err)
	}
	if checkpoint.LoadedEpoch() < 0 {
		fatal(errors.Errorf("run directory %q holds no checkpoint to evaluate", runDir))
	}
	klog.V(1).Infof("Evaluating run %q at epoch %d over %d episodes",
		cfg.RunName, checkpoint.LoadedEpoch(), cfg.NumEpisodes)

	// SIGINT/SIGTERM stop the evaluation early; the partial result is still
	// reported.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := train.Evaluate(ctx, trainer, src, cfg.NumEpisodes, commandline.EvalProgress(os.Stdout))
	if err != nil {
		fatal(err)
	}
	title := fmt.Sprintf("%s, %d-way %d-shot, epoch %d",
		cfg.Dataset, cfg.NumWays, cfg.NumShots, checkpoint.LoadedEpoch())
	commandline.PrintEvalReport(os.Stdout, title, result)

	if err = appendEvalRecord(runDir, commandline.FormatEvalRecord(result, cfg.NumSteps)); err != nil {
		fatal(err)
	}
}

// appendEvalRecord appends one line to the run's evaluation log.
func appendEvalRecord(runDir, record string) error {
	fileName := filepath.Join(runDir, evalLogName)
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return errors.Wrapf(err, "opening evaluation log %q", fileName)
	}
	if _, err = fmt.Fprintln(f, record); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing evaluation log %q", fileName)
	}
	return f.Close()
}
