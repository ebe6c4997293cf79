// Package run resolves the flag-driven configuration of a training or
// evaluation invocation into a canonical, immutable Config, names the run,
// lays out its directory and persists the resolved configuration so an
// evaluation-only invocation can later reconstruct the exact sampling and
// model parameters.
//
// Accelerator policy: requesting acceleration on a machine without the
// required capability is a hard failure (AcceleratorUnavailableError), never
// a silent fallback. A run that silently lands on a path 100x slower than
// requested wastes more than it saves.
package run

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/datasets"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train/optimizers"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ConfigFileName is the name of the persisted configuration inside a run
// directory.
const ConfigFileName = "config.json"

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Config is the resolved record of one run. Created once at process start
// from defaults merged with flag overrides, validated, then never mutated.
// Serialized as the run's config.json; field order here is the file's key
// order, so resolving identical flags yields byte-identical files.
type Config struct {
	Dataset   string `json:"dataset"`
	DataDir   string `json:"data_dir"`
	Synthetic bool   `json:"synthetic"`

	NumWays  int `json:"num_ways"`
	NumShots int `json:"num_shots"`
	NumQuery int `json:"num_query"`

	NumSteps int     `json:"num_steps"`
	StepSize float64 `json:"step_size"`

	Optimizer        string  `json:"optimizer"`
	MetaLearningRate float64 `json:"meta_learning_rate"`

	BatchSize   int `json:"batch_size"`
	NumWorkers  int `json:"num_workers"`
	NumEpochs   int `json:"num_epochs"`
	NumEpisodes int `json:"num_episodes"`

	HiddenSize int `json:"hidden_size"`

	UseAccelerator bool `json:"use_accelerator"`

	NumCheckpoints  int `json:"num_checkpoints"`
	CheckpointEvery int `json:"checkpoint_every"`

	Seed int64 `json:"seed"`

	OutputFolder string `json:"output_folder"`
	RunName      string `json:"run_name"`
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Dataset:          "omniglot",
		DataDir:          "data",
		NumWays:          5,
		NumShots:         1,
		NumQuery:         15,
		NumSteps:         5,
		StepSize:         0.1,
		Optimizer:        "adam",
		MetaLearningRate: 0.001,
		BatchSize:        16,
		NumWorkers:       1,
		NumEpochs:        100,
		NumEpisodes:      1000,
		HiddenSize:       64,
		NumCheckpoints:   3,
		CheckpointEvery:  10,
		Seed:             1,
		OutputFolder:     "output",
	}
}

// ConfigError reports an invalid or inconsistent configuration. It is always
// raised before any run directory is created.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AcceleratorUnavailableError reports that acceleration was explicitly
// requested but the machine cannot provide it.
type AcceleratorUnavailableError struct {
	Reason string
}

func (e *AcceleratorUnavailableError) Error() string {
	return fmt.Sprintf("accelerator requested but unavailable: %s", e.Reason)
}

// IsConfigError reports whether err belongs to the configuration error class
// (distinct process exit code from runtime errors).
func IsConfigError(err error) bool {
	var configErr *ConfigError
	var accelErr *AcceleratorUnavailableError
	return errors.As(err, &configErr) || errors.As(err, &accelErr)
}

// Validate checks the configuration's fields and their interactions. It does
// not touch the filesystem or the hardware.
func (c *Config) Validate() error {
	if !datasets.Name(c.Dataset).Valid() {
		return configErrorf("dataset", "unknown dataset %q, known: %v", c.Dataset, datasets.Names())
	}
	if c.NumWays < 2 {
		return configErrorf("num_ways", "must be >= 2, got %d", c.NumWays)
	}
	if c.NumShots < 1 {
		return configErrorf("num_shots", "must be >= 1, got %d", c.NumShots)
	}
	if c.NumQuery < 0 {
		return configErrorf("num_query", "must be >= 0, got %d", c.NumQuery)
	}
	if c.NumSteps < 0 {
		return configErrorf("num_steps", "must be >= 0, got %d", c.NumSteps)
	}
	if c.StepSize <= 0 {
		return configErrorf("step_size", "must be > 0, got %g", c.StepSize)
	}
	if _, found := optimizers.KnownOptimizers[c.Optimizer]; !found {
		return configErrorf("optimizer", "unknown optimizer %q", c.Optimizer)
	}
	if c.MetaLearningRate <= 0 {
		return configErrorf("meta_learning_rate", "must be > 0, got %g", c.MetaLearningRate)
	}
	if c.BatchSize < 1 {
		return configErrorf("batch_size", "must be >= 1, got %d", c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return configErrorf("num_workers", "must be >= 0, got %d", c.NumWorkers)
	}
	if c.NumEpochs < 1 {
		return configErrorf("num_epochs", "must be >= 1, got %d", c.NumEpochs)
	}
	if c.NumEpisodes < 1 {
		return configErrorf("num_episodes", "must be >= 1, got %d", c.NumEpisodes)
	}
	if c.HiddenSize < 1 {
		return configErrorf("hidden_size", "must be >= 1, got %d", c.HiddenSize)
	}
	if c.NumCheckpoints == 0 || c.NumCheckpoints < -1 {
		return configErrorf("num_checkpoints", "must be >= 1 or -1 (keep all), got %d", c.NumCheckpoints)
	}
	if c.CheckpointEvery < 0 {
		return configErrorf("checkpoint_every", "must be >= 0, got %d", c.CheckpointEvery)
	}
	if c.OutputFolder == "" {
		return configErrorf("output_folder", "must not be empty")
	}
	return nil
}

// Resolve validates the configuration, checks the accelerator policy against
// the actual hardware and derives the run name when none was given. It
// returns the resolved configuration; the receiver is not modified.
func (c Config) Resolve() (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	if c.UseAccelerator {
		if err := checkAccelerator(); err != nil {
			return Config{}, err
		}
	}
	if c.RunName == "" {
		// Deterministic: the same flags always name the same run, so a
		// repeated invocation resumes instead of forking a new directory.
		c.RunName = fmt.Sprintf("%s_%dway_%dshot", c.Dataset, c.NumWays, c.NumShots)
	}
	return c, nil
}

// checkAccelerator verifies the machine has the vector capability the
// accelerated kernels need.
func checkAccelerator() error {
	if !cpuid.CPU.Supports(cpuid.AVX2) {
		return &AcceleratorUnavailableError{
			Reason: fmt.Sprintf("CPU %q does not support AVX2", cpuid.CPU.BrandName),
		}
	}
	return nil
}

// Dir returns the run's directory, OutputFolder/RunName. Call after Resolve.
func (c *Config) Dir() string {
	return path.Join(c.OutputFolder, c.RunName)
}

// CreateDir creates the run directory (and parents) if needed and returns it.
func (c *Config) CreateDir() (string, error) {
	dir := c.Dir()
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "creating run directory %q", dir)
	}
	return dir, nil
}

// Marshal renders the canonical config.json bytes: indented, keys in struct
// order, trailing newline. Identical configurations render byte-identical.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "serializing run configuration")
	}
	return buf.Bytes(), nil
}

// Save writes the configuration as config.json under the given directory.
func (c *Config) Save(dir string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	fileName := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(fileName, data, 0660); err != nil {
		return errors.Wrapf(err, "writing %q", fileName)
	}
	return nil
}

// Load reads a persisted config.json. A missing or malformed file is a
// configuration error.
func Load(fileName string) (Config, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return Config{}, &ConfigError{Field: "config", Reason: err.Error()}
	}
	var c Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, &ConfigError{
			Field:  "config",
			Reason: fmt.Sprintf("malformed %s: %v", fileName, err),
		}
	}
	return c, nil
}
