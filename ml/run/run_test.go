package run

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown dataset", func(c *Config) { c.Dataset = "imagenet21k" }, "dataset"},
		{"one way", func(c *Config) { c.NumWays = 1 }, "num_ways"},
		{"zero shots", func(c *Config) { c.NumShots = 0 }, "num_shots"},
		{"negative query", func(c *Config) { c.NumQuery = -1 }, "num_query"},
		{"negative steps", func(c *Config) { c.NumSteps = -1 }, "num_steps"},
		{"zero step size", func(c *Config) { c.StepSize = 0 }, "step_size"},
		{"unknown optimizer", func(c *Config) { c.Optimizer = "lbfgs" }, "optimizer"},
		{"zero meta lr", func(c *Config) { c.MetaLearningRate = 0 }, "meta_learning_rate"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"negative workers", func(c *Config) { c.NumWorkers = -1 }, "num_workers"},
		{"zero epochs", func(c *Config) { c.NumEpochs = 0 }, "num_epochs"},
		{"zero episodes", func(c *Config) { c.NumEpisodes = 0 }, "num_episodes"},
		{"zero hidden", func(c *Config) { c.HiddenSize = 0 }, "hidden_size"},
		{"zero checkpoints", func(c *Config) { c.NumCheckpoints = 0 }, "num_checkpoints"},
		{"negative checkpoint interval", func(c *Config) { c.CheckpointEvery = -1 }, "checkpoint_every"},
		{"empty output folder", func(c *Config) { c.OutputFolder = "" }, "output_folder"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, test.field, configErr.Field)
		})
	}
}

func TestResolveDerivesRunName(t *testing.T) {
	c := Default()
	c.Dataset = "cifarfs"
	c.NumWays = 5
	c.NumShots = 5
	resolved, err := c.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "cifarfs_5way_5shot", resolved.RunName)
	assert.Equal(t, filepath.Join("output", "cifarfs_5way_5shot"), resolved.Dir())

	// An explicit name wins.
	c.RunName = "baseline_v2"
	resolved, err = c.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "baseline_v2", resolved.RunName)
}

func TestResolveDoesNotMutateReceiver(t *testing.T) {
	c := Default()
	_, err := c.Resolve()
	require.NoError(t, err)
	assert.Empty(t, c.RunName)
}

func TestMarshalByteIdentical(t *testing.T) {
	c := Default()
	c.RunName = "run_a"
	first, err := c.Marshal()
	require.NoError(t, err)
	second, err := c.Marshal()
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical configurations must serialize byte-identically")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.Dataset = "fc100"
	c.NumShots = 5
	c.RunName = "fc100_test"
	require.NoError(t, c.Save(dir))

	loaded, err := Load(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, c, loaded)

	// The persisted file itself is byte-identical to a re-save.
	first, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	require.NoError(t, c.Save(dir))
	second, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(fileName, []byte(`{"dataset": 12`), 0660))
	_, err := Load(fileName)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	require.NoError(t, os.WriteFile(fileName, []byte(`{"dataset": "omniglot", "surprise": true}`), 0660))
	_, err = Load(fileName)
	require.Error(t, err, "unknown fields reject: a config from a newer build should not half-load")
}

func TestCreateDir(t *testing.T) {
	c := Default()
	c.OutputFolder = t.TempDir()
	c.RunName = "nested/run"
	dir, err := c.CreateDir()
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAcceleratorErrorClass(t *testing.T) {
	err := &AcceleratorUnavailableError{Reason: "no device"}
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "no device")
}
