package checkpoints

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/sampler"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTarget is a Snapshotter whose state is a couple of small tensors.
type fakeTarget struct {
	meta     params.Params
	optState params.Params
	restored int
}

func newFakeTarget(seed int64) *fakeTarget {
	rng := rand.New(rand.NewSource(seed))
	meta := params.Params{
		"layer0/weights": tensor.New(3, 4),
		"layer0/bias":    tensor.New(1, 4),
	}
	for _, t := range meta {
		t.FillRandn(rng, 1.0)
	}
	optState := params.Params{
		"adam/step": tensor.Scalar(7),
	}
	return &fakeTarget{meta: meta, optState: optState}
}

func (f *fakeTarget) Snapshot() (meta, optimizerState params.Params) {
	return f.meta.Clone(), f.optState.Clone()
}

func (f *fakeTarget) Restore(meta, optimizerState params.Params) error {
	f.meta = meta
	f.optState = optimizerState
	f.restored++
	return nil
}

func TestCheckpointsSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := newFakeTarget(42)

	checkpoint, err := Build(target).Dir(dir).Keep(3).Done()
	require.NoError(t, err)
	assert.Equal(t, -1, checkpoint.LoadedEpoch(), "empty directory should load nothing")
	assert.Equal(t, 0, target.restored)

	require.NoError(t, checkpoint.Save(9))

	// A fresh handler over the same directory restores the saved state.
	other := newFakeTarget(7)
	require.False(t, other.meta.Equal(target.meta))
	reloaded, err := Build(other).Dir(dir).Keep(3).Done()
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.LoadedEpoch())
	assert.Equal(t, 1, other.restored)
	assert.True(t, other.meta.Equal(target.meta), "restored meta parameters should be bit-identical")
	assert.True(t, other.optState.Equal(target.optState))
}

func TestCheckpointsKeepN(t *testing.T) {
	dir := t.TempDir()
	target := newFakeTarget(1)
	checkpoint, err := Build(target).Dir(dir).Keep(3).Done()
	require.NoError(t, err)

	for epoch := 0; epoch < 10; epoch++ {
		require.NoError(t, checkpoint.Save(epoch), "saving checkpoint at epoch %d", epoch)
	}
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 3, "number of remaining checkpoints")

	// The survivors are the most recent ones.
	assert.True(t, strings.HasSuffix(list[len(list)-1], "epoch-00000009"), "latest checkpoint: %q", list[len(list)-1])

	// Resuming restores the latest and continues the numbering.
	reloaded, err := Build(newFakeTarget(2)).Dir(dir).Keep(3).Done()
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.LoadedEpoch())
	require.NoError(t, reloaded.Save(10))
	list, err = reloaded.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.True(t, strings.HasSuffix(list[len(list)-1], "epoch-00000010"))
}

func TestCheckpointsNoTemporaryLeftovers(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := Build(newFakeTarget(3)).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save(0))
	require.NoError(t, checkpoint.Save(1))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "two checkpoints, two files each")
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-", "temporary file left behind: %q", entry.Name())
	}
}

func TestCheckpointsDirRejectsRegularFile(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(fileName, []byte("x"), 0660))
	_, err := Build(newFakeTarget(4)).Dir(fileName).Done()
	assert.Error(t, err)
}

func TestCheckpointsDirFromBase(t *testing.T) {
	base := t.TempDir()
	checkpoint, err := Build(newFakeTarget(5)).DirFromBase("some_run", base).Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "some_run"), checkpoint.Dir())
}

// countingTrainer counts train steps; each epoch runs one no-op batch.
type countingTrainer struct {
	steps int
}

func (c *countingTrainer) TrainStep(batch []*sampler.Task) (train.StepMetrics, error) {
	c.steps++
	return train.StepMetrics{QueryLoss: 1.0 / float64(c.steps)}, nil
}

func (c *countingTrainer) EvalTask(task *sampler.Task) (loss, accuracy float64, err error) {
	return 0, 0, nil
}

// fixedSource yields empty batches; the trainer above ignores them.
type fixedSource struct{}

func (fixedSource) Name() string                  { return "fixed" }
func (fixedSource) Reset()                        {}
func (fixedSource) Yield() ([]*sampler.Task, error) { return []*sampler.Task{{}}, nil }

func TestCheckpointsAttachTo(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := Build(newFakeTarget(6)).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)

	loop := train.NewLoop(&countingTrainer{}, 10)
	checkpoint.AttachTo(loop, 4)
	_, err = loop.RunEpochs(context.Background(), fixedSource{})
	require.NoError(t, err)

	// Epochs 3 and 7 from the every-4 hook, plus the final save.
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, train.StateCompleted, loop.State())
}

func TestCheckpointsAttachToNothingCompleted(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := Build(newFakeTarget(8)).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)

	// Stopped before the first epoch: the end hook must not write a
	// checkpoint for an epoch that never ran.
	loop := train.NewLoop(&countingTrainer{}, 10)
	checkpoint.AttachTo(loop, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loop.RunEpochs(ctx, fixedSource{})
	require.NoError(t, err)
	assert.Equal(t, train.StateCompleted, loop.State())

	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Empty(t, list)
	reloaded, err := Build(newFakeTarget(9)).Dir(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, -1, reloaded.LoadedEpoch())
}

func TestCheckpointsAttachToSavesLastCompletedEpoch(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := Build(newFakeTarget(10)).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)

	loop := train.NewLoop(&countingTrainer{}, 5)
	checkpoint.AttachTo(loop, 0)
	_, err = loop.RunEpochs(context.Background(), fixedSource{})
	require.NoError(t, err)

	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, strings.HasSuffix(list[0], "epoch-00000004"), "final save labels the last epoch that ran: %q", list[0])
}

func TestCheckpointsSaveRemovesTempsOnMetadataFailure(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := Build(newFakeTarget(11)).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)

	// The first suffix (data file) is valid, the second (metadata file) makes
	// os.Create fail with ENOTDIR.
	defer func(orig func() string) { tempSuffix = orig }(tempSuffix)
	calls := 0
	tempSuffix = func() string {
		calls++
		if calls == 1 {
			return ".tmp-data"
		}
		return "/no-such-dir/.tmp-metadata"
	}

	require.Error(t, checkpoint.Save(0))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed save must not leave partial files behind")
}

func TestMetricsLogAppend(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenMetricsLog(dir)
	require.NoError(t, err)
	require.NoError(t, log.Append(train.StepMetrics{Epoch: 0, QueryLoss: 1.5}))
	require.NoError(t, log.Append(train.StepMetrics{Epoch: 1, QueryLoss: 1.2, Skipped: true}))
	require.NoError(t, log.Close())

	// Reopening appends instead of truncating.
	log, err = OpenMetricsLog(dir)
	require.NoError(t, err)
	require.NoError(t, log.Append(train.StepMetrics{Epoch: 2, QueryLoss: 1.0}))
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(filepath.Join(dir, MetricsLogName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"epoch":0`)
	assert.Contains(t, lines[1], `"skipped":true`)
	assert.Contains(t, lines[2], `"epoch":2`)
}
