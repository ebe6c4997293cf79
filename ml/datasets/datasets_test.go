package datasets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesAndValidity(t *testing.T) {
	assert.True(t, Omniglot.Valid())
	assert.True(t, CIFARFS.Valid())
	assert.False(t, Name("imagenet21k").Valid())

	dim, err := Omniglot.FeatureDim()
	require.NoError(t, err)
	assert.Equal(t, 784, dim)
	dim, err = FC100.FeatureDim()
	require.NoError(t, err)
	assert.Equal(t, 3072, dim)

	_, err = Name("nope").FeatureDim()
	assert.Error(t, err)
	assert.Len(t, Names(), 4)
}

func TestSyntheticDeterministic(t *testing.T) {
	p1, err := Synthetic(Omniglot, SplitTrain, 7, 9, 123)
	require.NoError(t, err)
	p2, err := Synthetic(Omniglot, SplitTrain, 7, 9, 123)
	require.NoError(t, err)

	assert.Equal(t, 7, p1.NumClasses())
	assert.Equal(t, "omniglot/train", p1.Name())
	for c := range p1.Classes {
		assert.Equal(t, 9, p1.Classes[c].NumExamples())
		assert.True(t, p1.Classes[c].Examples.Equal(p2.Classes[c].Examples))
	}

	p3, err := Synthetic(Omniglot, SplitTrain, 7, 9, 124)
	require.NoError(t, err)
	assert.False(t, p1.Classes[0].Examples.Equal(p3.Classes[0].Examples))
}

func TestBankRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src, err := Synthetic(CIFARFS, SplitVal, 5, 4, 99)
	require.NoError(t, err)

	path := BankPath(dir, CIFARFS, SplitVal)
	require.NoError(t, WriteBank(path, src))

	loaded, err := Open(CIFARFS, dir, SplitVal)
	require.NoError(t, err)
	assert.Equal(t, CIFARFS, loaded.Dataset)
	assert.Equal(t, SplitVal, loaded.Split)
	assert.Equal(t, src.FeatureDim, loaded.FeatureDim)
	require.Equal(t, src.NumClasses(), loaded.NumClasses())
	for c := range src.Classes {
		assert.True(t, src.Classes[c].Examples.Equal(loaded.Classes[c].Examples))
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(Omniglot, t.TempDir(), SplitTest)
	assert.Error(t, err)
}

func TestOpenRejectsCorruptBank(t *testing.T) {
	dir := t.TempDir()
	path := BankPath(dir, Omniglot, SplitTrain)
	require.NoError(t, os.WriteFile(path, []byte("not a bank at all"), 0o644))
	_, err := Open(Omniglot, dir, SplitTrain)
	assert.Error(t, err)
}

func TestOpenRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	// A cifarfs-sized bank stored under an omniglot name must be rejected.
	src, err := Synthetic(CIFARFS, SplitTrain, 3, 3, 1)
	require.NoError(t, err)
	require.NoError(t, WriteBank(filepath.Join(dir, "omniglot-train.bank"), src))
	_, err = Open(Omniglot, dir, SplitTrain)
	assert.Error(t, err)
}
