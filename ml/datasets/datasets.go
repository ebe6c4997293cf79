// Package datasets provides the few-shot dataset adapters used by the
// episodic driver.
//
// Supported datasets form a closed enumeration (Name); each adapter knows its
// flattened feature size and how to load a partition ("train", "val" or
// "test") from a class-bank file on disk. A deterministic Synthetic generator
// serves tests and dry runs without on-disk data.
package datasets

import (
	"math/rand"
	"sort"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Name identifies a supported dataset.
type Name string

// The supported datasets. Dispatch over this closed set replaces the
// string-keyed loader branching of the original driver.
const (
	Omniglot     Name = "omniglot"
	CIFARFS      Name = "cifarfs"
	FC100        Name = "fc100"
	MiniImageNet Name = "miniimagenet"
)

// Partition split names.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// adapter describes one dataset of the closed enumeration.
type adapter struct {
	// featureDim is the flattened input size of one example.
	featureDim int
}

var adapters = map[Name]adapter{
	Omniglot:     {featureDim: 28 * 28},
	CIFARFS:      {featureDim: 3 * 32 * 32},
	FC100:        {featureDim: 3 * 32 * 32},
	MiniImageNet: {featureDim: 3 * 84 * 84},
}

// Names returns the supported dataset names, sorted.
func Names() []Name {
	names := maps.Keys(adapters)
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Valid reports whether n is a supported dataset.
func (n Name) Valid() bool {
	_, found := adapters[n]
	return found
}

// FeatureDim returns the flattened feature size of one example, or an error
// for unsupported datasets.
func (n Name) FeatureDim() (int, error) {
	a, found := adapters[n]
	if !found {
		return 0, errors.Errorf("unsupported dataset %q, valid values are %v", n, Names())
	}
	return a.featureDim, nil
}

// Class holds all examples of one class as a [numExamples, featureDim] tensor.
type Class struct {
	Examples *tensor.Tensor
}

// NumExamples returns the number of examples in the class.
func (c Class) NumExamples() int { return c.Examples.Rows() }

// Partition is one split of a dataset: the pool of classes episodic tasks are
// sampled from. Immutable once loaded.
type Partition struct {
	Dataset    Name
	Split      string
	FeatureDim int
	Classes    []Class
}

// Name returns a human-readable identifier like "omniglot/train", used in
// error reports to identify the offending partition.
func (p *Partition) Name() string {
	return string(p.Dataset) + "/" + p.Split
}

// NumClasses returns the number of classes in the partition.
func (p *Partition) NumClasses() int { return len(p.Classes) }

// Open loads the given split of a dataset from its class-bank file under
// dataDir (see bank.go for the file layout and naming).
func Open(name Name, dataDir, split string) (*Partition, error) {
	featureDim, err := name.FeatureDim()
	if err != nil {
		return nil, err
	}
	p, err := readBank(bankPath(dataDir, name, split))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading dataset %s/%s", name, split)
	}
	if p.FeatureDim != featureDim {
		return nil, errors.Errorf("dataset %s/%s: bank has feature size %d, adapter expects %d",
			name, split, p.FeatureDim, featureDim)
	}
	p.Dataset = name
	p.Split = split
	return p, nil
}

// Synthetic builds a deterministic in-memory partition with numClasses
// classes of perClass examples each. Class c's examples are drawn around a
// class-specific mean, so the classes are separable and tiny models can be
// shown to learn. Deterministic given the seed.
func Synthetic(name Name, split string, numClasses, perClass int, seed int64) (*Partition, error) {
	featureDim, err := name.FeatureDim()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	classes := make([]Class, numClasses)
	for c := range classes {
		mean := make([]float32, featureDim)
		for j := range mean {
			mean[j] = float32(rng.NormFloat64())
		}
		examples := tensor.New(perClass, featureDim)
		for i := 0; i < perClass; i++ {
			row := examples.Row(i)
			for j := range row {
				row[j] = mean[j] + float32(rng.NormFloat64())*0.3
			}
		}
		classes[c] = Class{Examples: examples}
	}
	return &Partition{
		Dataset:    name,
		Split:      split,
		FeatureDim: featureDim,
		Classes:    classes,
	}, nil
}
