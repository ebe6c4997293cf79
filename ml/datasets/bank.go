package datasets

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Class-bank file format, little-endian:
//
//	magic "MTMB" | uint32 version | uint32 numClasses | uint32 perClass |
//	uint32 featureDim | numClasses*perClass*featureDim float32
//
// Classes are stored contiguously; every class holds the same number of
// examples.
const (
	bankMagic   = "MTMB"
	bankVersion = 1
)

// bankPath returns the conventional class-bank file location for a
// dataset/split pair, e.g. "<dataDir>/omniglot-train.bank".
func bankPath(dataDir string, name Name, split string) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s-%s.bank", name, split))
}

// BankPath exposes the conventional location, for tooling.
func BankPath(dataDir string, name Name, split string) string {
	return bankPath(dataDir, name, split)
}

func readBank(path string) (*Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open class bank %q", path)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReaderSize(f, 1<<20)

	var magic [4]byte
	if _, err = io.ReadFull(r, magic[:]); err != nil {
		return nil, errors.Wrapf(err, "reading magic of %q", path)
	}
	if string(magic[:]) != bankMagic {
		return nil, errors.Errorf("file %q is not a class bank (bad magic %q)", path, magic)
	}
	var header [4]uint32
	if err = binary.Read(r, binary.LittleEndian, header[:]); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", path)
	}
	version, numClasses, perClass, featureDim := header[0], int(header[1]), int(header[2]), int(header[3])
	if version != bankVersion {
		return nil, errors.Errorf("class bank %q has version %d, supported version is %d", path, version, bankVersion)
	}
	if numClasses <= 0 || perClass <= 0 || featureDim <= 0 {
		return nil, errors.Errorf("class bank %q has invalid header: %d classes x %d examples x %d features",
			path, numClasses, perClass, featureDim)
	}

	classes := make([]Class, numClasses)
	buf := make([]byte, 4*perClass*featureDim)
	for c := range classes {
		if _, err = io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrapf(err, "class bank %q truncated at class %d", path, c)
		}
		data := make([]float32, perClass*featureDim)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		examples, err := tensor.FromFlat(data, perClass, featureDim)
		if err != nil {
			return nil, err
		}
		classes[c] = Class{Examples: examples}
	}

	klog.V(1).Infof("Loaded class bank %q: %d classes x %d examples x %d features (%s)",
		path, numClasses, perClass, featureDim,
		humanize.IBytes(uint64(4*numClasses*perClass*featureDim)))
	return &Partition{FeatureDim: featureDim, Classes: classes}, nil
}

// WriteBank persists a partition as a class-bank file. Every class must have
// the same number of examples. Used by import tooling and tests.
func WriteBank(path string, p *Partition) error {
	if len(p.Classes) == 0 {
		return errors.Errorf("refusing to write empty class bank %q", path)
	}
	perClass := p.Classes[0].NumExamples()
	for c, class := range p.Classes {
		if class.NumExamples() != perClass {
			return errors.Errorf("class bank %q requires uniform class sizes: class %d has %d examples, class 0 has %d",
				path, c, class.NumExamples(), perClass)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create class bank %q", path)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if _, err = w.WriteString(bankMagic); err == nil {
		header := [4]uint32{bankVersion, uint32(len(p.Classes)), uint32(perClass), uint32(p.FeatureDim)}
		err = binary.Write(w, binary.LittleEndian, header[:])
	}
	for c := 0; err == nil && c < len(p.Classes); c++ {
		err = binary.Write(w, binary.LittleEndian, p.Classes[c].Examples.Data())
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write class bank %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close class bank %q", path)
}

