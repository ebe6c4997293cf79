// Package checkpoints implements checkpoint management: saving and loading of
// the meta parameters and optimizer state during a run.
//
// The main object is the Handler, created by calling Build, followed by the
// various options setting and finally calling Config.Done. Once created, if a
// previously saved checkpoint exists in the run directory, it is
// automatically restored into the training target. As training progresses,
// Handler.Save writes new checkpoints; typically one attaches it to the loop
// with Handler.AttachTo.
//
// Example:
//
//	checkpoint, err := checkpoints.Build(trainer).
//		DirFromBase(runName, outputFolder).
//		Keep(3).Done()
//	must.M(err)
//	loop := train.NewLoop(trainer, numEpochs)
//	checkpoint.AttachTo(loop, checkpointEvery)
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/params"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/ml/train"
	"github.com/KhabarlakKonstantin/mtm-meta-learning-sa/types/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Snapshotter is the training target of a Handler: it exports a consistent
// copy of its meta parameters and optimizer state, and accepts them back.
// Implemented by maml.Trainer.
type Snapshotter interface {
	Snapshot() (meta, optimizerState params.Params)
	Restore(meta, optimizerState params.Params) error
}

// Config for the checkpoints Handler to be created. This is created with
// Build() and configured with the various methods. Once finished, call Done()
// and it will output a Handler that loads (if there are any previously saved
// checkpoints) and saves checkpoints.
type Config struct {
	target Snapshotter

	err error

	dir  string
	keep int
}

// Build a configuration for a Handler saving and restoring the state of
// target. After configuring the returned Config, call Done to get the
// Handler.
func Build(target Snapshotter) *Config {
	return &Config{
		target: target,
		keep:   1,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints, creating it if
// needed.
//
// One of Dir or DirFromBase must be set before building the Handler.
func (c *Config) Dir(dir string) *Config {
	c.dir = replaceTildeInDir(dir)
	fi, err := os.Stat(c.dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	err = os.MkdirAll(c.dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If dir is not an absolute path, assumes it is a subdirectory of baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = replaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = replaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// Keep configures the number of checkpoint files to keep. If set to -1, it
// will never erase older checkpoints. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates a Handler with the current configuration, restoring the most
// recent checkpoint of the directory into the target if one exists. It
// returns an error if the configuration is invalid or incomplete.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{config: c, loadedEpoch: -1}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.checkpointsCount = maxCheckpointCount(checkpoints) + 1
	if len(checkpoints) > 0 {
		latest := checkpoints[len(checkpoints)-1]
		if err = handler.loadCheckpoint(latest); err != nil {
			return nil, err
		}
		klog.V(1).Infof("Restored checkpoint %q (epoch %d)", latest, handler.loadedEpoch)
	}
	return handler, nil
}

// MustDone constructs the Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler handles saving and loading of checkpoints for a Snapshotter. See
// example in package documentation.
//
// Loading happens at creation time: the most recent checkpoint of the
// directory, if any, is restored into the target. Saving is explicit, by
// calling Handler.Save, usually through the loop hook set up by AttachTo.
//
// A checkpoint is a pair of files with a common base name: a json metadata
// file describing the shapes and offsets and a raw binary file with the
// tensor payloads. Both are written to temporary names first and renamed into
// place, so a crash mid-save never leaves a half-written checkpoint visible.
type Handler struct {
	config *Config

	checkpointsCount int
	loadedEpoch      int
}

// serializedData is how checkpoint metadata is read and written from storage.
type serializedData struct {
	Epoch   int
	SavedAt time.Time

	// Tensors maps each saved tensor to its position in the binary file.
	Tensors []serializedTensor
}

// serializedTensor describes one tensor of the payload.
type serializedTensor struct {
	// Group is "meta" or "optimizer".
	Group string

	Name       string
	Dimensions []int

	// Pos, Length in bytes in the binary file.
	Pos, Length int
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	binNameSuffix  = ".bin"

	groupMeta      = "meta"
	groupOptimizer = "optimizer"
)

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to. It returns ""
// (empty) if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LoadedEpoch returns the epoch of the checkpoint restored when the Handler
// was created, or -1 if the directory held no checkpoint. Training resumes at
// LoadedEpoch()+1.
func (h *Handler) LoadedEpoch() int {
	return h.loadedEpoch
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(epoch int) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-epoch-%08d", baseNamePrefix, h.checkpointsCount, now, epoch)
}

// ListCheckpoints returns the base file name of the checkpoints in the
// directory in time order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(jsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest count in the saved checkpoints, so
// the next checkpoint saved uses count+1. The input should be the output of
// Handler.ListCheckpoints.
func maxCheckpointCount(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// loadCheckpoint restores the checkpoint with the given base name into the
// target.
func (h *Handler) loadCheckpoint(baseName string) error {
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	var serialized serializedData
	if err = json.NewDecoder(jsonFile).Decode(&serialized); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s: failed to decode checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}

	binFileName := filepath.Join(h.config.dir, baseName+binNameSuffix)
	binFile, err := os.Open(binFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = binFile.Close() }()

	meta := params.Params{}
	optimizerState := params.Params{}
	for _, info := range serialized.Tensors {
		size := 1
		for _, dim := range info.Dimensions {
			size *= dim
		}
		if info.Length != size*4 {
			return errors.Errorf("%s: tensor %q in %s declares %d bytes for dimensions %v",
				h, info.Name, binFileName, info.Length, info.Dimensions)
		}
		data := make([]float32, size)
		if err = binary.Read(binFile, binary.LittleEndian, data); err != nil {
			return errors.Wrapf(err, "%s: failed to read tensor %q of checkpoint data file %s at position %d",
				h, info.Name, binFileName, info.Pos)
		}
		t, err := tensor.FromFlat(data, info.Dimensions...)
		if err != nil {
			return errors.WithMessagef(err, "%s: tensor %q of %s", h, info.Name, binFileName)
		}
		switch info.Group {
		case groupMeta:
			meta[info.Name] = t
		case groupOptimizer:
			optimizerState[info.Name] = t
		default:
			return errors.Errorf("%s: tensor %q of %s has unknown group %q", h, info.Name, binFileName, info.Group)
		}
	}

	if err = h.config.target.Restore(meta, optimizerState); err != nil {
		return errors.WithMessagef(err, "%s: restoring checkpoint %q", h, baseName)
	}
	h.loadedEpoch = serialized.Epoch
	return nil
}

// tempSuffix names an in-flight checkpoint file. A variable so tests can
// redirect one of the writes to an invalid path.
var tempSuffix = func() string { return ".tmp-" + uuid.NewString() }

// Save creates a new checkpoint from the target's current state, labeled with
// the epoch just finished. Excess checkpoints beyond the configured Keep
// count are removed, older first. A failed save removes its partial files.
func (h *Handler) Save(epoch int) error {
	meta, optimizerState := h.config.target.Snapshot()

	serialized := serializedData{Epoch: epoch, SavedAt: time.Now()}
	baseName := h.newCheckpointBaseName(epoch)
	h.checkpointsCount++

	// Write to temporary names first, rename into place when both files are
	// complete. The metadata file is renamed last since ListCheckpoints keys
	// on it.
	binFileName := filepath.Join(h.config.dir, baseName+binNameSuffix)
	binTmpName := binFileName + tempSuffix()
	binFile, err := os.Create(binTmpName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, binFileName)
	}
	pos := 0
	saveGroup := func(group string, p params.Params) error {
		for _, name := range p.Names() {
			t := p[name]
			if err := binary.Write(binFile, binary.LittleEndian, t.Data()); err != nil {
				return errors.Wrapf(err, "%s: failed to write tensor %q", h, name)
			}
			length := t.Size() * 4
			serialized.Tensors = append(serialized.Tensors, serializedTensor{
				Group:      group,
				Name:       name,
				Dimensions: t.Dims(),
				Pos:        pos,
				Length:     length,
			})
			pos += length
		}
		return nil
	}
	if err = saveGroup(groupMeta, meta); err == nil {
		err = saveGroup(groupOptimizer, optimizerState)
	}
	if err != nil {
		_ = binFile.Close()
		_ = os.Remove(binTmpName)
		return err
	}
	if err = binFile.Close(); err != nil {
		_ = os.Remove(binTmpName)
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, binFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonTmpName := jsonFileName + tempSuffix()
	jsonFile, err := os.Create(jsonTmpName)
	if err != nil {
		_ = os.Remove(binTmpName)
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&serialized); err != nil {
		_ = jsonFile.Close()
		_ = os.Remove(jsonTmpName)
		_ = os.Remove(binTmpName)
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		_ = os.Remove(jsonTmpName)
		_ = os.Remove(binTmpName)
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}

	if err = os.Rename(binTmpName, binFileName); err != nil {
		_ = os.Remove(jsonTmpName)
		_ = os.Remove(binTmpName)
		return errors.Wrapf(err, "%s: failed to finish checkpoint data file %s", h, binFileName)
	}
	if err = os.Rename(jsonTmpName, jsonFileName); err != nil {
		// Without its metadata the data file is unreadable; drop it too.
		_ = os.Remove(jsonTmpName)
		_ = os.Remove(binFileName)
		return errors.Wrapf(err, "%s: failed to finish checkpoint metadata file %s", h, jsonFileName)
	}
	return h.keepNCheckpoints()
}

// AttachTo arranges for a checkpoint to be saved every everyN epochs, and one
// final checkpoint when the loop ends. The loop transitions through its
// checkpointing state for the duration of each save.
//
// Saves are labeled with the loop's last completed epoch. A fresh loop
// stopped before any epoch completed saves nothing, so a later resume does
// not mistake the unmodified initialization for a trained epoch.
func (h *Handler) AttachTo(loop *train.Loop, everyN int) {
	const priority = 100 // Large number here, means it runs last.
	save := func(loop *train.Loop, metrics train.StepMetrics) error {
		if loop.LastCompletedEpoch < 0 {
			return nil
		}
		return loop.EnterCheckpointing(func() error {
			return h.Save(loop.LastCompletedEpoch)
		})
	}
	if everyN > 0 {
		train.EveryNEpochs(loop, everyN, "checkpointing", priority, save)
	}
	loop.OnEnd("checkpointing", priority, save)
}

// keepNCheckpoints checks if there are more than the configured number of
// checkpoints, and removes the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		binFileName := filepath.Join(h.config.dir, baseName+binNameSuffix)
		jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
		for _, fileName := range []string{binFileName, jsonFileName} {
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// replaceTildeInDir replaces an initial "~" in a directory path with the
// user's home directory.
func replaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return path.Join(home, dir[1:])
}
