// Package dataset splits augmented image/label pairs into train and
// validation sets and writes the data.yaml manifest the YOLO tool reads.
package dataset

import (
	"bytes"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Tr1pa/Dataset-Generator/internal/utils"
	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
)

// ManifestFile is the manifest name inside the output directory.
const ManifestFile = "data.yaml"

// ErrNoImages is returned when the source images directory is missing or empty.
var ErrNoImages = errors.New("no images to split")

// Pair is one image file name and its label file name.
type Pair struct {
	Image string
	Label string
}

// CollectPairs lists images in imagesDir, sorted by name, that have a
// <stem>.txt in labelsDir. missing counts images without one.
func CollectPairs(imagesDir, labelsDir string) (pairs []Pair, missing int, err error) {
	if !utils.DirExists(imagesDir) {
		return nil, 0, errors.Wrapf(ErrNoImages, "directory %s", imagesDir)
	}
	files, err := utils.ListImageFiles(imagesDir)
	if err != nil {
		return nil, 0, errors.Wrap(err, "can't list images")
	}
	for _, f := range files {
		lbl := utils.Stem(f) + ".txt"
		if !utils.FileExists(filepath.Join(labelsDir, lbl)) {
			missing++
			continue
		}
		pairs = append(pairs, Pair{Image: f, Label: lbl})
	}
	return pairs, missing, nil
}

// Split shuffles a copy of pairs with a generator seeded by seed and cuts it
// at int(len*ratio). The input slice is left untouched.
func Split(pairs []Pair, ratio float64, seed int64) (train, val []Pair) {
	shuffled := append([]Pair(nil), pairs...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	cut := int(float64(len(shuffled)) * ratio)
	if cut < 0 {
		cut = 0
	}
	if cut > len(shuffled) {
		cut = len(shuffled)
	}
	return shuffled[:cut], shuffled[cut:]
}

// Manifest is the data.yaml content.
type Manifest struct {
	Path  string         `yaml:"path"`
	Train string         `yaml:"train"`
	Val   string         `yaml:"val"`
	Names map[int]string `yaml:"names"`
}

// NewManifest builds a manifest rooted at path with the standard split dirs.
func NewManifest(path string, classes []string) Manifest {
	names := make(map[int]string, len(classes))
	for i, c := range classes {
		names[i] = c
	}
	return Manifest{Path: path, Train: "train/images", Val: "val/images", Names: names}
}

// ClassNames returns the names in index order.
func (m Manifest) ClassNames() []string {
	out := make([]string, len(m.Names))
	for i := range out {
		out[i] = m.Names[i]
	}
	return out
}

// WriteManifest encodes m as YAML at path.
func WriteManifest(path string, m Manifest) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "can't encode manifest")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "can't encode manifest")
	}
	return errors.Wrap(utils.WriteFileAtomic(path, buf.Bytes(), 0o644), "can't write manifest")
}

// ReadManifest decodes a data.yaml file.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, errors.Wrap(err, "can't read manifest")
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, errors.Wrapf(err, "can't parse manifest %s", path)
	}
	return m, nil
}

// Options configures Build.
type Options struct {
	ImagesDir string
	LabelsDir string
	OutputDir string
	Ratio     float64
	Seed      int64
	// Classes defaults to the classes.txt next to ImagesDir.
	Classes []string
	Logger  *log.Logger
}

// DefaultOptions returns an 80/20 split with seed 42.
func DefaultOptions() Options {
	return Options{Ratio: 0.8, Seed: 42}
}

// ClassCounts holds annotation counts per class id for each split.
type ClassCounts struct {
	Train map[int]int
	Val   map[int]int
}

// Result reports what Build produced.
type Result struct {
	Train        []Pair
	Val          []Pair
	Missing      int
	Counts       ClassCounts
	Classes      []string
	ManifestPath string
}

// Summary renders the per-class table.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "train: %d\nval:   %d\n", len(r.Train), len(r.Val))
	if r.Missing > 0 {
		fmt.Fprintf(&b, "skipped without labels: %d\n", r.Missing)
	}
	fmt.Fprintf(&b, "%-20s %8s %8s\n", "class", "train", "val")
	for i, name := range r.Classes {
		fmt.Fprintf(&b, "%-20s %8d %8d\n", name, r.Counts.Train[i], r.Counts.Val[i])
	}
	return b.String()
}

// Build splits the pairs, copies them into OutputDir/{train,val}/{images,labels}
// and writes the manifest.
func Build(opts Options) (Result, error) {
	var res Result
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	pairs, missing, err := CollectPairs(opts.ImagesDir, opts.LabelsDir)
	if err != nil {
		return res, err
	}
	if len(pairs) == 0 {
		return res, errors.Wrapf(ErrNoImages, "no labeled images in %s", opts.ImagesDir)
	}
	res.Missing = missing

	classes := opts.Classes
	if len(classes) == 0 {
		classes, err = labels.LoadClasses(filepath.Join(filepath.Dir(opts.ImagesDir), labels.ClassesFile))
		if err != nil {
			return res, errors.Wrap(err, "can't load classes")
		}
	}
	res.Classes = classes

	res.Train, res.Val = Split(pairs, opts.Ratio, opts.Seed)
	logger.Printf("pairs: %d (train %d, val %d)", len(pairs), len(res.Train), len(res.Val))

	res.Counts.Train, err = copySplit(opts, "train", res.Train)
	if err != nil {
		return res, err
	}
	res.Counts.Val, err = copySplit(opts, "val", res.Val)
	if err != nil {
		return res, err
	}

	root, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return res, errors.Wrap(err, "can't resolve output directory")
	}
	res.ManifestPath = filepath.Join(opts.OutputDir, ManifestFile)
	if err := WriteManifest(res.ManifestPath, NewManifest(root, classes)); err != nil {
		return res, err
	}
	return res, nil
}

func copySplit(opts Options, split string, pairs []Pair) (map[int]int, error) {
	imgDir := filepath.Join(opts.OutputDir, split, "images")
	lblDir := filepath.Join(opts.OutputDir, split, "labels")
	for _, d := range []string{imgDir, lblDir} {
		if err := utils.EnsureDir(d); err != nil {
			return nil, errors.Wrapf(err, "can't create %s", d)
		}
	}

	counts := map[int]int{}
	for _, p := range pairs {
		if err := utils.CopyFile(filepath.Join(opts.ImagesDir, p.Image), filepath.Join(imgDir, p.Image)); err != nil {
			return nil, errors.Wrapf(err, "can't copy %s", p.Image)
		}
		if err := utils.CopyFile(filepath.Join(opts.LabelsDir, p.Label), filepath.Join(lblDir, p.Label)); err != nil {
			return nil, errors.Wrapf(err, "can't copy %s", p.Label)
		}
		set, err := labels.ReadFile(filepath.Join(lblDir, p.Label))
		if err != nil {
			return nil, errors.Wrapf(err, "can't read %s", p.Label)
		}
		for _, a := range set.Annotations() {
			counts[a.ClassID]++
		}
	}
	return counts, nil
}
