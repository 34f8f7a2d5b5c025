package augment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Tr1pa/Dataset-Generator/internal/utils"
	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
	"github.com/Tr1pa/Dataset-Generator/pkg/processing"
	"github.com/Tr1pa/Dataset-Generator/pkg/transform"
)

var (
	// ErrNoInput is returned when the input root does not exist.
	ErrNoInput = errors.New("input directory not found")
	// ErrNoClassDirs is returned when the input root has no class directories.
	ErrNoClassDirs = errors.New("no class directories found")
)

// ApplyFunc runs one chain on an image. It exists so callers can wrap or
// replace chain execution; ApplyChain is the default.
type ApplyFunc func(img *image.NRGBA, chain Chain, rng transform.Rand) (*image.NRGBA, []transform.Step, error)

// Options configures an Engine.
type Options struct {
	InputDir  string
	OutputDir string
	// ClassDirPrefix selects class directories under InputDir. Empty selects
	// every subdirectory except the labels directory.
	ClassDirPrefix string
	LabelsDirName  string

	Catalog  Catalog
	Geometry GeometryMode

	Format          string
	OriginalQuality int
	VariantQuality  int

	// ProgressEvery logs a checkpoint every N written pairs; 0 disables.
	ProgressEvery int

	Rand   transform.Rand
	Logger *log.Logger
	Apply  ApplyFunc
}

// DefaultOptions returns the reference settings.
func DefaultOptions() Options {
	return Options{
		ClassDirPrefix:  "damaged_",
		LabelsDirName:   "labels",
		Catalog:         DefaultCatalog(),
		Geometry:        GeometryReference,
		Format:          "jpg",
		OriginalQuality: 95,
		VariantQuality:  90,
		ProgressEvery:   100,
	}
}

// Failure describes one output that was not produced.
type Failure struct {
	Stem  string
	Chain string
	Err   error
}

func (f Failure) Error() string {
	name := f.Stem
	if f.Chain != "" {
		name += "_" + f.Chain
	}
	return fmt.Sprintf("%s: %v", name, f.Err)
}

// Stats reports the outcome of a run.
type Stats struct {
	Sources  int
	Expected int
	Written  int
	Failed   int
	PerClass map[string]int
	Failures []Failure

	// Collisions counts sources whose stem was already emitted in this run;
	// their outputs replace the earlier ones, so Images falls short of Written.
	Collisions int

	// Images and Labels count the files present in the output directories
	// after the run.
	Images int
	Labels int
}

// Multiplier is the ratio of output images to source images.
func (s Stats) Multiplier() float64 {
	if s.Sources == 0 {
		return 0
	}
	return float64(s.Images) / float64(s.Sources)
}

// Summary renders a short human-readable report.
func (s Stats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sources: %d\n", s.Sources)
	fmt.Fprintf(&b, "written: %d/%d\n", s.Written, s.Expected)
	fmt.Fprintf(&b, "failed:  %d\n", s.Failed)
	fmt.Fprintf(&b, "images:  %d (x%.1f)\n", s.Images, s.Multiplier())
	fmt.Fprintf(&b, "labels:  %d\n", s.Labels)
	if s.Collisions > 0 {
		fmt.Fprintf(&b, "stem collisions: %d\n", s.Collisions)
	}
	return b.String()
}

// Engine runs the augmentation over a class-directory dataset.
type Engine struct {
	opts Options
	proc *processing.Processor
	log  *log.Logger

	done  int
	total int
}

// NewEngine creates an engine, filling unset options from DefaultOptions.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.LabelsDirName == "" {
		opts.LabelsDirName = def.LabelsDirName
	}
	if opts.Catalog == nil {
		opts.Catalog = def.Catalog
	}
	if opts.Format == "" {
		opts.Format = def.Format
	}
	if opts.OriginalQuality == 0 {
		opts.OriginalQuality = def.OriginalQuality
	}
	if opts.VariantQuality == 0 {
		opts.VariantQuality = def.VariantQuality
	}
	if opts.Rand == nil {
		opts.Rand = transform.NewRand()
	}
	if opts.Apply == nil {
		opts.Apply = ApplyChain
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{opts: opts, proc: processing.NewProcessor(), log: logger}
}

type source struct {
	classDir string
	name     string
}

// Run augments every image found under the class directories. It returns an
// error only for fatal conditions; per-image and per-chain failures are
// recorded in Stats.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	stats := Stats{PerClass: map[string]int{}}

	if !utils.DirExists(e.opts.InputDir) {
		return stats, fmt.Errorf("%w: %s", ErrNoInput, e.opts.InputDir)
	}
	classDirs, err := utils.ListSubdirs(e.opts.InputDir, e.opts.ClassDirPrefix, e.opts.LabelsDirName)
	if err != nil {
		return stats, fmt.Errorf("failed to list %s: %w", e.opts.InputDir, err)
	}
	if len(classDirs) == 0 {
		return stats, fmt.Errorf("%w: %s/%s*", ErrNoClassDirs, e.opts.InputDir, e.opts.ClassDirPrefix)
	}

	outImages, outLabels := e.outputDirs()
	for _, d := range []string{outImages, outLabels} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return stats, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	if err := e.copyClasses(); err != nil {
		return stats, err
	}

	var sources []source
	for _, d := range classDirs {
		files, err := utils.ListImageFiles(filepath.Join(e.opts.InputDir, d))
		if err != nil {
			return stats, fmt.Errorf("failed to list %s: %w", d, err)
		}
		for _, f := range files {
			sources = append(sources, source{classDir: d, name: f})
		}
		stats.PerClass[d] = len(files)
	}

	stats.Sources = len(sources)
	stats.Expected = len(sources) * (1 + len(e.opts.Catalog))
	e.log.Printf("sources: %d, chains: %d, expected outputs: %d", stats.Sources, len(e.opts.Catalog), stats.Expected)
	for _, d := range classDirs {
		e.log.Printf("  %s: %d", d, stats.PerClass[d])
	}

	e.done, e.total = 0, stats.Expected
	emitted := make(map[string]string, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			e.finish(&stats)
			return stats, err
		}
		stem := utils.Stem(src.name)
		if prev, ok := emitted[stem]; ok {
			stats.Collisions++
			e.log.Printf("⚠ %s/%s: stem %q already written from %s, outputs will be replaced", src.classDir, src.name, stem, prev)
		}
		emitted[stem] = filepath.Join(src.classDir, src.name)
		e.processSource(src, &stats)
	}

	e.finish(&stats)
	return stats, nil
}

func (e *Engine) finish(stats *Stats) {
	outImages, outLabels := e.outputDirs()
	stats.Images = utils.CountFiles(outImages, "."+e.ext())
	stats.Labels = utils.CountFiles(outLabels, ".txt")
}

func (e *Engine) processSource(src source, stats *Stats) {
	stem := utils.Stem(src.name)
	img, set, err := e.loadSource(src, stem)
	if err != nil {
		// the source is unusable, so every output it would have produced fails
		e.fail(stats, Failure{Stem: stem, Err: err}, 1+len(e.opts.Catalog))
		return
	}

	written, failures := e.ProcessImage(img, set, stem)
	stats.Written += written
	for _, f := range failures {
		e.fail(stats, f, 1)
	}
}

func (e *Engine) loadSource(src source, stem string) (*image.NRGBA, labels.Set, error) {
	img, err := e.proc.LoadImage(filepath.Join(e.opts.InputDir, src.classDir, src.name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load image: %w", err)
	}
	set, err := labels.ReadFile(filepath.Join(e.opts.InputDir, e.opts.LabelsDirName, stem+".txt"))
	if err != nil {
		return nil, nil, err
	}
	return img, set, nil
}

// ProcessImage writes the untouched pair under stem and one derived pair per
// catalog chain under stem_chain. It returns the number of pairs written and
// the failures; a failing chain never affects the following ones.
func (e *Engine) ProcessImage(img *image.NRGBA, set labels.Set, stem string) (int, []Failure) {
	var failures []Failure
	written := 0

	if err := e.writePair(img, set, stem, e.opts.OriginalQuality); err != nil {
		failures = append(failures, Failure{Stem: stem, Err: err})
	} else {
		written++
		e.progress()
	}

	for _, chain := range e.opts.Catalog {
		if err := e.runChain(img, set, stem, chain); err != nil {
			failures = append(failures, Failure{Stem: stem, Chain: chain.Name, Err: err})
			continue
		}
		written++
		e.progress()
	}
	return written, failures
}

func (e *Engine) runChain(img *image.NRGBA, set labels.Set, stem string, chain Chain) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	out, steps, err := e.opts.Apply(img, chain, e.opts.Rand)
	if err != nil {
		return err
	}
	derived := TransformLabels(set, chain.Name, steps, e.opts.Geometry)
	return e.writePair(out, derived, stem+"_"+chain.Name, e.opts.VariantQuality)
}

func (e *Engine) writePair(img image.Image, set labels.Set, stem string, quality int) error {
	outImages, outLabels := e.outputDirs()
	return e.proc.WritePair(img,
		filepath.Join(outImages, stem+"."+e.ext()),
		set,
		filepath.Join(outLabels, stem+".txt"),
		e.opts.Format, quality)
}

func (e *Engine) fail(stats *Stats, f Failure, n int) {
	e.log.Printf("✗ %v", f)
	stats.Failed += n
	stats.Failures = append(stats.Failures, f)
}

func (e *Engine) progress() {
	e.done++
	if e.opts.ProgressEvery > 0 && e.done%e.opts.ProgressEvery == 0 {
		e.log.Printf("  %d/%d ...", e.done, e.total)
	}
}

func (e *Engine) copyClasses() error {
	src := filepath.Join(e.opts.InputDir, labels.ClassesFile)
	if !utils.FileExists(src) {
		return nil
	}
	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return err
	}
	if err := utils.CopyFile(src, filepath.Join(e.opts.OutputDir, labels.ClassesFile)); err != nil {
		return fmt.Errorf("failed to copy %s: %w", labels.ClassesFile, err)
	}
	return nil
}

func (e *Engine) outputDirs() (string, string) {
	return filepath.Join(e.opts.OutputDir, "images"), filepath.Join(e.opts.OutputDir, "labels")
}

func (e *Engine) ext() string {
	switch f := strings.ToLower(e.opts.Format); f {
	case "jpeg", "":
		return "jpg"
	default:
		return f
	}
}
