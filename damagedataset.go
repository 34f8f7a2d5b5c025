// Package damagedataset builds a YOLO training set for subway-car damage
// detection and drives the external YOLO tool over it.
//
// The pipeline has five stages, each usable on its own:
//
//  1. Generate (pkg/generate): synthesize source images per damage class
//     through an OpenAI-compatible image endpoint, with full-frame labels.
//  2. Label (pkg/labeling): optionally tighten the full-frame labels with a
//     local vision model (Ollama or llama.cpp).
//  3. Augment (pkg/augment): write one original plus one derived
//     image/label pair per transform chain for every source image.
//  4. Split (pkg/dataset): partition the pairs into train/val with a fixed
//     seed and write data.yaml.
//  5. Train (pkg/trainer): run yolo train, val, predict and export.
//
// Basic usage:
//
//	cfg := config.Default()
//	p := damagedataset.New(cfg)
//	stats, err := p.Augment(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Print(stats.Summary())
//
// Augmenting a single image in memory:
//
//	out, set, err := damagedataset.AugmentImage(img, labelSet, "fliph", nil)
package damagedataset

import (
	"context"
	"fmt"
	"image"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/Tr1pa/Dataset-Generator/internal/config"
	"github.com/Tr1pa/Dataset-Generator/internal/utils"
	"github.com/Tr1pa/Dataset-Generator/pkg/augment"
	"github.com/Tr1pa/Dataset-Generator/pkg/client"
	"github.com/Tr1pa/Dataset-Generator/pkg/dataset"
	"github.com/Tr1pa/Dataset-Generator/pkg/generate"
	"github.com/Tr1pa/Dataset-Generator/pkg/labeling"
	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
	"github.com/Tr1pa/Dataset-Generator/pkg/llamacpp"
	"github.com/Tr1pa/Dataset-Generator/pkg/ollama"
	"github.com/Tr1pa/Dataset-Generator/pkg/processing"
	"github.com/Tr1pa/Dataset-Generator/pkg/trainer"
	"github.com/Tr1pa/Dataset-Generator/pkg/transform"
)

// Version of the dataset pipeline
const Version = "1.0.0"

// Pipeline wires the stages together from one configuration
type Pipeline struct {
	cfg    *config.Config
	proc   *processing.Processor
	logger *log.Logger
}

// New creates a pipeline using the standard logger
func New(cfg *config.Config) *Pipeline {
	return NewWithLogger(cfg, nil)
}

// NewWithLogger creates a pipeline; a nil logger means log.Default()
func NewWithLogger(cfg *config.Config, logger *log.Logger) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{cfg: cfg, proc: processing.NewProcessor(), logger: logger}
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// AugmentOptions maps the configuration onto engine options
func (p *Pipeline) AugmentOptions() (augment.Options, error) {
	opts := augment.DefaultOptions()
	opts.InputDir = p.cfg.Paths.Generated
	opts.OutputDir = p.cfg.Paths.Augmented
	opts.ClassDirPrefix = p.cfg.Augment.ClassDirPrefix
	opts.ProgressEvery = p.cfg.Augment.ProgressEvery
	opts.Format = p.cfg.Output.Format
	opts.OriginalQuality = p.cfg.Output.OriginalQuality
	opts.VariantQuality = p.cfg.Output.VariantQuality
	opts.Logger = p.logger

	mode, err := augment.ParseGeometryMode(p.cfg.Augment.Geometry)
	if err != nil {
		return opts, err
	}
	opts.Geometry = mode

	if len(p.cfg.Augment.Chains) > 0 {
		opts.Catalog, err = augment.DefaultCatalog().Select(p.cfg.Augment.Chains)
		if err != nil {
			return opts, err
		}
	}
	if p.cfg.Augment.Seed != 0 {
		opts.Rand = rand.New(rand.NewSource(p.cfg.Augment.Seed))
	}
	return opts, nil
}

// Augment runs the augmentation engine over Paths.Generated
func (p *Pipeline) Augment(ctx context.Context) (augment.Stats, error) {
	opts, err := p.AugmentOptions()
	if err != nil {
		return augment.Stats{}, err
	}
	return augment.NewEngine(opts).Run(ctx)
}

// Split partitions Paths.Augmented into Paths.Dataset
func (p *Pipeline) Split() (dataset.Result, error) {
	return dataset.Build(dataset.Options{
		ImagesDir: filepath.Join(p.cfg.Paths.Augmented, "images"),
		LabelsDir: filepath.Join(p.cfg.Paths.Augmented, "labels"),
		OutputDir: p.cfg.Paths.Dataset,
		Ratio:     p.cfg.Split.Ratio,
		Seed:      p.cfg.Split.Seed,
		Logger:    p.logger,
	})
}

// Generate synthesizes source images into Paths.Generated
func (p *Pipeline) Generate(ctx context.Context) (generate.Report, error) {
	g := p.cfg.Generate
	c, err := generate.NewClient(generate.ClientConfig{
		BaseURL: g.BaseURL,
		APIKey:  g.APIKey,
		Model:   g.Model,
	})
	if err != nil {
		return generate.Report{}, fmt.Errorf("generator: %w (set OPENROUTER_API_KEY)", err)
	}

	opts := generate.DefaultRunnerOptions()
	opts.OutputDir = p.cfg.Paths.Generated
	opts.Total = g.Total
	opts.CostPerImage = g.CostPerImage
	opts.Delay = time.Duration(g.DelaySeconds * float64(time.Second))
	opts.MaxErrors = g.MaxErrors
	opts.Quality = p.cfg.Output.OriginalQuality
	opts.Logger = p.logger
	return generate.NewRunner(c, opts).Run(ctx)
}

// VisionClient creates the configured labeling backend
func (p *Pipeline) VisionClient() (client.VisionClient, error) {
	switch p.cfg.Labeler.Backend {
	case "ollama":
		return ollama.NewClient(p.cfg.Labeler.URL)
	case "llamacpp":
		return llamacpp.NewClient(p.cfg.Labeler.URL)
	}
	return nil, fmt.Errorf("unknown backend: %s (use 'ollama' or 'llamacpp')", p.cfg.Labeler.Backend)
}

// Label refines full-frame labels under Paths.Generated
func (p *Pipeline) Label(ctx context.Context) (labeling.Stats, error) {
	vc, err := p.VisionClient()
	if err != nil {
		return labeling.Stats{}, err
	}
	opts := labeling.DefaultOptions()
	opts.Model = p.cfg.Labeler.Model
	opts.MinConfidence = p.cfg.Labeler.MinConfidence
	opts.MaxDim = p.cfg.Labeler.MaxDim
	opts.ClassDirPrefix = p.cfg.Augment.ClassDirPrefix
	opts.Logger = p.logger
	return labeling.NewRefiner(vc, opts).RefineDir(ctx, p.cfg.Paths.Generated)
}

// Trainer returns a YOLO driver for Paths.Dataset; a nil runner executes
// the real tool
func (p *Pipeline) Trainer(runner trainer.Runner) *trainer.Trainer {
	t := p.cfg.Train
	opts := trainer.DefaultOptions()
	opts.Binary = t.Binary
	opts.Model = t.Model
	opts.Data = filepath.Join(p.cfg.Paths.Dataset, dataset.ManifestFile)
	opts.Project = p.cfg.Paths.Runs
	opts.Name = t.Name
	opts.Epochs = t.Epochs
	opts.ImgSize = t.ImgSize
	opts.Batch = t.Batch
	opts.Patience = t.Patience
	opts.Conf = t.Conf
	opts.ExportFormat = t.ExportFormat
	opts.Source = p.cfg.Paths.RawImages
	opts.Logger = p.logger
	if abs, err := filepath.Abs(opts.Project); err == nil {
		opts.Project = abs
	}
	return trainer.New(opts, runner)
}

// PreviewResult lists the overlay files written by Preview
type PreviewResult struct {
	Files []string
	Bytes int64
}

// Preview draws the label boxes of up to limit images from imagesDir onto
// copies written to outDir, for visual checks of the labels
func (p *Pipeline) Preview(imagesDir, labelsDir, outDir string, limit int) (PreviewResult, error) {
	var res PreviewResult
	files, err := utils.ListImageFiles(imagesDir)
	if err != nil {
		return res, fmt.Errorf("failed to list %s: %w", imagesDir, err)
	}
	if err := utils.EnsureDir(outDir); err != nil {
		return res, err
	}
	for i, f := range files {
		if limit > 0 && i >= limit {
			break
		}
		img, err := p.proc.LoadImage(filepath.Join(imagesDir, f))
		if err != nil {
			p.logger.Printf("✗ %s: %v", f, err)
			continue
		}
		set, err := labels.ReadFile(filepath.Join(labelsDir, utils.Stem(f)+".txt"))
		if err != nil {
			p.logger.Printf("✗ %s: %v", f, err)
			continue
		}
		path := filepath.Join(outDir, utils.Stem(f)+"_boxes.png")
		if err := p.proc.SaveImage(p.proc.CreateAnnotationOverlay(img, set), path, "png", 0, false); err != nil {
			return res, err
		}
		if info, err := os.Stat(path); err == nil {
			res.Bytes += info.Size()
		}
		res.Files = append(res.Files, path)
	}
	return res, nil
}

// AugmentImage runs one named chain of the default catalog on img and
// derives its labels in reference geometry. A nil rng uses a time-seeded one.
func AugmentImage(img image.Image, set labels.Set, chainName string, rng transform.Rand) (*image.NRGBA, labels.Set, error) {
	chain, ok := augment.DefaultCatalog().Lookup(chainName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown augmentation chain %q", chainName)
	}
	if rng == nil {
		rng = transform.NewRand()
	}
	out, steps, err := augment.ApplyChain(processing.ToRGB(img), chain, rng)
	if err != nil {
		return nil, nil, err
	}
	return out, augment.TransformLabels(set, chain.Name, steps, augment.GeometryReference), nil
}

// GetVersion returns the version of the pipeline
func GetVersion() string {
	return Version
}
