// Package labeling tightens the full-frame labels written by the generator by
// asking a vision model where the damage actually is.
package labeling

import (
	"context"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"strings"

	"github.com/Tr1pa/Dataset-Generator/internal/utils"
	"github.com/Tr1pa/Dataset-Generator/pkg/client"
	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
	"github.com/Tr1pa/Dataset-Generator/pkg/processing"
	"github.com/Tr1pa/Dataset-Generator/pkg/types"
)

// SimpleTestPrompt checks whether the model can see images at all
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for the damage box. %s is replaced with the class name.
const DefaultPrompt = `You are a damage locator for photos of subway car interiors.
The photo shows damage of type "%s".

Return JSON only:
{
  "label": "%s",
  "confidence": 0.0,
  "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
  "description": "short neutral sentence (≤ 15 words)"
}

HARD RULES
- x, y is the TOP-LEFT corner of the box; w, h its size.
- All coordinates are normalized to [0,1] (NOT pixels).
- The box must tightly cover the damaged area only, not the whole scene.
- If several areas are damaged, cover the largest one.
- If you cannot see the damage, return label "none" with confidence 0.0.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// fullFrameMin is the size above which a box counts as covering the frame.
const fullFrameMin = 0.99

// Options configures a Refiner.
type Options struct {
	Model         string
	Prompt        string
	MinConfidence float64
	// MaxDim limits the longest side of the image sent to the model.
	MaxDim         int
	ClassDirPrefix string
	LabelsDirName  string
	Logger         *log.Logger
}

// DefaultOptions returns the reference labeling settings.
func DefaultOptions() Options {
	return Options{
		Model:          "qwen2.5vl:7b",
		Prompt:         DefaultPrompt,
		MinConfidence:  0.5,
		MaxDim:         1024,
		ClassDirPrefix: "damaged_",
		LabelsDirName:  "labels",
	}
}

// Stats reports the outcome of RefineDir.
type Stats struct {
	Checked int
	Refined int
	Kept    int
	Skipped int
	Failed  int
}

// Refiner replaces full-frame labels with model-located boxes
type Refiner struct {
	client client.VisionClient
	opts   Options
	proc   *processing.Processor
	log    *log.Logger
}

// NewRefiner creates a refiner with a vision client
func NewRefiner(c client.VisionClient, opts Options) *Refiner {
	def := DefaultOptions()
	if opts.Prompt == "" {
		opts.Prompt = def.Prompt
	}
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.LabelsDirName == "" {
		opts.LabelsDirName = def.LabelsDirName
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Refiner{client: c, opts: opts, proc: processing.NewProcessor(), log: logger}
}

// TestVision asks a free-form question to check the model sees the image
func (r *Refiner) TestVision(ctx context.Context, img image.Image) (string, error) {
	b64, err := r.proc.PrepareImageForModel(img, "jpg", r.opts.MaxDim, 90)
	if err != nil {
		return "", err
	}
	return r.client.SimpleQuery(ctx, r.opts.Model, SimpleTestPrompt, b64)
}

// Locate asks the model where the damage of className is
func (r *Refiner) Locate(ctx context.Context, img image.Image, className string) (*types.Localization, error) {
	b64, err := r.proc.PrepareImageForModel(img, "jpg", r.opts.MaxDim, 90)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	prompt := r.opts.Prompt
	if strings.Contains(prompt, "%s") {
		prompt = strings.ReplaceAll(prompt, "%s", className)
	}
	loc, err := r.client.AnalyzeImage(ctx, r.opts.Model, prompt, b64)
	if err != nil {
		return nil, err
	}
	loc.Box = normalizeBox(loc.Box)
	return validate(loc), nil
}

// RefineSet returns the refined set for one image. Only a set made of a
// single full-frame box is refined; everything else comes back unchanged
// with changed=false.
func (r *Refiner) RefineSet(ctx context.Context, img image.Image, set labels.Set, className string) (refined labels.Set, changed bool, err error) {
	if !IsFullFrame(set) {
		return set, false, nil
	}
	classID := set[0].Ann.ClassID

	loc, err := r.Locate(ctx, img, className)
	if err != nil {
		return set, false, err
	}
	if !loc.Found() || loc.Confidence < r.opts.MinConfidence {
		return set, false, nil
	}
	a, ok := loc.Box.Annotation(classID)
	if !ok || (a.Width >= fullFrameMin && a.Height >= fullFrameMin) {
		return set, false, nil
	}
	return labels.Set{labels.NewLine(a)}, true, nil
}

// RefineDir walks root/<class>/ images and rewrites root/labels/<stem>.txt
// in place for every label that gets refined
func (r *Refiner) RefineDir(ctx context.Context, root string) (Stats, error) {
	var stats Stats
	classDirs, err := utils.ListSubdirs(root, r.opts.ClassDirPrefix, r.opts.LabelsDirName)
	if err != nil {
		return stats, fmt.Errorf("failed to list %s: %w", root, err)
	}
	labelsDir := filepath.Join(root, r.opts.LabelsDirName)

	for _, d := range classDirs {
		files, err := utils.ListImageFiles(filepath.Join(root, d))
		if err != nil {
			return stats, fmt.Errorf("failed to list %s: %w", d, err)
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Checked++
			r.refineFile(ctx, filepath.Join(root, d, f), filepath.Join(labelsDir, utils.Stem(f)+".txt"), d, &stats)
		}
	}
	r.log.Printf("labeling: checked %d, refined %d, kept %d, skipped %d, failed %d",
		stats.Checked, stats.Refined, stats.Kept, stats.Skipped, stats.Failed)
	return stats, nil
}

func (r *Refiner) refineFile(ctx context.Context, imagePath, labelPath, className string, stats *Stats) {
	set, err := labels.ReadFile(labelPath)
	if err != nil {
		stats.Failed++
		r.log.Printf("✗ %s: %v", labelPath, err)
		return
	}
	if !IsFullFrame(set) {
		stats.Skipped++
		return
	}

	img, err := r.proc.LoadImage(imagePath)
	if err != nil {
		stats.Failed++
		r.log.Printf("✗ %s: %v", imagePath, err)
		return
	}
	refined, changed, err := r.RefineSet(ctx, img, set, className)
	if err != nil {
		stats.Failed++
		r.log.Printf("✗ %s: %v", imagePath, err)
		return
	}
	if !changed {
		stats.Kept++
		return
	}
	if err := utils.WriteFileAtomic(labelPath, refined.Bytes(), 0o644); err != nil {
		stats.Failed++
		r.log.Printf("✗ %s: %v", labelPath, err)
		return
	}
	stats.Refined++
	r.log.Printf("✓ %s: %s", filepath.Base(labelPath), refined[0].Raw)
}

// IsFullFrame reports whether set is exactly one box covering the frame
func IsFullFrame(set labels.Set) bool {
	if len(set) != 1 || set[0].Ann == nil {
		return false
	}
	a := set[0].Ann
	return a.Width >= fullFrameMin && a.Height >= fullFrameMin
}

// validate demotes answers that carry fallback markers to "none"
func validate(loc *types.Localization) *types.Localization {
	if strings.ToLower(loc.Label) == "none" {
		loc.Confidence = 0
		return loc
	}
	fallbackIndicators := []string{"unclear", "parse", "error", "fallback", "non-json"}
	for _, indicator := range fallbackIndicators {
		if strings.Contains(strings.ToLower(loc.Label), indicator) ||
			strings.Contains(strings.ToLower(loc.Description), indicator) {
			loc.Label = "none"
			loc.Confidence = 0
			break
		}
	}
	return loc
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox clamps a model box to the frame; values above 1 are read as
// percentages
func normalizeBox(b types.Box) types.Box {
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		b = types.Box{X: b.X / 100, Y: b.Y / 100, W: b.W / 100, H: b.H / 100}
	}
	b.X = clamp(b.X, 0, 1)
	b.Y = clamp(b.Y, 0, 1)
	b.W = clamp(b.W, 0, 1-b.X)
	b.H = clamp(b.H, 0, 1-b.Y)
	return b
}
