// Package trainer drives the external YOLO command line tool through the
// train, validate, predict and export steps.
package trainer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tr1pa/Dataset-Generator/internal/utils"
)

// ErrNoWeights is returned by steps that need trained weights when none exist.
var ErrNoWeights = errors.New("no trained weights, run train first")

// Runner executes a command. The default runs it with os/exec.
type Runner interface {
	Run(ctx context.Context, name string, args []string) error
}

// ExecRunner runs commands as child processes, streaming their output.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return errors.Wrapf(cmd.Run(), "%s %s", name, strings.Join(args, " "))
}

// Options configures the YOLO runs.
type Options struct {
	Binary       string
	Model        string
	Data         string
	Project      string
	Name         string
	Epochs       int
	ImgSize      int
	Batch        int
	Patience     int
	Conf         float64
	ExportFormat string
	// Source is the directory of real photos used by Test.
	Source string
	// PredictDir receives Test output.
	PredictDir string
	Logger     *log.Logger
}

// DefaultOptions returns the reference training settings.
func DefaultOptions() Options {
	return Options{
		Binary:       "yolo",
		Model:        "yolov8n.pt",
		Data:         filepath.Join("dataset_yolo", "data.yaml"),
		Project:      "runs",
		Name:         "metro_damage",
		Epochs:       50,
		ImgSize:      640,
		Batch:        16,
		Patience:     10,
		Conf:         0.25,
		ExportFormat: "onnx",
		Source:       "raw_images",
		PredictDir:   "test_predictions",
	}
}

// Trainer builds and runs YOLO commands.
type Trainer struct {
	opts   Options
	runner Runner
	log    *log.Logger
}

// New creates a trainer; a nil runner uses ExecRunner.
func New(opts Options, runner Runner) *Trainer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Binary == "" {
		opts.Binary = DefaultOptions().Binary
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Trainer{opts: opts, runner: runner, log: logger}
}

// BestWeights is where training leaves the best checkpoint.
func (t *Trainer) BestWeights() string {
	return filepath.Join(t.opts.Project, t.opts.Name, "weights", "best.pt")
}

func kv(k string, v interface{}) string {
	return fmt.Sprintf("%s=%v", k, v)
}

// TrainArgs returns the arguments of the train step.
func (t *Trainer) TrainArgs() []string {
	return []string{"detect", "train",
		kv("model", t.opts.Model),
		kv("data", t.opts.Data),
		kv("epochs", t.opts.Epochs),
		kv("imgsz", t.opts.ImgSize),
		kv("batch", t.opts.Batch),
		kv("name", t.opts.Name),
		kv("project", t.opts.Project),
		kv("patience", t.opts.Patience),
		"save=True",
		"plots=True",
	}
}

// ValArgs returns the arguments of the validate step.
func (t *Trainer) ValArgs() []string {
	return []string{"detect", "val",
		kv("model", t.BestWeights()),
		kv("data", t.opts.Data),
	}
}

// PredictArgs returns the arguments of the test step.
func (t *Trainer) PredictArgs() []string {
	return []string{"detect", "predict",
		kv("model", t.BestWeights()),
		kv("source", t.opts.Source),
		"save=True",
		"save_txt=True",
		kv("project", t.opts.PredictDir),
		"name=results",
		kv("conf", t.opts.Conf),
		kv("imgsz", t.opts.ImgSize),
	}
}

// ExportArgs returns the arguments of the export step.
func (t *Trainer) ExportArgs() []string {
	return []string{"export",
		kv("model", t.BestWeights()),
		kv("format", t.opts.ExportFormat),
		kv("imgsz", t.opts.ImgSize),
	}
}

// Train runs training.
func (t *Trainer) Train(ctx context.Context) error {
	if !utils.FileExists(t.opts.Data) {
		return errors.Errorf("dataset manifest %s not found, run split first", t.opts.Data)
	}
	if err := t.run(ctx, "train", t.TrainArgs()); err != nil {
		return err
	}
	t.log.Printf("weights: %s", t.BestWeights())
	return nil
}

// Validate runs validation on the val split.
func (t *Trainer) Validate(ctx context.Context) error {
	if err := t.requireWeights(); err != nil {
		return err
	}
	return t.run(ctx, "val", t.ValArgs())
}

// Test predicts on the real photos in Source.
func (t *Trainer) Test(ctx context.Context) error {
	if err := t.requireWeights(); err != nil {
		return err
	}
	if err := t.run(ctx, "test", t.PredictArgs()); err != nil {
		return err
	}
	t.log.Printf("predictions: %s", filepath.Join(t.opts.PredictDir, "results"))
	return nil
}

// Export converts the best weights to ExportFormat.
func (t *Trainer) Export(ctx context.Context) error {
	if err := t.requireWeights(); err != nil {
		return err
	}
	return t.run(ctx, "export", t.ExportArgs())
}

// All runs train, validate, test and export in order, stopping at the
// first failure.
func (t *Trainer) All(ctx context.Context) error {
	steps := []func(context.Context) error{t.Train, t.Validate, t.Test, t.Export}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) requireWeights() error {
	if !utils.FileExists(t.BestWeights()) {
		return errors.Wrap(ErrNoWeights, t.BestWeights())
	}
	return nil
}

func (t *Trainer) run(ctx context.Context, step string, args []string) error {
	t.log.Printf("%s: %s %s", step, t.opts.Binary, strings.Join(args, " "))
	if err := t.runner.Run(ctx, t.opts.Binary, args); err != nil {
		return errors.Wrapf(err, "%s failed", step)
	}
	return nil
}
