package generate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
	"github.com/Tr1pa/Dataset-Generator/pkg/processing"
	"github.com/Tr1pa/Dataset-Generator/pkg/transform"
)

// Generator produces images from prompts and reports the account balance.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*image.NRGBA, float64, error)
	Balance(ctx context.Context) (Balance, error)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	OutputDir     string
	LabelsDirName string
	Total         int
	// CostPerImage estimates spend to cap Total by the remaining balance.
	CostPerImage float64
	Delay        time.Duration
	MaxErrors    int
	Quality      int
	Classes      []Class
	Rand         transform.Rand
	Logger       *log.Logger
	Sleep        SleepFunc
}

// DefaultRunnerOptions returns the reference generation settings.
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		OutputDir:     "generated_dataset",
		LabelsDirName: "labels",
		Total:         220,
		CostPerImage:  0.042,
		Delay:         3 * time.Second,
		MaxErrors:     15,
		Quality:       95,
	}
}

// Report summarizes a generation run.
type Report struct {
	Planned  int
	Written  int
	Failed   int
	Spent    float64
	PerClass map[string]int
	// Stopped names the reason the run ended early, if it did.
	Stopped string
	Elapsed time.Duration
}

func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "written: %d/%d, failed: %d, spent: $%.2f, time: %s\n",
		r.Written, r.Planned, r.Failed, r.Spent, r.Elapsed.Round(time.Second))
	if r.Stopped != "" {
		fmt.Fprintf(&b, "stopped: %s\n", r.Stopped)
	}
	return b.String()
}

// Runner drives a Generator over a schedule and writes the dataset.
type Runner struct {
	gen  Generator
	opts RunnerOptions
	proc *processing.Processor
	log  *log.Logger
}

// NewRunner creates a runner, filling unset options from DefaultRunnerOptions.
func NewRunner(gen Generator, opts RunnerOptions) *Runner {
	def := DefaultRunnerOptions()
	if opts.LabelsDirName == "" {
		opts.LabelsDirName = def.LabelsDirName
	}
	if opts.MaxErrors == 0 {
		opts.MaxErrors = def.MaxErrors
	}
	if opts.Quality == 0 {
		opts.Quality = def.Quality
	}
	if opts.Classes == nil {
		opts.Classes = DefaultClasses()
	}
	if opts.Rand == nil {
		opts.Rand = transform.NewRand()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{gen: gen, opts: opts, proc: processing.NewProcessor(), log: logger}
}

// Plan returns how many images to request given the balance.
func (r *Runner) Plan(ctx context.Context) int {
	total := r.opts.Total
	bal, err := r.gen.Balance(ctx)
	if err != nil {
		r.log.Printf("balance unavailable: %v", err)
		return total
	}
	remaining, ok := bal.Remaining()
	if !ok || r.opts.CostPerImage <= 0 {
		return total
	}
	affordable := int(remaining / r.opts.CostPerImage)
	r.log.Printf("balance: $%.2f (~%d images)", remaining, affordable)
	if affordable < total {
		return affordable
	}
	return total
}

// Run generates the dataset. It stops early when the balance runs out, the
// error budget is exceeded or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{PerClass: map[string]int{}}

	labelsDir := filepath.Join(r.opts.OutputDir, r.opts.LabelsDirName)
	for _, c := range r.opts.Classes {
		if err := os.MkdirAll(filepath.Join(r.opts.OutputDir, c.Name), 0o755); err != nil {
			return report, fmt.Errorf("failed to create class directory: %w", err)
		}
	}
	if err := os.MkdirAll(labelsDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create labels directory: %w", err)
	}
	if err := labels.WriteClasses(filepath.Join(r.opts.OutputDir, labels.ClassesFile), ClassNames(r.opts.Classes)); err != nil {
		return report, fmt.Errorf("failed to write classes: %w", err)
	}

	jobs := Schedule(r.opts.Classes, r.Plan(ctx), r.opts.Rand)
	report.Planned = len(jobs)
	for _, c := range r.opts.Classes {
		n := 0
		for _, j := range jobs {
			if j.Class.ID == c.ID {
				n++
			}
		}
		r.log.Printf("  %s: %d", c.Name, n)
	}

	counters := map[int]int{}
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}

		counters[job.Class.ID]++
		stem := fmt.Sprintf("%s_%04d", job.Class.Name, counters[job.Class.ID])

		img, cost, err := r.gen.Generate(ctx, job.Prompt)
		report.Spent += cost
		switch {
		case errors.Is(err, ErrNoBalance):
			r.log.Printf("[%d/%d] %s: balance exhausted", i+1, len(jobs), stem)
			report.Stopped = "balance exhausted"
			report.Elapsed = time.Since(start)
			return report, nil
		case err != nil && ctx.Err() != nil:
			report.Elapsed = time.Since(start)
			return report, ctx.Err()
		case err == nil:
			err = r.write(img, job.Class, stem, labelsDir)
		}

		if err != nil {
			report.Failed++
			r.log.Printf("[%d/%d] %s ✗ %v", i+1, len(jobs), stem, err)
			if report.Failed > r.opts.MaxErrors {
				report.Stopped = "too many errors"
				break
			}
		} else {
			report.Written++
			report.PerClass[job.Class.Name]++
			r.log.Printf("[%d/%d] %s ✓ $%.3f total $%.2f", i+1, len(jobs), stem, cost, report.Spent)
		}

		if i < len(jobs)-1 && r.opts.Delay > 0 {
			if err := r.opts.Sleep(ctx, r.opts.Delay); err != nil {
				report.Elapsed = time.Since(start)
				return report, err
			}
		}
	}

	report.Elapsed = time.Since(start)
	return report, nil
}

func (r *Runner) write(img *image.NRGBA, class Class, stem, labelsDir string) error {
	set := labels.Set{labels.NewLine(labels.FullFrame(class.ID))}
	return r.proc.WritePair(img,
		filepath.Join(r.opts.OutputDir, class.Name, stem+".jpg"),
		set,
		filepath.Join(labelsDir, stem+".txt"),
		"jpg", r.opts.Quality)
}
