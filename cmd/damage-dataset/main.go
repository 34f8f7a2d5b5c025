package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	damagedataset "github.com/Tr1pa/Dataset-Generator"
	"github.com/Tr1pa/Dataset-Generator/internal/config"
	"github.com/Tr1pa/Dataset-Generator/internal/utils"
	"github.com/Tr1pa/Dataset-Generator/pkg/augment"
)

const usage = `usage: %s <command> [flags]

commands:
  generate   synthesize source images per damage class
  label      refine full-frame labels with a vision model
  augment    write original + augmented image/label pairs
  split      split augmented pairs into train/val and write data.yaml
  train      run yolo detect train
  val        validate the best weights on the val split
  test       predict on real photos
  export     export the best weights
  all        train, val, test and export
  preview    draw label boxes for visual checks
  chains     list augmentation chains
  config     write the default configuration

run '%s <command> -h' for command flags
`

func main() {
	log.SetFlags(log.LstdFlags)
	prog := filepath.Base(os.Args[0])
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, prog, prog)
		os.Exit(2)
	}
	cmd, args := strings.ToLower(os.Args[1]), os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cmd, args); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// common holds the flags every command accepts
type common struct {
	configPath string
	cfg        *config.Config
}

func newFlagSet(name string, c *common) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&c.configPath, "config", config.GetConfigPath(), "configuration file (defaults are used when missing)")
	return fs
}

func (c *common) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "generate":
		return runGenerate(ctx, args)
	case "label":
		return runLabel(ctx, args)
	case "augment":
		return runAugment(ctx, args)
	case "split":
		return runSplit(args)
	case "train", "val", "test", "export", "all":
		return runTrain(ctx, cmd, args)
	case "preview":
		return runPreview(args)
	case "chains":
		for _, ch := range augment.DefaultCatalog() {
			fmt.Println(ch)
		}
		return nil
	case "config":
		return runConfig(args)
	case "version":
		fmt.Println(damagedataset.GetVersion())
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func runGenerate(ctx context.Context, args []string) error {
	var c common
	fs := newFlagSet("generate", &c)
	out := fs.String("out", "", "output directory (config paths.generated)")
	total := fs.Int("total", 0, "number of images to request (config generate.total)")
	model := fs.String("model", "", "image model (config generate.model)")
	fs.Parse(args)
	if err := c.load(); err != nil {
		return err
	}
	if *out != "" {
		c.cfg.Paths.Generated = *out
	}
	if *total > 0 {
		c.cfg.Generate.Total = *total
	}
	if *model != "" {
		c.cfg.Generate.Model = *model
	}

	log.Printf("model: %s, target: %d images -> %s", c.cfg.Generate.Model, c.cfg.Generate.Total, c.cfg.Paths.Generated)
	report, err := damagedataset.New(c.cfg).Generate(ctx)
	fmt.Print(report.Summary())
	return err
}

func runLabel(ctx context.Context, args []string) error {
	var c common
	fs := newFlagSet("label", &c)
	dir := fs.String("dir", "", "dataset root with class directories and labels/ (config paths.generated)")
	backend := fs.String("backend", "", "backend to use: ollama or llamacpp")
	url := fs.String("url", "", "server URL")
	model := fs.String("model", "", "vision model name")
	minConf := fs.Float64("min-conf", 0, "minimum confidence to accept a box")
	fs.Parse(args)
	if err := c.load(); err != nil {
		return err
	}
	if *dir != "" {
		c.cfg.Paths.Generated = *dir
	}
	if *backend != "" {
		c.cfg.Labeler.Backend = *backend
	}
	if *url != "" {
		c.cfg.Labeler.URL = *url
	}
	if *model != "" {
		c.cfg.Labeler.Model = *model
	}
	if *minConf > 0 {
		c.cfg.Labeler.MinConfidence = *minConf
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	stats, err := damagedataset.New(c.cfg).Label(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("checked: %d\nrefined: %d\nkept:    %d\nskipped: %d\nfailed:  %d\n",
		stats.Checked, stats.Refined, stats.Kept, stats.Skipped, stats.Failed)
	return nil
}

func runAugment(ctx context.Context, args []string) error {
	var c common
	fs := newFlagSet("augment", &c)
	in := fs.String("in", "", "input root with class directories (config paths.generated)")
	out := fs.String("out", "", "output root (config paths.augmented)")
	chains := fs.String("chains", "", "comma-separated chain names (default: all)")
	geometry := fs.String("geometry", "", "label geometry: reference or corrected")
	format := fs.String("format", "", "output format: jpg|png|webp")
	seed := fs.Int64("seed", 0, "random seed (0 = time-seeded)")
	fs.Parse(args)
	if err := c.load(); err != nil {
		return err
	}
	if *in != "" {
		c.cfg.Paths.Generated = *in
	}
	if *out != "" {
		c.cfg.Paths.Augmented = *out
	}
	if *chains != "" {
		c.cfg.Augment.Chains = strings.Split(*chains, ",")
	}
	if *geometry != "" {
		c.cfg.Augment.Geometry = *geometry
	}
	if *format != "" {
		c.cfg.Output.Format = *format
	}
	if *seed != 0 {
		c.cfg.Augment.Seed = *seed
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	log.Printf("augment: %s -> %s (%s geometry)", c.cfg.Paths.Generated, c.cfg.Paths.Augmented, c.cfg.Augment.Geometry)
	stats, err := damagedataset.New(c.cfg).Augment(ctx)
	fmt.Print(stats.Summary())
	if err != nil {
		return err
	}
	for d, n := range stats.PerClass {
		fmt.Printf("  %s/ %d\n", d, n)
	}
	return nil
}

func runSplit(args []string) error {
	var c common
	fs := newFlagSet("split", &c)
	in := fs.String("in", "", "augmented root with images/ and labels/ (config paths.augmented)")
	out := fs.String("out", "", "dataset output root (config paths.dataset)")
	ratio := fs.Float64("ratio", 0, "train fraction (config split.ratio)")
	seed := fs.Int64("seed", 0, "shuffle seed (config split.seed)")
	fs.Parse(args)
	if err := c.load(); err != nil {
		return err
	}
	// only explicitly set flags override the file, so -seed 0 is allowed
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "in":
			c.cfg.Paths.Augmented = *in
		case "out":
			c.cfg.Paths.Dataset = *out
		case "ratio":
			c.cfg.Split.Ratio = *ratio
		case "seed":
			c.cfg.Split.Seed = *seed
		}
	})
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	res, err := damagedataset.New(c.cfg).Split()
	if err != nil {
		return err
	}
	fmt.Print(res.Summary())
	fmt.Printf("manifest: %s\n", res.ManifestPath)
	return nil
}

func runTrain(ctx context.Context, step string, args []string) error {
	var c common
	fs := newFlagSet(step, &c)
	epochs := fs.Int("epochs", 0, "training epochs (config train.epochs)")
	model := fs.String("model", "", "base model (config train.model)")
	fs.Parse(args)
	if err := c.load(); err != nil {
		return err
	}
	if *epochs > 0 {
		c.cfg.Train.Epochs = *epochs
	}
	if *model != "" {
		c.cfg.Train.Model = *model
	}

	tr := damagedataset.New(c.cfg).Trainer(nil)
	switch step {
	case "train":
		return tr.Train(ctx)
	case "val":
		return tr.Validate(ctx)
	case "test":
		return tr.Test(ctx)
	case "export":
		return tr.Export(ctx)
	}
	if err := tr.All(ctx); err != nil {
		return err
	}
	log.Printf("model: %s", tr.BestWeights())
	return nil
}

func runPreview(args []string) error {
	var c common
	fs := newFlagSet("preview", &c)
	images := fs.String("images", "", "image directory (default: <paths.augmented>/images)")
	lbls := fs.String("labels", "", "label directory (default: <paths.augmented>/labels)")
	out := fs.String("out", "preview", "output directory")
	limit := fs.Int("n", 20, "maximum number of images, 0 = all")
	fs.Parse(args)
	if err := c.load(); err != nil {
		return err
	}
	if *images == "" {
		*images = filepath.Join(c.cfg.Paths.Augmented, "images")
	}
	if *lbls == "" {
		*lbls = filepath.Join(c.cfg.Paths.Augmented, "labels")
	}

	res, err := damagedataset.New(c.cfg).Preview(*images, *lbls, *out, *limit)
	if err != nil {
		return err
	}
	for _, f := range res.Files {
		log.Printf("wrote %s", f)
	}
	fmt.Printf("%d previews, %s\n", len(res.Files), utils.FormatFileSize(res.Bytes))
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	path := fs.String("out", config.GetConfigPath(), "where to write the configuration")
	fs.Parse(args)
	if err := config.Default().SaveToFile(*path); err != nil {
		return err
	}
	log.Printf("wrote %s", *path)
	return nil
}
