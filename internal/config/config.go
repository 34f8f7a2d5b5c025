package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Tr1pa/Dataset-Generator/pkg/augment"
)

// Config holds the application configuration
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Augment  AugmentConfig  `json:"augment"`
	Output   OutputConfig   `json:"output"`
	Split    SplitConfig    `json:"split"`
	Generate GenerateConfig `json:"generate"`
	Labeler  LabelerConfig  `json:"labeler"`
	Train    TrainConfig    `json:"train"`
}

// PathsConfig holds the directories each stage reads and writes
type PathsConfig struct {
	Generated string `json:"generated"`
	Augmented string `json:"augmented"`
	Dataset   string `json:"dataset"`
	RawImages string `json:"raw_images"`
	Runs      string `json:"runs"`
}

// AugmentConfig holds configuration for the augmentation engine
type AugmentConfig struct {
	ClassDirPrefix string   `json:"class_dir_prefix"`
	Chains         []string `json:"chains"`
	Geometry       string   `json:"geometry"`
	ProgressEvery  int      `json:"progress_every"`
	Seed           int64    `json:"seed"`
}

// OutputConfig holds configuration for written images
type OutputConfig struct {
	Format          string `json:"format"`
	OriginalQuality int    `json:"original_quality"`
	VariantQuality  int    `json:"variant_quality"`
}

// SplitConfig holds configuration for the train/val split
type SplitConfig struct {
	Ratio float64 `json:"ratio"`
	Seed  int64   `json:"seed"`
}

// GenerateConfig holds configuration for image synthesis
type GenerateConfig struct {
	BaseURL      string  `json:"base_url"`
	Model        string  `json:"model"`
	Total        int     `json:"total"`
	CostPerImage float64 `json:"cost_per_image"`
	DelaySeconds float64 `json:"delay_seconds"`
	MaxErrors    int     `json:"max_errors"`
	// APIKey is read from the environment only.
	APIKey string `json:"-"`
}

// LabelerConfig holds configuration for vision-model label refinement
type LabelerConfig struct {
	Backend       string  `json:"backend"`
	URL           string  `json:"url"`
	Model         string  `json:"model"`
	MinConfidence float64 `json:"min_confidence"`
	MaxDim        int     `json:"max_dim"`
}

// TrainConfig holds configuration for the YOLO tool
type TrainConfig struct {
	Binary       string  `json:"binary"`
	Model        string  `json:"model"`
	Name         string  `json:"name"`
	Epochs       int     `json:"epochs"`
	ImgSize      int     `json:"imgsz"`
	Batch        int     `json:"batch"`
	Patience     int     `json:"patience"`
	Conf         float64 `json:"conf"`
	ExportFormat string  `json:"export_format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Generated: "generated_dataset",
			Augmented: "augmented_dataset",
			Dataset:   "dataset_yolo",
			RawImages: "raw_images",
			Runs:      "runs",
		},
		Augment: AugmentConfig{
			ClassDirPrefix: "damaged_",
			Chains:         augment.DefaultCatalog().Names(),
			Geometry:       "reference",
			ProgressEvery:  100,
		},
		Output: OutputConfig{
			Format:          "jpg",
			OriginalQuality: 95,
			VariantQuality:  90,
		},
		Split: SplitConfig{
			Ratio: 0.8,
			Seed:  42,
		},
		Generate: GenerateConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			Model:        "openai/gpt-5-image-mini",
			Total:        220,
			CostPerImage: 0.042,
			DelaySeconds: 3,
			MaxErrors:    15,
		},
		Labeler: LabelerConfig{
			Backend:       "ollama",
			URL:           "http://localhost:11434",
			Model:         "qwen2.5vl:7b",
			MinConfidence: 0.5,
			MaxDim:        1024,
		},
		Train: TrainConfig{
			Binary:       "yolo",
			Model:        "yolov8n.pt",
			Name:         "metro_damage",
			Epochs:       50,
			ImgSize:      640,
			Batch:        16,
			Patience:     10,
			Conf:         0.25,
			ExportFormat: "onnx",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists and falls back to defaults otherwise,
// then applies the environment.
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			config, err = LoadFromFile(filename)
			if err != nil {
				return nil, err
			}
		}
	}
	config.LoadEnv()
	return config, nil
}

// LoadEnv reads .env if present and picks up secrets and overrides from the
// environment
func (c *Config) LoadEnv() {
	_ = godotenv.Load()

	c.Generate.APIKey = os.Getenv("OPENROUTER_API_KEY")
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.Labeler.URL = v
	}
	if v := os.Getenv("LLAMACPP_URL"); v != "" && c.Labeler.Backend == "llamacpp" {
		c.Labeler.URL = v
	}
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := augment.ParseGeometryMode(c.Augment.Geometry); err != nil {
		return fmt.Errorf("augment.geometry: %w", err)
	}

	if _, err := augment.DefaultCatalog().Select(c.Augment.Chains); err != nil {
		return fmt.Errorf("augment.chains: %w", err)
	}

	switch strings.ToLower(c.Output.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be jpg, png or webp")
	}

	for name, q := range map[string]int{
		"output.original_quality": c.Output.OriginalQuality,
		"output.variant_quality":  c.Output.VariantQuality,
	} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s must be between 1 and 100", name)
		}
	}

	if c.Split.Ratio <= 0 || c.Split.Ratio >= 1 {
		return fmt.Errorf("split.ratio must be between 0 and 1")
	}

	if c.Generate.Total < 0 {
		return fmt.Errorf("generate.total must not be negative")
	}

	switch c.Labeler.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("labeler.backend must be ollama or llamacpp")
	}

	if c.Labeler.MinConfidence < 0 || c.Labeler.MinConfidence > 1 {
		return fmt.Errorf("labeler.min_confidence must be between 0 and 1")
	}

	if c.Train.Epochs < 1 || c.Train.ImgSize < 1 || c.Train.Batch < 1 {
		return fmt.Errorf("train.epochs, train.imgsz and train.batch must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "damage-dataset", "config.json")
}
