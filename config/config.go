// Package config loads, validates and persists the run configuration.
//
// A Config is a plain value: it is decoded once at startup and never mutated
// afterwards. The few fields that record run identity and progress are
// updated through With* methods that return a modified copy.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Clip modes for gradient-norm clipping.
const (
	ClipPerMicroBatch = "micro_batch"
	ClipPerBatch      = "batch"
)

// Config holds every named parameter of a training run.
type Config struct {
	// Data
	Data               string `yaml:"data"`
	ValData            string `yaml:"valdata"`
	Tokenizer          string `yaml:"tokenizer,omitempty"`
	BatchSize          int    `yaml:"batchsize"`
	TestBatchSize      int    `yaml:"testbatchsize"`
	MicroBatchSize     int    `yaml:"micro_batchsize"`
	ValBatches         int    `yaml:"valbatches"`
	KeepSmallerBatches bool   `yaml:"keep_smaller_batches"`
	CacheSize          int    `yaml:"cache_size"`

	// Devices
	GPUDevices []int `yaml:"gpu_devices"`
	NoCUDA     bool  `yaml:"no_cuda"`

	// Schedule
	Epoch      int   `yaml:"epoch"`
	Epochs     int   `yaml:"epochs"`
	SaveFreq   int   `yaml:"save_freq"`
	SampleFreq int   `yaml:"sample_freq"`
	Seed       int64 `yaml:"seed"`

	// Optimization
	Optimizer   string    `yaml:"optimizer"`
	Scheduler   string    `yaml:"scheduler"`
	LR          float64   `yaml:"lr"`
	Betas       []float64 `yaml:"betas"`
	Momentum    float64   `yaml:"momentum"`
	WeightDecay float64   `yaml:"weight_decay"`
	LRStep      int       `yaml:"lr_step"`
	Gamma       float64   `yaml:"gamma"`
	ClipGrad    float64   `yaml:"clip_grad"`
	ClipMode    string    `yaml:"clip_mode"`

	// Model and image geometry
	Channels  int `yaml:"channels"`
	MaxHeight int `yaml:"max_height"`
	MaxWidth  int `yaml:"max_width"`
	MinHeight int `yaml:"min_height"`
	MinWidth  int `yaml:"min_width"`
	MaxSeqLen int `yaml:"max_seq_len"`
	GridSize  int `yaml:"grid_size"`
	Dim       int `yaml:"dim"`

	// Vocabulary
	PadToken  int `yaml:"pad_token"`
	BOSToken  int `yaml:"bos_token"`
	EOSToken  int `yaml:"eos_token"`
	NumTokens int `yaml:"num_tokens"`

	// Output
	ModelPath  string `yaml:"model_path"`
	Name       string `yaml:"name"`
	ExportONNX bool   `yaml:"export_onnx"`
	LoadChkpt  string `yaml:"load_chkpt,omitempty"`

	// Tracking
	Tracking    bool   `yaml:"tracking"`
	TrackingDir string `yaml:"tracking_dir,omitempty"`
	TrackingURL string `yaml:"tracking_url,omitempty"`
	ID          string `yaml:"id,omitempty"`

	// Command line
	Debug  bool `yaml:"debug"`
	Resume bool `yaml:"resume"`
}

// Options carries the command-line switches that override the file.
type Options struct {
	NoCUDA bool
	Debug  bool
	Resume bool
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		BatchSize:      10,
		TestBatchSize:  20,
		MicroBatchSize: -1,
		ValBatches:     100,
		CacheSize:      1000,
		GPUDevices:     []int{0},
		Epochs:         10,
		SaveFreq:       1,
		SampleFreq:     1000,
		Seed:           42,
		Optimizer:      "Adam",
		Scheduler:      "StepLR",
		LR:             0.001,
		Betas:          []float64{0.9, 0.999},
		LRStep:         30,
		Gamma:          0.9995,
		ClipGrad:       1.0,
		ClipMode:       ClipPerMicroBatch,
		Channels:       1,
		MaxHeight:      192,
		MaxWidth:       672,
		MinHeight:      32,
		MinWidth:       32,
		MaxSeqLen:      512,
		GridSize:       8,
		Dim:            256,
		PadToken:       0,
		BOSToken:       1,
		EOSToken:       2,
		NumTokens:      8000,
		ModelPath:      "checkpoints",
		Name:           "pix2tex",
	}
}

// Load reads the YAML file at path over Default, applies opts and validates
// the result.
func Load(path string, opts Options) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	cfg = cfg.WithOptions(opts)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default without validating it.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithOptions applies command-line switches.
func (c Config) WithOptions(opts Options) Config {
	c.NoCUDA = c.NoCUDA || opts.NoCUDA
	c.Debug = opts.Debug
	c.Resume = opts.Resume
	c.GPUDevices = append([]int(nil), c.GPUDevices...)
	c.Betas = append([]float64(nil), c.Betas...)
	return c
}

// WithID returns a copy recording the run identifier.
func (c Config) WithID(id string) Config {
	c.ID = id
	return c
}

// WithEpoch returns a copy recording the epoch in progress.
func (c Config) WithEpoch(epoch int) Config {
	c.Epoch = epoch
	return c
}

// RunDir is the directory holding the run's checkpoints.
func (c Config) RunDir() string {
	return filepath.Join(c.ModelPath, c.Name)
}

// EffectiveMicroBatch resolves the micro-batch size, where -1 or 0 means the
// whole batch.
func (c Config) EffectiveMicroBatch() int {
	if c.MicroBatchSize <= 0 || c.MicroBatchSize > c.BatchSize {
		return c.BatchSize
	}
	return c.MicroBatchSize
}

// BetaPair returns the first two betas, or zeros when none are set.
func (c Config) BetaPair() [2]float64 {
	var b [2]float64
	copy(b[:], c.Betas)
	return b
}

// Validate reports every missing or inconsistent key at once.
func (c Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, errors.Errorf(format, args...).Error())
	}

	if c.Data == "" {
		fail("data is required")
	}
	if c.ValData == "" {
		fail("valdata is required")
	}
	if c.ModelPath == "" {
		fail("model_path is required")
	}
	if c.Name == "" {
		fail("name is required")
	}
	if c.BatchSize <= 0 {
		fail("batchsize must be positive, got %d", c.BatchSize)
	}
	if c.TestBatchSize <= 0 {
		fail("testbatchsize must be positive, got %d", c.TestBatchSize)
	}
	if c.MicroBatchSize == 0 || c.MicroBatchSize < -1 {
		fail("micro_batchsize must be -1 or positive, got %d", c.MicroBatchSize)
	}
	if c.ValBatches < 0 {
		fail("valbatches must not be negative, got %d", c.ValBatches)
	}
	if c.Epochs <= 0 {
		fail("epochs must be positive, got %d", c.Epochs)
	}
	if c.Epoch < 0 || c.Epoch >= c.Epochs {
		fail("epoch must be in [0, %d), got %d", c.Epochs, c.Epoch)
	}
	if c.SaveFreq <= 0 {
		fail("save_freq must be positive, got %d", c.SaveFreq)
	}
	if c.SampleFreq <= 0 {
		fail("sample_freq must be positive, got %d", c.SampleFreq)
	}
	if c.Optimizer == "" {
		fail("optimizer is required")
	}
	if c.LR <= 0 {
		fail("lr must be positive, got %g", c.LR)
	}
	if len(c.Betas) != 0 && len(c.Betas) != 2 {
		fail("betas must hold two values, got %d", len(c.Betas))
	}
	if c.ClipMode != ClipPerMicroBatch && c.ClipMode != ClipPerBatch {
		fail("clip_mode must be %q or %q, got %q", ClipPerMicroBatch, ClipPerBatch, c.ClipMode)
	}
	if c.Channels != 1 && c.Channels != 3 {
		fail("channels must be 1 or 3, got %d", c.Channels)
	}
	if c.MaxHeight <= 0 || c.MaxWidth <= 0 {
		fail("max_height and max_width must be positive")
	}
	if c.MinHeight > c.MaxHeight || c.MinWidth > c.MaxWidth {
		fail("min dimensions exceed max dimensions")
	}
	if c.MaxSeqLen < 2 {
		fail("max_seq_len must be at least 2, got %d", c.MaxSeqLen)
	}
	if c.GridSize <= 0 {
		fail("grid_size must be positive, got %d", c.GridSize)
	}
	if c.Dim <= 0 {
		fail("dim must be positive, got %d", c.Dim)
	}
	if c.NumTokens <= 0 {
		fail("num_tokens must be positive, got %d", c.NumTokens)
	}
	for name, tok := range map[string]int{"pad_token": c.PadToken, "bos_token": c.BOSToken, "eos_token": c.EOSToken} {
		if tok < 0 || tok >= c.NumTokens {
			fail("%s %d outside vocabulary of %d tokens", name, tok, c.NumTokens)
		}
	}
	if c.ExportONNX && c.GridSize > 0 && (c.MaxHeight%c.GridSize != 0 || c.MaxWidth%c.GridSize != 0) {
		fail("export_onnx requires max_height and max_width divisible by grid_size %d", c.GridSize)
	}
	if c.Resume && c.Tracking && c.ID == "" {
		fail("resume with tracking enabled requires an id")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
}

// DefaultPath resolves settings/debug.yaml next to the executable, falling
// back to the working directory.
func DefaultPath() string {
	const rel = "settings/debug.yaml"
	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		candidate := filepath.Join(filepath.Dir(exe), rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	abs, err := filepath.Abs(rel)
	if err != nil {
		return rel
	}
	return abs
}

// Save writes the configuration as YAML to path.
func (c Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}
