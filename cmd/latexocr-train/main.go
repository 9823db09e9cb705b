// Command latexocr-train trains an image-to-LaTeX model.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/config"
	"github.com/tsawler/go-latex-ocr/device"
	"github.com/tsawler/go-latex-ocr/evaluation"
	"github.com/tsawler/go-latex-ocr/model"
	"github.com/tsawler/go-latex-ocr/optimizer"
	"github.com/tsawler/go-latex-ocr/tracking"
	"github.com/tsawler/go-latex-ocr/training"
	"github.com/tsawler/go-latex-ocr/vision/dataloader"
	"github.com/tsawler/go-latex-ocr/vision/dataset"
	"github.com/tsawler/go-latex-ocr/vision/preprocessing"
	"k8s.io/klog/v2"
)

const (
	exitError     = 1
	exitInterrupt = 130
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "path to the YAML run configuration (default settings/debug.yaml next to the binary)")
	noCUDA := flag.Bool("no_cuda", false, "train on a single CPU worker")
	debug := flag.Bool("debug", false, "verbose logging")
	resume := flag.Bool("resume", false, "reuse the run id from the configuration instead of generating one")
	flag.Parse()

	if *debug {
		_ = flag.Set("v", "4")
	}
	if *configPath == "" {
		*configPath = config.DefaultPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *configPath, config.Options{NoCUDA: *noCUDA, Debug: *debug, Resume: *resume})
	stop()

	code := 0
	switch {
	case err == nil:
	case errors.Is(err, training.ErrInterrupted):
		klog.Warning(err)
		code = exitInterrupt
	default:
		klog.Errorf("%+v", err)
		code = exitError
	}
	klog.Flush()
	os.Exit(code)
}

func run(ctx context.Context, configPath string, opts config.Options) error {
	cfg, err := config.Load(configPath, opts)
	if err != nil {
		return err
	}
	if !cfg.Resume || cfg.ID == "" {
		cfg = cfg.WithID(tracking.NewRunID())
	}
	klog.Infof("Run %s (%s), config %s", cfg.Name, cfg.ID, configPath)

	// Kinds are checked before any data or weights are loaded.
	if _, err := optimizer.Canonical(cfg.Optimizer); err != nil {
		return err
	}
	if _, err := training.CanonicalScheduler(cfg.Scheduler); err != nil {
		return err
	}

	info := device.Probe()
	devices, err := device.Resolve(cfg.GPUDevices, cfg.NoCUDA, info)
	if err != nil {
		return err
	}
	klog.Infof("CPU: %s, devices %v", info, devices)

	tok, err := loadTokenizer(cfg)
	if err != nil {
		return err
	}
	if tok.Size() > cfg.NumTokens {
		return errors.Errorf("tokenizer has %d tokens but num_tokens is %d", tok.Size(), cfg.NumTokens)
	}

	trainSet, err := dataset.Load(cfg.Data, tok)
	if err != nil {
		return errors.Wrap(err, "failed to load training data")
	}
	valSet, err := dataset.Load(cfg.ValData, tok)
	if err != nil {
		return errors.Wrap(err, "failed to load validation data")
	}
	klog.Infof("train: %s", trainSet)
	klog.Infof("val: %s", valSet)

	trainLoader, valLoader, err := newLoaders(cfg, trainSet, valSet, len(devices))
	if err != nil {
		return err
	}

	net, err := model.New(model.ConfigFrom(cfg))
	if err != nil {
		return err
	}
	if klog.V(2).Enabled() {
		training.PrintModelSummary(os.Stderr, "Model", net.Parameters())
	}

	opt, err := optimizer.New(net.Parameters(), optimizer.Config{
		Kind:         cfg.Optimizer,
		LearningRate: cfg.LR,
		Betas:        cfg.BetaPair(),
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	})
	if err != nil {
		return err
	}
	sched, err := training.NewScheduler(opt, training.SchedulerConfig{
		Kind:   cfg.Scheduler,
		BaseLR: cfg.LR,
		Step:   cfg.LRStep,
		Gamma:  cfg.Gamma,
	})
	if err != nil {
		return err
	}

	manager := checkpoints.NewManager(cfg, net, opt)
	var restored *checkpoints.TrainingState
	if cfg.LoadChkpt != "" {
		restored, err = manager.Restore(cfg.LoadChkpt, opt)
		if err != nil {
			return err
		}
		sched.Restore(restored.TotalSteps)
		klog.Infof("Loaded checkpoint %s (epoch %d, step %d)", cfg.LoadChkpt, restored.Epoch+1, restored.Step)
	}

	recorder, err := tracking.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			klog.Warningf("failed to close tracking: %v", err)
		}
	}()

	evaluator := evaluation.New(net, valLoader, tok, cfg.MaxSeqLen)
	orchestrator, err := training.NewOrchestrator(training.OptionsFrom(cfg, devices), net, trainLoader, evaluator, opt, sched, manager, recorder)
	if err != nil {
		return err
	}
	if restored != nil {
		orchestrator.Resume(restored)
	}

	if err := orchestrator.Run(ctx); err != nil {
		return err
	}
	klog.Infof("Training finished, %d checkpoints in %s", len(manager.SavedFiles()), cfg.RunDir())
	klog.V(2).Info(trainLoader.Stats())
	return nil
}

// loadTokenizer reads the configured tokenizer, or builds one from the
// training formulas and stores it for later runs.
func loadTokenizer(cfg config.Config) (*dataset.Tokenizer, error) {
	if cfg.Tokenizer != "" {
		if _, err := os.Stat(cfg.Tokenizer); err == nil {
			return dataset.LoadTokenizer(cfg.Tokenizer)
		}
	}

	formulas, err := dataset.ReadFormulas(cfg.Data)
	if err != nil {
		return nil, err
	}
	tok, err := dataset.NewTokenizer(formulas, dataset.Specials{Pad: cfg.PadToken, BOS: cfg.BOSToken, EOS: cfg.EOSToken})
	if err != nil {
		return nil, err
	}

	path := cfg.Tokenizer
	if path == "" {
		path = filepath.Join(cfg.RunDir(), "tokenizer.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create tokenizer directory")
	}
	if err := tok.Save(path); err != nil {
		return nil, err
	}
	klog.Infof("Built tokenizer with %d tokens, saved to %s", tok.Size(), path)
	return tok, nil
}

func newLoaders(cfg config.Config, trainSet, valSet dataloader.Dataset, workers int) (*dataloader.DataLoader, *dataloader.DataLoader, error) {
	processor := preprocessing.NewImageProcessor(preprocessing.Options{
		Channels:  cfg.Channels,
		MinHeight: cfg.MinHeight,
		MinWidth:  cfg.MinWidth,
		MaxHeight: cfg.MaxHeight,
		MaxWidth:  cfg.MaxWidth,
	})
	base := dataloader.Config{
		Seed:         cfg.Seed,
		MaxSeqLen:    cfg.MaxSeqLen,
		PadToken:     cfg.PadToken,
		BOSToken:     cfg.BOSToken,
		EOSToken:     cfg.EOSToken,
		NumWorkers:   workers,
		MaxCacheSize: cfg.CacheSize,
		Processor:    processor,
	}

	trainCfg := base
	trainCfg.BatchSize = cfg.BatchSize
	trainCfg.KeepSmallerBatches = cfg.KeepSmallerBatches
	trainCfg.Augmenter = preprocessing.NewAugmenter(cfg.Seed)

	valCfg := base
	valCfg.BatchSize = cfg.TestBatchSize
	valCfg.KeepSmallerBatches = true

	trainLoader, valLoader, err := dataloader.NewSharedDataLoaders(trainSet, valSet, trainCfg, valCfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create data loaders")
	}
	klog.Infof("%d training batches, %d validation batches per epoch", trainLoader.Len(), valLoader.Len())
	return trainLoader, valLoader, nil
}
