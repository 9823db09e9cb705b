package training

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/config"
	"github.com/tsawler/go-latex-ocr/optimizer"
	"github.com/tsawler/go-latex-ocr/tracking"
	"github.com/tsawler/go-latex-ocr/vision/dataloader"
	"k8s.io/klog/v2"
)

// ErrInterrupted is returned by Run when its context is cancelled. The
// returned error also wraps the context error.
var ErrInterrupted = errors.New("training interrupted")

// minInterruptEpoch is the first epoch index at which an interrupt still
// writes a checkpoint.
const minInterruptEpoch = 2

// StepRule is the optimizer as seen by the training loop.
type StepRule interface {
	ZeroGrad()
	Step() error
	LearningRate() float64
}

// LRStepper advances a learning-rate schedule once per optimizer step.
type LRStepper interface {
	Step()
}

// Options are the loop parameters of a run.
type Options struct {
	StartEpoch int
	Epochs     int
	// MicroBatch is the chunk size; <= 0 processes each batch whole.
	MicroBatch int
	SampleFreq int
	SaveFreq   int
	ValBatches int
	ClipGrad   float64
	ClipMode   string
	Devices    []int
}

// OptionsFrom extracts the loop parameters from a run configuration.
func OptionsFrom(cfg config.Config, devices []int) Options {
	return Options{
		StartEpoch: cfg.Epoch,
		Epochs:     cfg.Epochs,
		MicroBatch: cfg.EffectiveMicroBatch(),
		SampleFreq: cfg.SampleFreq,
		SaveFreq:   cfg.SaveFreq,
		ValBatches: cfg.ValBatches,
		ClipGrad:   cfg.ClipGrad,
		ClipMode:   cfg.ClipMode,
		Devices:    append([]int(nil), devices...),
	}
}

// Orchestrator drives the epoch loop: micro-batched gradient accumulation,
// periodic evaluation, and checkpointing.
type Orchestrator struct {
	opts      Options
	model     Model
	train     Dataset
	evaluator Evaluator
	optimizer StepRule
	scheduler LRStepper
	ckpt      Checkpointer
	recorder  tracking.Recorder
	progress  io.Writer
	state     RunState
}

// NewOrchestrator wires a run together. evaluator may be nil to disable
// evaluation; recorder may be nil to disable tracking.
func NewOrchestrator(opts Options, model Model, train Dataset, evaluator Evaluator, opt StepRule, sched LRStepper, ckpt Checkpointer, recorder tracking.Recorder) (*Orchestrator, error) {
	switch {
	case model == nil:
		return nil, errors.New("model is required")
	case train == nil:
		return nil, errors.New("train dataset is required")
	case opt == nil:
		return nil, errors.New("optimizer is required")
	case ckpt == nil:
		return nil, errors.New("checkpointer is required")
	}
	if opts.Epochs <= 0 || opts.StartEpoch < 0 || opts.StartEpoch >= opts.Epochs {
		return nil, errors.Errorf("invalid epoch range [%d, %d)", opts.StartEpoch, opts.Epochs)
	}
	if opts.SampleFreq <= 0 || opts.SaveFreq <= 0 {
		return nil, errors.Errorf("sample_freq and save_freq must be positive, got %d and %d", opts.SampleFreq, opts.SaveFreq)
	}
	if opts.ClipMode == "" {
		opts.ClipMode = config.ClipPerMicroBatch
	}
	if opts.ClipMode != config.ClipPerMicroBatch && opts.ClipMode != config.ClipPerBatch {
		return nil, errors.Errorf("unknown clip mode %q", opts.ClipMode)
	}
	if recorder == nil {
		recorder = tracking.Nop{}
	}
	return &Orchestrator{
		opts:      opts,
		model:     model,
		train:     train,
		evaluator: evaluator,
		optimizer: opt,
		scheduler: sched,
		ckpt:      ckpt,
		recorder:  recorder,
		progress:  os.Stderr,
	}, nil
}

// SetProgressOutput redirects the progress bar; nil silences it.
func (o *Orchestrator) SetProgressOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	o.progress = w
}

// State returns the current run state.
func (o *Orchestrator) State() RunState {
	return o.state
}

// Resume carries best metrics and the optimizer step count over from a
// restored checkpoint.
func (o *Orchestrator) Resume(ts *checkpoints.TrainingState) {
	o.state.Restore(ts)
}

// Run trains from StartEpoch to Epochs. On cancellation of ctx it writes a
// checkpoint if at least two epochs are done and returns an error wrapping
// both ErrInterrupted and the context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	klog.Infof("Training epochs [%d, %d) on devices %v", o.opts.StartEpoch, o.opts.Epochs, o.opts.Devices)

	batches := 0
	for e := o.opts.StartEpoch; e < o.opts.Epochs; e++ {
		// The state still names the last epoch that ran.
		if e > o.opts.StartEpoch && ctx.Err() != nil {
			return o.interrupted(ctx)
		}
		o.state.Epoch = e
		o.state.Step = 0

		var err error
		batches, err = o.runEpoch(ctx, e)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return o.interrupted(ctx)
			}
			return err
		}

		o.recorder.Record(tracking.TrainEpoch, float64(e+1), o.state.GlobalStep)
		if (e+1)%o.opts.SaveFreq == 0 {
			if err := o.save(e, batches); err != nil {
				return err
			}
		}
		klog.V(2).Infof("Epoch %d/%d done, loss %.4f", e+1, o.opts.Epochs, o.state.LastLoss)
	}

	return o.save(o.opts.Epochs-1, batches)
}

// runEpoch trains over one epoch and returns its batch count.
func (o *Orchestrator) runEpoch(ctx context.Context, e int) (int, error) {
	o.model.Train()
	o.train.Reset(e)
	n := o.train.Len()

	bar := NewProgressBar(o.progress, "Loss: -", n)
	defer bar.Finish()

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		batch, err := o.train.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrapf(err, "failed to load batch %d of epoch %d", i, e)
		}

		o.state.Step = i
		o.state.GlobalStep = GlobalStep(e, i, n)

		if batch != nil {
			loss, err := o.trainBatch(batch)
			if err != nil {
				return n, errors.Wrapf(err, "epoch %d batch %d", e, i)
			}
			o.state.LastLoss = loss
			o.recorder.Record(tracking.TrainLoss, loss, o.state.GlobalStep)
			bar.SetDescription(fmt.Sprintf("Loss: %.4f", loss))
			klog.V(4).Infof("epoch %d batch %d loss %.6f lr %g", e, i, loss, o.optimizer.LearningRate())
		} else {
			klog.V(4).Infof("epoch %d batch %d skipped", e, i)
		}

		if (o.state.GlobalStep+1)%o.opts.SampleFreq == 0 {
			if err := o.evaluate(ctx, e, i); err != nil {
				return n, err
			}
		}
		bar.Update(i + 1)
	}
}

// trainBatch accumulates the gradients of every chunk of batch and applies
// one optimizer step and one scheduler step. It returns the batch loss.
func (o *Orchestrator) trainBatch(batch *dataloader.Batch) (float64, error) {
	o.optimizer.ZeroGrad()
	params := o.model.Parameters()

	var total float64
	for _, c := range SplitBatch(batch.Size(), o.opts.MicroBatch) {
		chunk, err := batch.Slice(c.From, c.To)
		if err != nil {
			return 0, err
		}
		loss, err := o.model.Forward(chunk, o.opts.Devices)
		if err != nil {
			return 0, errors.Wrap(err, "forward pass failed")
		}
		total += loss.Value() * c.Scale
		if err := loss.Backward(c.Scale); err != nil {
			return 0, errors.Wrap(err, "backward pass failed")
		}
		if o.opts.ClipMode == config.ClipPerMicroBatch {
			optimizer.ClipGradNorm(params, o.opts.ClipGrad)
		}
	}
	if o.opts.ClipMode == config.ClipPerBatch {
		optimizer.ClipGradNorm(params, o.opts.ClipGrad)
	}

	if err := o.optimizer.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step failed")
	}
	o.state.OptimizerSteps++
	if o.scheduler != nil {
		o.scheduler.Step()
	}
	return total, nil
}

// evaluate scores the model and checkpoints on a joint improvement.
func (o *Orchestrator) evaluate(ctx context.Context, e, i int) error {
	if o.evaluator == nil {
		return nil
	}
	budget := EvalBudget(o.opts.ValBatches, e, o.opts.Epochs)
	m, err := o.evaluator.Evaluate(ctx, budget)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "evaluation failed")
	}

	step := o.state.GlobalStep
	o.recorder.Record(tracking.ValBLEU, m.BLEU, step)
	o.recorder.Record(tracking.ValEditDistance, m.EditDistance, step)
	o.recorder.Record(tracking.ValTokenAccuracy, m.TokenAccuracy, step)
	klog.V(2).Infof("Evaluation at epoch %d step %d (%d batches): BLEU %.4f, edit distance %.4f, token accuracy %.4f",
		e, i, budget, m.BLEU, m.EditDistance, m.TokenAccuracy)

	if o.state.Best.Update(m) {
		klog.Infof("New best BLEU %.4f and token accuracy %.4f", m.BLEU, m.TokenAccuracy)
		return o.save(e, i)
	}
	return nil
}

// save writes a checkpoint. Graph export failures are logged and do not
// stop training.
func (o *Orchestrator) save(epoch, step int) error {
	path, err := o.ckpt.Save(epoch, step, o.state.checkpointState(epoch, step, o.optimizer.LearningRate()))
	var exportErr *checkpoints.ExportError
	if errors.As(err, &exportErr) {
		klog.Errorf("Checkpoint %s saved but graph export failed: %v", path, exportErr)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to save checkpoint for epoch %d step %d", epoch, step)
	}
	return nil
}

func (o *Orchestrator) interrupted(ctx context.Context) error {
	if o.state.Epoch >= minInterruptEpoch {
		klog.Warningf("Interrupted in epoch %d, saving checkpoint", o.state.Epoch)
		if err := o.save(o.state.Epoch, o.state.Step); err != nil {
			klog.Errorf("Failed to save checkpoint on interrupt: %v", err)
		}
	} else {
		klog.Warningf("Interrupted in epoch %d, too early to save a checkpoint", o.state.Epoch)
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
}
