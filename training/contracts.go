package training

import (
	"context"

	"github.com/tsawler/go-latex-ocr/checkpoints"
	"github.com/tsawler/go-latex-ocr/tensor"
	"github.com/tsawler/go-latex-ocr/vision/dataloader"
)

// Loss is the scalar objective of one forward pass. Value is the mean
// per-token loss of the chunk it was computed on; Backward accumulates
// scale times its gradient into the model parameters and may be called
// once.
type Loss interface {
	Value() float64
	Backward(scale float64) error
}

// Model is the trainable image-to-sequence network.
type Model interface {
	Parameters() []*tensor.Parameter
	Train()
	Eval()
	// Forward computes the loss of batch, splitting it across devices.
	Forward(batch *dataloader.Batch, devices []int) (Loss, error)
}

// Dataset yields the batches of one epoch. Next returns io.EOF at the end
// of the epoch and a nil batch for a degenerate one.
type Dataset interface {
	Len() int
	Reset(epoch int)
	Next() (*dataloader.Batch, error)
}

// Metrics are the validation scores. Higher BLEU and token accuracy are
// better; lower edit distance is better.
type Metrics struct {
	BLEU          float64
	EditDistance  float64
	TokenAccuracy float64
}

// Evaluator scores the model on at most numBatches validation batches.
type Evaluator interface {
	Evaluate(ctx context.Context, numBatches int) (Metrics, error)
}

// Checkpointer persists the model for an (epoch, step) pair.
type Checkpointer interface {
	Save(epoch, step int, state checkpoints.TrainingState) (string, error)
}
