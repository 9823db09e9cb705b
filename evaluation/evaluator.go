// Package evaluation scores a model against the validation set.
package evaluation

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/tensor"
	"github.com/tsawler/go-latex-ocr/training"
	"k8s.io/klog/v2"
)

// Generator decodes token sequences from images.
type Generator interface {
	Generate(images *tensor.Tensor, maxLen int) ([][]int, error)
	Eval()
	Train()
}

// Decoder maps ids to LaTeX tokens, dropping special tokens.
type Decoder interface {
	Words(ids []int) []string
}

// Evaluator runs greedy decoding over validation batches and compares the
// output with the references.
type Evaluator struct {
	model   Generator
	data    training.Dataset
	decoder Decoder
	maxLen  int
	rounds  int
}

// New creates an evaluator that decodes at most maxLen tokens per sample.
func New(model Generator, data training.Dataset, decoder Decoder, maxLen int) *Evaluator {
	return &Evaluator{model: model, data: data, decoder: decoder, maxLen: maxLen}
}

// Evaluate scores max(numBatches, 1) non-degenerate validation batches, or
// fewer if the validation set runs out. Each call starts from a fresh pass
// over the data. The model is in inference mode for the duration.
func (e *Evaluator) Evaluate(ctx context.Context, numBatches int) (training.Metrics, error) {
	e.model.Eval()
	defer e.model.Train()

	e.data.Reset(e.rounds)
	e.rounds++
	budget := max(numBatches, 1)

	var candidates, references [][]string
	var distances, accuracies []float64
	for done := 0; done < budget; {
		if err := ctx.Err(); err != nil {
			return training.Metrics{}, err
		}
		batch, err := e.data.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return training.Metrics{}, errors.Wrap(err, "failed to load validation batch")
		}
		if batch == nil {
			continue
		}

		preds, err := e.model.Generate(batch.Images, e.maxLen)
		if err != nil {
			return training.Metrics{}, errors.Wrap(err, "failed to decode validation batch")
		}
		for i, pred := range preds {
			ref := reference(batch.InputIDs[i], batch.AttentionMask[i])
			predWords := e.decoder.Words(pred)
			refWords := e.decoder.Words(ref)

			candidates = append(candidates, predWords)
			references = append(references, refWords)
			distances = append(distances, NormalizedEditDistance(strings.Join(predWords, " "), strings.Join(refWords, " ")))
			accuracies = append(accuracies, TokenAccuracyScore(pred, ref))
		}
		done++
	}

	if len(candidates) == 0 {
		klog.Warning("validation produced no samples")
		return training.Metrics{}, nil
	}
	metrics := training.Metrics{
		BLEU:          BLEUScore(candidates, references),
		EditDistance:  mean(distances),
		TokenAccuracy: mean(accuracies),
	}
	klog.V(2).Infof("evaluated %d samples: %s=%.4f %s=%.4f %s=%.4f", len(candidates),
		BLEU, metrics.BLEU, EditDistance, metrics.EditDistance, TokenAccuracy, metrics.TokenAccuracy)
	return metrics, nil
}

// reference strips the leading BOS and the padding from a target row,
// keeping the terminating EOS.
func reference(ids []int, mask []bool) []int {
	var out []int
	for t := 1; t < len(ids) && mask[t]; t++ {
		out = append(out, ids[t])
	}
	return out
}
