package training

import "github.com/tsawler/go-latex-ocr/checkpoints"

// BestMetrics is the best validation result seen so far. Both fields only
// ever grow.
type BestMetrics struct {
	BLEU          float64
	TokenAccuracy float64
}

// Update records m if it improves BLEU and token accuracy at the same time,
// and reports whether it did. A gain in only one metric is ignored.
func (b *BestMetrics) Update(m Metrics) bool {
	if m.BLEU > b.BLEU && m.TokenAccuracy > b.TokenAccuracy {
		b.BLEU = m.BLEU
		b.TokenAccuracy = m.TokenAccuracy
		return true
	}
	return false
}

// RunState is the mutable progress of a run, owned by the Orchestrator.
type RunState struct {
	Epoch int
	// Step is the index within the epoch of the batch last started.
	Step int
	// GlobalStep is Step + Epoch*batches per epoch.
	GlobalStep     int
	OptimizerSteps int
	LastLoss       float64
	Best           BestMetrics
}

// GlobalStep returns the cumulative step index of batch i in epoch e.
func GlobalStep(epoch, i, batchesPerEpoch int) int {
	return i + epoch*batchesPerEpoch
}

// EvalBudget is the number of validation batches evaluated during epoch:
// valBatches scaled by the fraction of epochs elapsed, rounded down.
func EvalBudget(valBatches, epoch, epochs int) int {
	if epochs <= 0 {
		return 0
	}
	return valBatches * epoch / epochs
}

// checkpointState snapshots the run for a checkpoint at (epoch, step).
func (s *RunState) checkpointState(epoch, step int, lr float64) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Epoch:             epoch,
		Step:              step,
		LearningRate:      lr,
		BestBLEU:          s.Best.BLEU,
		BestTokenAccuracy: s.Best.TokenAccuracy,
		TotalSteps:        s.OptimizerSteps,
	}
}

// Restore resumes from a checkpointed training state.
func (s *RunState) Restore(ts *checkpoints.TrainingState) {
	if ts == nil {
		return
	}
	s.Best = BestMetrics{BLEU: ts.BestBLEU, TokenAccuracy: ts.BestTokenAccuracy}
	s.OptimizerSteps = ts.TotalSteps
}
